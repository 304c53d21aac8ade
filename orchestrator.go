package tunnelkeeper

import (
	"context"
	"sync"

	"golang.org/x/crypto/ssh"

	lg "github.com/go-puzzles/puzzles/plog"
)

// Orchestrator runs one supervisor per tunnel spec for the process lifetime.
// Supervisors are fully independent; one tunnel's permanent failure never
// stops or degrades another.
type Orchestrator struct {
	supervisors []*Supervisor
}

// NewOrchestrator builds the supervisors from cfg and specs, all sharing the
// credential store and the agent-level dial settings.
func NewOrchestrator(cfg Config, specs []TunnelSpec, creds *CredentialStore) (*Orchestrator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errConfigf("no tunnels configured")
	}
	if creds == nil {
		creds = NewCredentialStore(nil)
	}

	var signer ssh.Signer
	if cfg.IdentityFile != "" {
		var err error
		signer, err = LoadSigner(cfg.IdentityFile)
		if err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{}
	for _, spec := range specs {
		dialer := &Dialer{
			Host:              cfg.RemoteHost,
			Port:              cfg.RemotePort,
			User:              cfg.Username,
			Signer:            signer,
			ConnectTimeout:    cfg.connectTimeout(),
			KeepaliveInterval: cfg.keepalive(),
		}
		sup := NewSupervisor(spec, dialer, creds, SupervisorOptions{
			PasswordFile: cfg.PasswordFile,
			Prompt:       cfg.prompt(),
			BackoffStart: cfg.backoffStart(),
			BackoffMax:   cfg.backoffMax(),
		})
		sup.SetVerbose(cfg.Verbose)
		o.supervisors = append(o.supervisors, sup)
	}
	return o, nil
}

// Run starts every supervisor and blocks until all of them exit, which
// happens only when ctx is cancelled. Each supervisor releases its session
// and waits for its bridges before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sup := range o.supervisors {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
				lg.Errorf("[%s] supervisor exited: %v", sup.spec.Label, err)
			}
		}(sup)
	}
	wg.Wait()
	return ctx.Err()
}
