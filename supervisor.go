package tunnelkeeper

import (
	"context"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	lg "github.com/go-puzzles/puzzles/plog"
)

const (
	DefaultBackoffStart = 2 * time.Second
	DefaultBackoffMax   = 60 * time.Second
)

// retryState tracks the backoff clock for one tunnel. The delay doubles after
// every failed attempt, capped at max, and resets on any successful
// transition into serving.
type retryState struct {
	start   time.Duration
	max     time.Duration
	current time.Duration
}

func newRetryState(start, max time.Duration) *retryState {
	if start <= 0 {
		start = DefaultBackoffStart
	}
	if max < start {
		max = start
	}
	return &retryState{start: start, max: max, current: start}
}

// next returns the delay to sleep before the coming attempt, then doubles it.
func (r *retryState) next() time.Duration {
	d := r.current
	r.current *= 2
	if r.current > r.max {
		r.current = r.max
	}
	return d
}

func (r *retryState) reset() {
	r.current = r.start
}

// SupervisorOptions carries the per-tunnel tunables shared by all tunnels of
// one agent.
type SupervisorOptions struct {
	PasswordFile string
	Prompt       string

	BackoffStart time.Duration
	BackoffMax   time.Duration
	AcceptPoll   time.Duration
	LocalTimeout time.Duration
}

func (o *SupervisorOptions) SetDefaults() {
	if o.BackoffStart <= 0 {
		o.BackoffStart = DefaultBackoffStart
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.AcceptPoll <= 0 {
		o.AcceptPoll = DefaultAcceptPoll
	}
	if o.LocalTimeout <= 0 {
		o.LocalTimeout = DefaultConnectTimeout
	}
}

// Supervisor drives one tunnel's lifecycle: connect, serve channels, back off
// and retry on failure. It owns the session and the retry state; nothing here
// is shared with other tunnels except the credential store.
type Supervisor struct {
	spec  TunnelSpec
	dial  SessionDialer
	creds *CredentialStore
	opt   SupervisorOptions

	retry   *retryState
	bridges sync.WaitGroup

	verbose bool
}

func NewSupervisor(spec TunnelSpec, dial SessionDialer, creds *CredentialStore, opt SupervisorOptions) *Supervisor {
	opt.SetDefaults()
	return &Supervisor{
		spec:  spec,
		dial:  dial,
		creds: creds,
		opt:   opt,
		retry: newRetryState(opt.BackoffStart, opt.BackoffMax),
	}
}

// SetVerbose switches failure logs between full diagnostic detail and
// one-line summaries.
func (s *Supervisor) SetVerbose(v bool) { s.verbose = v }

// Run loops connect -> serve -> back off until ctx is cancelled. In-flight
// bridges are waited for before returning so no channel is abandoned
// half-open.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx = lg.With(ctx, "[%s]", s.spec.Label)
	defer s.bridges.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err := s.connect(ctx)
		if err != nil {
			if IsAuthentication(err) {
				// Reprompt immediately, the operator is waiting; the
				// backoff clock only paces connectivity failures.
				lg.Warnc(ctx, "authentication failed, discarding stored credential: %s", errDetail(err, s.verbose))
				if ierr := s.creds.Invalidate(s.opt.PasswordFile); ierr != nil {
					lg.Errorc(ctx, "discard credential: %v", ierr)
				}
				continue
			}
			if err := s.backOff(ctx, err); err != nil {
				return err
			}
			continue
		}

		s.retry.reset()
		lg.Infoc(ctx, "serving, remote %s bridged to %s", s.spec.BindAddr(), s.spec.LocalAddr())

		serveErr := s.serve(ctx, sess)
		sess.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metricReconnects.Inc()
		if err := s.backOff(ctx, serveErr); err != nil {
			return err
		}
	}
}

// connect obtains the credential and dials one session. A fresh prompt occurs
// when the previous attempt failed authentication, because the store was
// invalidated before this call.
func (s *Supervisor) connect(ctx context.Context) (Session, error) {
	secret, err := s.creds.Obtain(s.opt.PasswordFile, s.opt.Prompt)
	if err != nil {
		// No TTY or prompt EOF: degrade to polite retry rather than a
		// hot loop.
		return nil, errConnect(err)
	}

	metricConnectAttempts.Inc()
	sess, err := s.dial.Dial(ctx, s.spec, secret)
	if err != nil {
		metricConnectFailures.WithLabelValues(failLabel(err)).Inc()
		return nil, err
	}
	return sess, nil
}

// serve accepts inbound channels until the session dies, spawning one bridge
// per channel. Bridge failures drop only their own channel.
func (s *Supervisor) serve(ctx context.Context, sess Session) error {
	metricSessionsActive.Inc()
	defer metricSessionsActive.Dec()

	for {
		ch, err := sess.Accept(ctx, s.opt.AcceptPoll)
		if err != nil {
			return err
		}
		if ch == nil {
			// Liveness tick; the keepalive goroutine owns dead-peer
			// detection.
			continue
		}

		metricChannelsTotal.Inc()
		cctx := lg.With(ctx, "[%v]", uuid.NewV4())
		s.bridges.Add(1)
		go func() {
			defer s.bridges.Done()
			if err := Bridge(cctx, ch, s.spec, s.opt.LocalTimeout); err != nil {
				lg.Warnc(cctx, "bridge ended: %s", errDetail(err, s.verbose))
			}
		}()
	}
}

// backOff sleeps the current retry delay, doubling it for next time. The
// sleep is interruptible so shutdown latency stays bounded.
func (s *Supervisor) backOff(ctx context.Context, cause error) error {
	delay := s.retry.next()
	lg.Warnc(ctx, "tunnel down, reconnecting in %v: %s", delay, errDetail(cause, s.verbose))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
