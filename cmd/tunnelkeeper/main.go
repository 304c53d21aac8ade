package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/juju/gnuflag"
	"github.com/superwhys/tunnelkeeper"

	lg "github.com/go-puzzles/puzzles/plog"
)

// mapFlags accumulates repeated --map values in order.
type mapFlags []string

func (m *mapFlags) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func (m *mapFlags) String() string {
	return strings.Join(*m, ", ")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		cfg        tunnelkeeper.Config
		maps       mapFlags
		configFile string

		remoteBindHost = "127.0.0.1"
		remoteBindPort = tunnelkeeper.DefaultRemoteBindPort
		localHost      = "127.0.0.1"
		localPort      = tunnelkeeper.DefaultLocalPort
	)

	fs := gnuflag.NewFlagSet("tunnelkeeper", gnuflag.ContinueOnError)
	fs.StringVar(&cfg.RemoteHost, "remote-host", "", "remote host every tunnel's session connects to")
	fs.IntVar(&cfg.RemotePort, "remote-port", tunnelkeeper.DefaultRemotePort, "ssh port on the remote host")
	fs.StringVar(&cfg.Username, "username", "", "user to authenticate as (default $USER)")
	fs.Var(&maps, "map", "tunnel mapping [BIND_HOST:]REMOTE_PORT:LOCAL_HOST:LOCAL_PORT, repeatable")
	fs.StringVar(&remoteBindHost, "remote-bind-host", remoteBindHost, "remote listen host, used when --map is absent")
	fs.IntVar(&remoteBindPort, "remote-bind-port", remoteBindPort, "remote listen port, used when --map is absent")
	fs.StringVar(&localHost, "local-host", localHost, "local service host, used when --map is absent")
	fs.IntVar(&localPort, "local-port", localPort, "local service port, used when --map is absent")
	fs.StringVar(&cfg.PasswordFile, "password-file", "", "credential file (default ~/.ssh/<remote-host>.pw)")
	fs.StringVar(&cfg.IdentityFile, "identity-file", "", "private key offered before password auth")
	fs.IntVar(&cfg.KeepaliveSec, "keepalive", 30, "liveness probe interval in seconds")
	fs.IntVar(&cfg.BackoffStartSec, "backoff-start", 2, "initial reconnect delay in seconds")
	fs.IntVar(&cfg.BackoffMaxSec, "backoff-max", 60, "reconnect delay cap in seconds")
	fs.StringVar(&configFile, "config", "", "YAML config file")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "log full failure detail instead of one-line summaries")
	fs.BoolVar(&cfg.Verbose, "v", false, "log full failure detail instead of one-line summaries")

	if err := fs.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if configFile != "" {
		var fileCfg tunnelkeeper.Config
		if err := tunnelkeeper.LoadConfigFile(configFile, &fileCfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		mergeFlags(fs, &cfg, fileCfg)
	}
	// --remote-bind-host doubles as the default bind host for three-field
	// --map values, unless the config file names one.
	if cfg.DefaultBindHost == "" {
		cfg.DefaultBindHost = remoteBindHost
	}
	cfg.SetDefaults()

	specs, err := buildSpecs(&cfg, maps, remoteBindHost, remoteBindPort, localHost, localPort)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	orch, err := tunnelkeeper.NewOrchestrator(cfg, specs, tunnelkeeper.NewCredentialStore(nil))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr)
	}

	for _, spec := range specs {
		lg.Infof("tunnel %s via %s@%s:%d", spec.Label, cfg.Username, cfg.RemoteHost, cfg.RemotePort)
	}
	orch.Run(ctx)
	lg.Infof("all tunnels shut down")
	return 0
}

// mergeFlags overlays file values under cfg, keeping any value the operator
// set explicitly on the command line.
func mergeFlags(fs *gnuflag.FlagSet, cfg *tunnelkeeper.Config, file tunnelkeeper.Config) {
	set := map[string]bool{}
	fs.Visit(func(f *gnuflag.Flag) { set[f.Name] = true })

	if !set["remote-host"] && file.RemoteHost != "" {
		cfg.RemoteHost = file.RemoteHost
	}
	if !set["remote-port"] && file.RemotePort != 0 {
		cfg.RemotePort = file.RemotePort
	}
	if !set["username"] && file.Username != "" {
		cfg.Username = file.Username
	}
	if !set["password-file"] && file.PasswordFile != "" {
		cfg.PasswordFile = file.PasswordFile
	}
	if !set["identity-file"] && file.IdentityFile != "" {
		cfg.IdentityFile = file.IdentityFile
	}
	if !set["keepalive"] && file.KeepaliveSec != 0 {
		cfg.KeepaliveSec = file.KeepaliveSec
	}
	if !set["backoff-start"] && file.BackoffStartSec != 0 {
		cfg.BackoffStartSec = file.BackoffStartSec
	}
	if !set["backoff-max"] && file.BackoffMaxSec != 0 {
		cfg.BackoffMaxSec = file.BackoffMaxSec
	}
	if !set["metrics-addr"] && file.MetricsAddr != "" {
		cfg.MetricsAddr = file.MetricsAddr
	}
	if !set["verbose"] && !set["v"] && file.Verbose {
		cfg.Verbose = true
	}
	if !set["remote-bind-host"] && file.DefaultBindHost != "" {
		cfg.DefaultBindHost = file.DefaultBindHost
	}
	cfg.Tunnels = file.Tunnels
}

// buildSpecs applies the tunnel-source precedence: --map flags, then the
// config file's tunnels list, then the legacy single-tunnel flags.
func buildSpecs(cfg *tunnelkeeper.Config, maps []string, bindHost string, bindPort int, localHost string, localPort int) ([]tunnelkeeper.TunnelSpec, error) {
	switch {
	case len(maps) > 0:
		return cfg.ParseMappings(maps)
	case len(cfg.Tunnels) > 0:
		return cfg.ParseMappings(cfg.Tunnels)
	default:
		spec, err := tunnelkeeper.NewTunnelSpec(bindHost, bindPort, localHost, localPort)
		if err != nil {
			return nil, err
		}
		return []tunnelkeeper.TunnelSpec{spec}, nil
	}
}
