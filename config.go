package tunnelkeeper

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRemotePort     = 22
	DefaultRemoteBindPort = 15292
	DefaultLocalPort      = 3000
	DefaultBindHost       = "127.0.0.1"
)

// Config holds the agent-level settings shared by every tunnel. Zero values
// are filled in by SetDefaults; Validate rejects anything a session could not
// be attempted with.
type Config struct {
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
	Username   string `yaml:"username"`

	PasswordFile string `yaml:"password_file"`
	IdentityFile string `yaml:"identity_file"`

	// DefaultBindHost fills the bind host of three-field tunnel mappings.
	DefaultBindHost string `yaml:"default_bind_host"`

	// Tunnels lists mappings in --map syntax; the CLI's --map flags take
	// precedence over this list.
	Tunnels []string `yaml:"tunnels"`

	KeepaliveSec    int `yaml:"keepalive"`
	BackoffStartSec int `yaml:"backoff_start"`
	BackoffMaxSec   int `yaml:"backoff_max"`

	Verbose     bool   `yaml:"verbose"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadConfigFile reads a YAML config into cfg, overwriting only the fields
// the file sets.
func LoadConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errConfigf("read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errConfigf("parse config file %s: %v", path, err)
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.RemotePort == 0 {
		c.RemotePort = DefaultRemotePort
	}
	if c.Username == "" {
		c.Username = os.Getenv("USER")
	}
	if c.Username == "" {
		c.Username = "root"
	}
	if c.DefaultBindHost == "" {
		c.DefaultBindHost = DefaultBindHost
	}
	if c.PasswordFile == "" && c.RemoteHost != "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.PasswordFile = filepath.Join(home, ".ssh", c.RemoteHost+".pw")
		}
	}
	if c.KeepaliveSec == 0 {
		c.KeepaliveSec = int(DefaultKeepaliveInterval / time.Second)
	}
	if c.BackoffStartSec == 0 {
		c.BackoffStartSec = int(DefaultBackoffStart / time.Second)
	}
	if c.BackoffMaxSec == 0 {
		c.BackoffMaxSec = int(DefaultBackoffMax / time.Second)
	}
}

func (c *Config) Validate() error {
	if c.RemoteHost == "" {
		return errConfigf("remote host must be set")
	}
	if err := checkPort(c.RemotePort); err != nil {
		return errConfigf("remote port: %v", err)
	}
	if c.PasswordFile == "" {
		return errConfigf("password file must be set")
	}
	if c.KeepaliveSec < 1 {
		return errConfigf("keepalive must be at least 1 second, got %d", c.KeepaliveSec)
	}
	if c.BackoffStartSec < 1 {
		return errConfigf("backoff start must be at least 1 second, got %d", c.BackoffStartSec)
	}
	if c.BackoffMaxSec < c.BackoffStartSec {
		return errConfigf("backoff max %ds is below backoff start %ds", c.BackoffMaxSec, c.BackoffStartSec)
	}
	return nil
}

// ParseMappings builds one spec per mapping, failing on the first malformed
// value so a bad configuration is reported before any session starts.
func (c *Config) ParseMappings(mappings []string) ([]TunnelSpec, error) {
	specs := make([]TunnelSpec, 0, len(mappings))
	for _, raw := range mappings {
		spec, err := ParseMapping(raw, c.DefaultBindHost)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (c *Config) prompt() string {
	return fmt.Sprintf("%s@%s's password: ", c.Username, c.RemoteHost)
}

func (c *Config) keepalive() time.Duration {
	return time.Duration(c.KeepaliveSec) * time.Second
}

func (c *Config) connectTimeout() time.Duration {
	return DefaultConnectTimeout
}

func (c *Config) backoffStart() time.Duration {
	return time.Duration(c.BackoffStartSec) * time.Second
}

func (c *Config) backoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}
