package tunnelkeeper

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TunnelSpec describes one reverse tunnel: the address the remote host listens
// on and the local address inbound connections are bridged to. A spec is fully
// determined at construction and never mutated.
type TunnelSpec struct {
	RemoteBindHost string
	RemoteBindPort int
	LocalHost      string
	LocalPort      int

	// Label identifies the tunnel in logs and metrics.
	Label string
}

// NewTunnelSpec validates the endpoints and derives the diagnostic label. An
// empty bind host asks the remote side to listen on all of its interfaces.
func NewTunnelSpec(remoteBindHost string, remoteBindPort int, localHost string, localPort int) (TunnelSpec, error) {
	if err := checkPort(remoteBindPort); err != nil {
		return TunnelSpec{}, errConfigf("remote bind port: %v", err)
	}
	if err := checkPort(localPort); err != nil {
		return TunnelSpec{}, errConfigf("local port: %v", err)
	}
	if localHost == "" {
		return TunnelSpec{}, errConfigf("local host must not be empty")
	}

	ts := TunnelSpec{
		RemoteBindHost: remoteBindHost,
		RemoteBindPort: remoteBindPort,
		LocalHost:      localHost,
		LocalPort:      localPort,
	}
	ts.Label = fmt.Sprintf("%s:%d->%s:%d", remoteBindHost, remoteBindPort, localHost, localPort)
	return ts, nil
}

// ParseMapping parses one mapping value of the form
// [REMOTE_BIND_HOST:]REMOTE_PORT:LOCAL_HOST:LOCAL_PORT. The three-field form
// binds on defaultBindHost.
func ParseMapping(raw, defaultBindHost string) (TunnelSpec, error) {
	parts := strings.Split(raw, ":")

	var rHost, rPort, lHost, lPort string
	switch len(parts) {
	case 3:
		rHost = defaultBindHost
		rPort, lHost, lPort = parts[0], parts[1], parts[2]
	case 4:
		rHost, rPort, lHost, lPort = parts[0], parts[1], parts[2], parts[3]
	default:
		return TunnelSpec{}, errConfigf("invalid mapping %q: want [BIND_HOST:]REMOTE_PORT:LOCAL_HOST:LOCAL_PORT", raw)
	}

	rPortN, err := parsePort(rPort)
	if err != nil {
		return TunnelSpec{}, errConfigf("invalid mapping %q: %v", raw, err)
	}
	lPortN, err := parsePort(lPort)
	if err != nil {
		return TunnelSpec{}, errConfigf("invalid mapping %q: %v", raw, err)
	}

	return NewTunnelSpec(rHost, rPortN, lHost, lPortN)
}

// BindAddr is the remote-side listen address.
func (ts TunnelSpec) BindAddr() string {
	return net.JoinHostPort(ts.RemoteBindHost, strconv.Itoa(ts.RemoteBindPort))
}

// LocalAddr is the local service address channels are bridged to.
func (ts TunnelSpec) LocalAddr() string {
	return net.JoinHostPort(ts.LocalHost, strconv.Itoa(ts.LocalPort))
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("port %q is not a number", s)
	}
	return n, checkPort(n)
}

func checkPort(n int) error {
	if n < 1 || n > 65535 {
		return errors.Errorf("port %d out of range [1, 65535]", n)
	}
	return nil
}
