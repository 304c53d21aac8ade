package tunnelkeeper

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	lg "github.com/go-puzzles/puzzles/plog"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultAcceptPoll        = 60 * time.Second
)

// Channel is one inbound logical stream multiplexed over a session. A channel
// is owned by exactly one bridge for its lifetime.
type Channel interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Session is one authenticated connection serving a remote bind.
type Session interface {
	// Accept returns the next inbound channel, (nil, nil) when timeout
	// elapses with nothing to serve, or an error once the transport is gone.
	Accept(ctx context.Context, timeout time.Duration) (Channel, error)
	Close() error
}

// SessionDialer connects and authenticates one session per call.
type SessionDialer interface {
	Dial(ctx context.Context, spec TunnelSpec, secret string) (Session, error)
}

// channelForwardMsg is the wire payload of the "tcpip-forward" and
// "cancel-tcpip-forward" global requests (RFC 4254 section 7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload is the extra data carried by a "forwarded-tcpip"
// channel open (RFC 4254 section 7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Dialer opens sessions against one remote host.
type Dialer struct {
	Host string
	Port int
	User string

	// Signer, when non-nil, is offered as public-key auth ahead of the
	// password credential.
	Signer ssh.Signer

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
}

func (d *Dialer) SetDefaults() {
	if d.Port == 0 {
		d.Port = 22
	}
	if d.User == "" {
		d.User = os.Getenv("USER")
	}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = DefaultConnectTimeout
	}
	if d.KeepaliveInterval <= 0 {
		d.KeepaliveInterval = DefaultKeepaliveInterval
	}
}

// LoadSigner parses the private key at path for public-key auth.
func LoadSigner(path string) (ssh.Signer, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, errConfigf("read identity file %s: %v", path, err)
	}
	signer, err := ssh.ParsePrivateKey(buff)
	if err != nil {
		return nil, errConfigf("parse identity file %s: %v", path, err)
	}
	return signer, nil
}

// Dial connects and authenticates, starts keepalive probing and requests the
// remote bind for spec. The returned session is already serving.
func (d *Dialer) Dial(ctx context.Context, spec TunnelSpec, secret string) (Session, error) {
	d.SetDefaults()
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))

	auth := make([]ssh.AuthMethod, 0, 2)
	if d.Signer != nil {
		auth = append(auth, ssh.PublicKeys(d.Signer))
	}
	auth = append(auth, ssh.Password(secret))

	conf := &ssh.ClientConfig{
		User:            d.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := dialSSH(ctx, addr, conf, d.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	sess, err := newSession(client, spec, d.KeepaliveInterval)
	if err != nil {
		client.Close()
		return nil, err
	}
	return sess, nil
}

// dialSSH runs the TCP connect and the handshake under one deadline so a
// half-open peer cannot hang the connect phase.
func dialSSH(ctx context.Context, addr string, conf *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, errConnect(errors.Wrapf(err, "dial %s", addr))
	}
	return handshake(conn, addr, conf, timeout)
}

// handshake authenticates over an established conn. The deadline covers the
// whole exchange and must be cleared afterwards, or the session would die at
// an arbitrary point mid-serving.
func handshake(conn net.Conn, addr string, conf *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, errConnect(errors.Wrap(err, "set handshake deadline"))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeErr(err, addr)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, errConnect(errors.Wrap(err, "clear handshake deadline"))
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// classifyHandshakeErr separates rejected credentials from everything else.
// x/crypto/ssh reports client auth failure only through the error text.
func classifyHandshakeErr(err error, addr string) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return errAuth(errors.Wrapf(err, "authenticate to %s", addr))
	}
	return errConnect(errors.Wrapf(err, "handshake with %s", addr))
}

// sshSession owns one *ssh.Client that is serving a remote bind.
type sshSession struct {
	client   *ssh.Client
	spec     TunnelSpec
	incoming <-chan ssh.NewChannel
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	lastErr error
}

func newSession(client *ssh.Client, spec TunnelSpec, keepalive time.Duration) (*sshSession, error) {
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, errProtocol(errors.New("forwarded-tcpip handler already registered on this transport"))
	}

	fwd := channelForwardMsg{Addr: spec.RemoteBindHost, Port: uint32(spec.RemoteBindPort)}
	ok, _, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&fwd))
	if err != nil {
		return nil, errForward(errors.Wrapf(err, "request remote bind %s", spec.BindAddr()))
	}
	if !ok {
		return nil, errForward(errors.Errorf("remote peer refused bind %s", spec.BindAddr()))
	}

	s := &sshSession{
		client:   client,
		spec:     spec,
		incoming: incoming,
		done:     make(chan struct{}),
	}
	go s.keepAlive(keepalive)
	return s, nil
}

func (s *sshSession) keepAlive(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
		}

		_, _, err := s.client.SendRequest("keepalive@golang.org", true, nil)
		if err != nil {
			s.mu.Lock()
			s.lastErr = errors.Wrap(err, "keepalive probe")
			s.mu.Unlock()
			lg.Warnf("[%s] keepalive failed, closing session: %v", s.spec.Label, err)
			// Closing the client ends the incoming stream, which wakes any
			// accept wait with the recorded cause.
			s.client.Close()
			return
		}
	}
}

func (s *sshSession) Accept(ctx context.Context, timeout time.Duration) (Channel, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case nc, ok := <-s.incoming:
		if !ok {
			return nil, s.transportErr()
		}

		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
			lg.Warnc(ctx, "rejecting channel with bad forwarded-tcpip payload: %v", err)
			nc.Reject(ssh.ConnectionFailed, "could not parse forwarded-tcpip payload")
			return nil, nil
		}

		ch, reqs, err := nc.Accept()
		if err != nil {
			return nil, errTransport(errors.Wrap(err, "accept forwarded channel"))
		}
		go ssh.DiscardRequests(reqs)
		lg.Debugc(ctx, "inbound channel from %s:%d", payload.OriginAddr, payload.OriginPort)
		return ch, nil
	}
}

func (s *sshSession) transportErr() error {
	s.mu.Lock()
	err := s.lastErr
	s.mu.Unlock()
	if err == nil {
		err = errors.New("ssh transport closed")
	}
	return errTransport(err)
}

// Close cancels the remote bind best-effort and releases the transport. Safe
// to call on every exit path, including after a transport failure.
func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		fwd := channelForwardMsg{Addr: s.spec.RemoteBindHost, Port: uint32(s.spec.RemoteBindPort)}
		s.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&fwd))
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
