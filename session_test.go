package tunnelkeeper

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	gc "gopkg.in/check.v1"
)

type sessionSuite struct{}

var _ = gc.Suite(&sessionSuite{})

// testSSHServer is a loopback SSH server that accepts password auth and
// answers remote-bind requests, letting the test open forwarded-tcpip
// channels toward the client.
type testSSHServer struct {
	ln net.Listener

	// refuseForward makes the server reject tcpip-forward requests.
	refuseForward bool

	conns    chan *ssh.ServerConn
	forwards chan channelForwardMsg
	cancels  chan channelForwardMsg
}

func startSSHServer(c *gc.C, password string, refuseForward bool) *testSSHServer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, gc.IsNil)
	hostKey, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, gc.IsNil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, gc.IsNil)

	srv := &testSSHServer{
		ln:            ln,
		refuseForward: refuseForward,
		conns:         make(chan *ssh.ServerConn, 4),
		forwards:      make(chan channelForwardMsg, 4),
		cancels:       make(chan channelForwardMsg, 4),
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		},
	}
	conf.AddHostKey(hostKey)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn, conf)
		}
	}()
	return srv
}

func (srv *testSSHServer) handle(conn net.Conn, conf *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, conf)
	if err != nil {
		conn.Close()
		return
	}

	go func() {
		for req := range reqs {
			switch req.Type {
			case "tcpip-forward":
				var msg channelForwardMsg
				if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
					req.Reply(false, nil)
					continue
				}
				if srv.refuseForward {
					req.Reply(false, nil)
					continue
				}
				srv.forwards <- msg
				req.Reply(true, nil)
			case "cancel-tcpip-forward":
				var msg channelForwardMsg
				ssh.Unmarshal(req.Payload, &msg)
				select {
				case srv.cancels <- msg:
				default:
				}
				req.Reply(true, nil)
			case "keepalive@golang.org":
				req.Reply(true, nil)
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()
	go func() {
		for nc := range chans {
			nc.Reject(ssh.UnknownChannelType, "not supported")
		}
	}()

	srv.conns <- sconn
}

func (srv *testSSHServer) addr(c *gc.C) (string, int) {
	addr := srv.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (srv *testSSHServer) conn(c *gc.C) *ssh.ServerConn {
	select {
	case sconn := <-srv.conns:
		return sconn
	case <-time.After(5 * time.Second):
		c.Fatal("no client connected")
		return nil
	}
}

// openForwarded plays the remote peer accepting a connection on the bound
// port and multiplexing it back to the client.
func (srv *testSSHServer) openForwarded(c *gc.C, sconn *ssh.ServerConn, spec TunnelSpec) ssh.Channel {
	payload := forwardedTCPPayload{
		Addr:       spec.RemoteBindHost,
		Port:       uint32(spec.RemoteBindPort),
		OriginAddr: "192.0.2.10",
		OriginPort: 40000,
	}
	ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
	c.Assert(err, gc.IsNil)
	go ssh.DiscardRequests(reqs)
	return ch
}

func (srv *testSSHServer) close() {
	srv.ln.Close()
}

func (s *sessionSuite) dialer(host string, port int, keepalive time.Duration) *Dialer {
	return &Dialer{
		Host:              host,
		Port:              port,
		User:              "tester",
		ConnectTimeout:    5 * time.Second,
		KeepaliveInterval: keepalive,
	}
}

func (s *sessionSuite) TestDialRejectedCredential(c *gc.C) {
	srv := startSSHServer(c, "right", false)
	defer srv.close()
	host, port := srv.addr(c)

	_, err := s.dialer(host, port, time.Minute).Dial(context.Background(), testSpec(c), "wrong")
	c.Assert(err, gc.NotNil)
	c.Check(IsAuthentication(err), gc.Equals, true)
}

func (s *sessionSuite) TestDialConnectionRefused(c *gc.C) {
	_, err := s.dialer("127.0.0.1", unusedPort(c), time.Minute).Dial(context.Background(), testSpec(c), "sesame")
	c.Assert(err, gc.NotNil)
	c.Check(IsConnect(err), gc.Equals, true)
}

func (s *sessionSuite) TestDialForwardRefused(c *gc.C) {
	srv := startSSHServer(c, "sesame", true)
	defer srv.close()
	host, port := srv.addr(c)

	_, err := s.dialer(host, port, time.Minute).Dial(context.Background(), testSpec(c), "sesame")
	c.Assert(err, gc.NotNil)
	c.Check(IsForwardRequest(err), gc.Equals, true)
}

func (s *sessionSuite) TestDialRequestsBind(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)
	spec := testSpec(c)

	sess, err := s.dialer(host, port, time.Minute).Dial(context.Background(), spec, "sesame")
	c.Assert(err, gc.IsNil)
	defer sess.Close()

	select {
	case msg := <-srv.forwards:
		c.Check(msg.Addr, gc.Equals, spec.RemoteBindHost)
		c.Check(msg.Port, gc.Equals, uint32(spec.RemoteBindPort))
	case <-time.After(5 * time.Second):
		c.Fatal("no bind request reached the server")
	}
}

func (s *sessionSuite) TestAcceptTimeoutIsATick(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)

	sess, err := s.dialer(host, port, time.Minute).Dial(context.Background(), testSpec(c), "sesame")
	c.Assert(err, gc.IsNil)
	defer sess.Close()

	ch, err := sess.Accept(context.Background(), 50*time.Millisecond)
	c.Check(err, gc.IsNil)
	c.Check(ch, gc.IsNil)
}

func (s *sessionSuite) TestAcceptDeliversChannelAndBridges(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)

	ln, echoPort := startEchoServer(c)
	defer ln.Close()
	spec, err := NewTunnelSpec("0.0.0.0", 9000, "127.0.0.1", echoPort)
	c.Assert(err, gc.IsNil)

	// Keepalives fire often enough here to prove the server tolerates them.
	sess, err := s.dialer(host, port, 50*time.Millisecond).Dial(context.Background(), spec, "sesame")
	c.Assert(err, gc.IsNil)
	defer sess.Close()

	sconn := srv.conn(c)
	// OpenChannel blocks until the client confirms, which happens inside
	// Accept below, so the remote peer must open concurrently.
	remoteCh := make(chan ssh.Channel, 1)
	go func() { remoteCh <- srv.openForwarded(c, sconn, spec) }()

	ch, err := sess.Accept(context.Background(), 5*time.Second)
	remote := <-remoteCh
	c.Assert(err, gc.IsNil)
	c.Assert(ch, gc.NotNil)

	done := make(chan error, 1)
	go func() { done <- Bridge(context.Background(), ch, spec, time.Second) }()

	_, err = remote.Write([]byte("round trip"))
	c.Assert(err, gc.IsNil)
	buf := make([]byte, len("round trip"))
	c.Assert(readFull(remote, buf), gc.IsNil)
	c.Check(string(buf), gc.Equals, "round trip")

	c.Assert(remote.CloseWrite(), gc.IsNil)
	_, err = remote.Read(make([]byte, 1))
	c.Check(err, gc.Equals, io.EOF)

	select {
	case err := <-done:
		c.Check(err, gc.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("bridge did not finish")
	}
}

func (s *sessionSuite) TestAcceptReportsTransportDeath(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)

	sess, err := s.dialer(host, port, time.Minute).Dial(context.Background(), testSpec(c), "sesame")
	c.Assert(err, gc.IsNil)
	defer sess.Close()

	srv.conn(c).Close()

	_, err = sess.Accept(context.Background(), 5*time.Second)
	c.Assert(err, gc.NotNil)
	c.Check(IsTransport(err), gc.Equals, true)
}

func (s *sessionSuite) TestKeepaliveFailureCauseSurfacesFromAccept(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)

	sess, err := s.dialer(host, port, 50*time.Millisecond).Dial(context.Background(), testSpec(c), "sesame")
	c.Assert(err, gc.IsNil)
	defer sess.Close()

	srv.conn(c).Close()

	// Let the keepalive ticker hit the dead transport and record its
	// cause before asking for the next channel.
	time.Sleep(300 * time.Millisecond)

	_, err = sess.Accept(context.Background(), 5*time.Second)
	c.Assert(err, gc.NotNil)
	c.Check(IsTransport(err), gc.Equals, true)
	c.Check(err, gc.ErrorMatches, "transport: keepalive probe: .*")
}

// deadlineFailConn refuses to clear its deadline, as a conn whose fd has gone
// bad after the handshake would.
type deadlineFailConn struct {
	net.Conn
}

func (c *deadlineFailConn) SetDeadline(t time.Time) error {
	if t.IsZero() {
		return errors.New("fd gone bad")
	}
	return c.Conn.SetDeadline(t)
}

func (s *sessionSuite) TestHandshakeDeadlineClearFailureFailsDial(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.Dial("tcp", addr)
	c.Assert(err, gc.IsNil)

	conf := &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.Password("sesame")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	_, err = handshake(&deadlineFailConn{Conn: conn}, addr, conf, 5*time.Second)
	c.Assert(err, gc.NotNil)
	c.Check(IsConnect(err), gc.Equals, true)
	c.Check(err, gc.ErrorMatches, "connect: clear handshake deadline: fd gone bad")
}

func (s *sessionSuite) TestAcceptHonoursCancellation(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)

	sess, err := s.dialer(host, port, time.Minute).Dial(context.Background(), testSpec(c), "sesame")
	c.Assert(err, gc.IsNil)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = sess.Accept(ctx, time.Minute)
	c.Check(errors.Cause(err), gc.Equals, context.Canceled)
}

func (s *sessionSuite) TestCloseIsIdempotentAndCancelsBind(c *gc.C) {
	srv := startSSHServer(c, "sesame", false)
	defer srv.close()
	host, port := srv.addr(c)
	spec := testSpec(c)

	sess, err := s.dialer(host, port, time.Minute).Dial(context.Background(), spec, "sesame")
	c.Assert(err, gc.IsNil)

	first := sess.Close()
	c.Check(sess.Close(), gc.Equals, first)

	select {
	case msg := <-srv.cancels:
		c.Check(msg.Port, gc.Equals, uint32(spec.RemoteBindPort))
	case <-time.After(5 * time.Second):
		c.Fatal("no cancel-tcpip-forward reached the server")
	}
}

func (s *sessionSuite) TestLoadSignerMissingFile(c *gc.C) {
	_, err := LoadSigner("/nonexistent/id_rsa")
	c.Assert(err, gc.NotNil)
	c.Check(IsConfiguration(err), gc.Equals, true)
}
