package tunnelkeeper

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// failKind selects the recovery path for a failure: configuration errors are
// fatal pre-flight, authentication errors invalidate the stored credential,
// local-connect errors drop a single channel, everything else backs off.
type failKind uint8

const (
	failConfiguration failKind = iota
	failAuthentication
	failConnect
	failProtocol
	failForwardRequest
	failLocalConnect
	failTransport
)

func (k failKind) String() string {
	switch k {
	case failConfiguration:
		return "configuration"
	case failAuthentication:
		return "authentication"
	case failConnect:
		return "connect"
	case failProtocol:
		return "protocol"
	case failForwardRequest:
		return "forward-request"
	case failLocalConnect:
		return "local-connect"
	case failTransport:
		return "transport"
	}
	return "unknown"
}

type tunnelError struct {
	kind  failKind
	cause error
}

func (e *tunnelError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *tunnelError) Unwrap() error { return e.cause }

func (e *tunnelError) Cause() error { return e.cause }

// Format keeps the cause's stack trace reachable through %+v.
func (e *tunnelError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%+v\n%s", e.cause, e.kind)
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

func errConfigf(format string, args ...interface{}) error {
	return &tunnelError{kind: failConfiguration, cause: errors.Errorf(format, args...)}
}

func errAuth(cause error) error {
	return &tunnelError{kind: failAuthentication, cause: cause}
}

func errConnect(cause error) error {
	return &tunnelError{kind: failConnect, cause: cause}
}

func errProtocol(cause error) error {
	return &tunnelError{kind: failProtocol, cause: cause}
}

func errForward(cause error) error {
	return &tunnelError{kind: failForwardRequest, cause: cause}
}

func errLocalConnect(cause error) error {
	return &tunnelError{kind: failLocalConnect, cause: cause}
}

func errTransport(cause error) error {
	return &tunnelError{kind: failTransport, cause: cause}
}

func kindOf(err error) (failKind, bool) {
	for err != nil {
		if te, ok := err.(*tunnelError); ok {
			return te.kind, true
		}
		switch c := err.(type) {
		case interface{ Cause() error }:
			err = c.Cause()
		case interface{ Unwrap() error }:
			err = c.Unwrap()
		default:
			return 0, false
		}
	}
	return 0, false
}

func isKind(err error, k failKind) bool {
	got, ok := kindOf(err)
	return ok && got == k
}

// IsConfiguration reports whether err is a fatal configuration error.
func IsConfiguration(err error) bool { return isKind(err, failConfiguration) }

// IsAuthentication reports whether err means the credential was rejected.
func IsAuthentication(err error) bool { return isKind(err, failAuthentication) }

// IsConnect reports whether err is a retryable network or handshake failure.
func IsConnect(err error) bool { return isKind(err, failConnect) }

// IsProtocol reports whether the transport came up without a usable control channel.
func IsProtocol(err error) bool { return isKind(err, failProtocol) }

// IsForwardRequest reports whether the remote side refused the bind request.
func IsForwardRequest(err error) bool { return isKind(err, failForwardRequest) }

// IsLocalConnect reports whether a single inbound channel failed to reach the
// local service; the tunnel itself keeps serving.
func IsLocalConnect(err error) bool { return isKind(err, failLocalConnect) }

// IsTransport reports whether an established session's transport died.
func IsTransport(err error) bool { return isKind(err, failTransport) }

// errDetail renders err for logs: full stack traces when verbose, a one-line
// summary otherwise.
func errDetail(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	return err.Error()
}
