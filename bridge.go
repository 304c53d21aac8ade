package tunnelkeeper

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	lg "github.com/go-puzzles/puzzles/plog"
)

// halfCloser is the write-side shutdown a TCP connection offers; closing it
// lets the peer drain in-flight data instead of truncating the stream.
type halfCloser interface {
	CloseWrite() error
}

// Bridge connects one inbound channel to a fresh TCP connection against the
// spec's local address and copies bytes in both directions until both sides
// reach end-of-stream. A failed local connect closes only this channel; the
// tunnel keeps serving. Both endpoints are closed before Bridge returns, on
// every path.
func Bridge(ctx context.Context, ch Channel, spec TunnelSpec, dialTimeout time.Duration) error {
	local, err := net.DialTimeout("tcp", spec.LocalAddr(), dialTimeout)
	if err != nil {
		ch.Close()
		return errLocalConnect(errors.Wrapf(err, "connect local service %s", spec.LocalAddr()))
	}

	metricChannelsActive.Inc()
	defer metricChannelsActive.Dec()
	defer ch.Close()
	defer local.Close()

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation must unblock the copies, so close both endpoints the
	// moment the context dies; the copy errors that follow are expected.
	go func() {
		<-bctx.Done()
		ch.Close()
		local.Close()
	}()

	// End-of-stream on one direction half-closes and lets the other drain;
	// only an error tears both directions down early.
	var g errgroup.Group
	g.Go(func() error {
		err := copyHalf(bctx, local, ch, "in")
		if err != nil {
			cancel()
		}
		return err
	})
	g.Go(func() error {
		err := copyHalf(bctx, ch, local, "out")
		if err != nil {
			cancel()
		}
		return err
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		metricBridgeErrors.Inc()
		return err
	}
	return nil
}

// copyHalf drains one direction, then half-closes the destination so the
// other direction can finish on its own schedule.
func copyHalf(ctx context.Context, dst io.Writer, src io.Reader, direction string) error {
	n, err := io.Copy(dst, src)
	metricBridgedBytes.WithLabelValues(direction).Add(float64(n))
	if err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "copy %s, %d bytes", direction, n)
	}
	if hc, ok := dst.(halfCloser); ok {
		if cerr := hc.CloseWrite(); cerr != nil && ctx.Err() == nil {
			lg.Debugc(ctx, "half-close %s: %v", direction, cerr)
		}
	}
	return nil
}
