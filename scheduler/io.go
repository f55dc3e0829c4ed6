package scheduler

import (
	"context"
	"io"
	"net"
	"time"
)

// Connect dials addr, suspending the call until the connection is made.
func Connect(ctx context.Context, d *net.Dialer, network, addr string) (net.Conn, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	return Do(ctx, "connect", func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	})
}

type ioResult struct {
	n   int
	err error
}

// Send writes p, suspending the call until the write completes. A cancelled call returns before
// the write does, so the writer should be closed.
func Send(ctx context.Context, w io.Writer, p []byte) (int, error) {
	res, err := Do(ctx, "send", func(ctx context.Context) (ioResult, error) {
		n, err := w.Write(p)
		return ioResult{n, err}, nil
	})
	if err != nil {
		return 0, err
	}
	return res.n, res.err
}

// Receive reads into p, suspending the call until some data arrives.
func Receive(ctx context.Context, r io.Reader, p []byte) (int, error) {
	res, err := Do(ctx, "receive", func(ctx context.Context) (ioResult, error) {
		n, err := r.Read(p)
		return ioResult{n, err}, nil
	})
	if err != nil {
		return 0, err
	}
	return res.n, res.err
}

// Sleep suspends the call for d.
func Sleep(ctx context.Context, d time.Duration) error {
	return Await(ctx, "sleep", func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
