package backend

import (
	"io"
	"time"
)

// idleReader cancels the enclosing request when no bytes arrive for the
// configured duration. Progress on any read rearms the watchdog. This is
// the cancellation story for the whole pipeline: hard timeouts, no
// cooperative interruption.
type idleReader struct {
	r     io.Reader
	idle  time.Duration
	timer *time.Timer
}

func newIdleReader(r io.Reader, idle time.Duration, cancel func()) *idleReader {
	return &idleReader{
		r:     r,
		idle:  idle,
		timer: time.AfterFunc(idle, cancel),
	}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}
