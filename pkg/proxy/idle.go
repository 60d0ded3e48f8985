// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// errUpstreamIdle reports an upstream that stopped sending body bytes.
var errUpstreamIdle = errors.New("upstream stalled: no body bytes within the idle timeout")

// idleReader cancels the upstream request when a single Read blocks for
// longer than timeout. Time spent between reads, e.g. writing to a slow
// client, does not count.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		cancel()
	})
	ir.timer.Stop()
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.expired.Load() {
		return 0, errUpstreamIdle
	}
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	if err != nil && err != io.EOF && ir.expired.Load() {
		return n, errUpstreamIdle
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}
