// storage/ratelimit.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package storage

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// bandwidthLimiter doles out transfer budget at a steady rate. Readers
// that wrap uploads and downloads draw from the shared budget, so the
// aggregate transfer rate stays near the configured limit.
type bandwidthLimiter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	limit     int
	ticker    *time.Ticker
	done      chan struct{}
}

// newBandwidthLimiter starts a limiter releasing bytesPerSecond of
// budget per second. A zero or negative rate means unlimited and
// returns nil.
func newBandwidthLimiter(bytesPerSecond int) *bandwidthLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	bl := &bandwidthLimiter{
		limit:  bytesPerSecond,
		ticker: time.NewTicker(125 * time.Millisecond),
		done:   make(chan struct{}),
	}
	bl.cond = sync.NewCond(&bl.mu)

	go func() {
		for {
			select {
			case <-bl.done:
				return
			case <-bl.ticker.C:
			}
			bl.mu.Lock()
			// Release 1/8th of the per-second limit every 8th of a
			// second, with some slop for TCP/IP and HTTP overhead.
			// Never queue up more than one second's worth.
			bl.available += bl.limit * 94 / 100 / 8
			if bl.available > bl.limit {
				bl.available = bl.limit
			}
			bl.cond.Broadcast()
			bl.mu.Unlock()
		}
	}()
	return bl
}

func (bl *bandwidthLimiter) stop() {
	if bl == nil {
		return
	}
	bl.ticker.Stop()
	close(bl.done)
}

// reader returns r wrapped so reads draw from the limiter's budget.
// With a nil limiter r is returned unchanged.
func (bl *bandwidthLimiter) reader(r io.Reader) io.Reader {
	if bl == nil {
		return r
	}
	return &rateLimitedReader{r: r, bl: bl}
}

type rateLimitedReader struct {
	r  io.Reader
	bl *bandwidthLimiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	bl := lr.bl
	bl.mu.Lock()
	for bl.available == 0 {
		bl.cond.Wait()
	}
	n := len(dst)
	if n > bl.available {
		n = bl.available
	}
	bl.available -= n
	bl.mu.Unlock()

	read, err := lr.r.Read(dst[:n])
	if read < n {
		// Give back the budget we reserved but didn't use.
		bl.mu.Lock()
		bl.available += n - read
		bl.mu.Unlock()
	}
	return read, err
}
