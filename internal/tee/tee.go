// Package tee splits one upstream body into two independently consumed readers.
package tee

import (
	"errors"
	"io"
	"sync"
)

// ErrMeterOverflow is returned by the meter reader after it fell further
// behind than its byte limit allowed. The client reader is unaffected.
var ErrMeterOverflow = errors.New("tee: meter buffer overflow")

const readSize = 32 * 1024

// Split starts pumping src into two readers. The client reader buffers
// without bound so the pump never waits on it. The meter reader buffers at
// most meterLimit bytes; past that it is detached and reports
// ErrMeterOverflow. A meterLimit of zero or less means no limit.
//
// src is closed once it reaches EOF or fails, or once both readers are closed.
// Each reader must be closed by its consumer.
func Split(src io.ReadCloser, meterLimit int64) (client, meter io.ReadCloser) {
	t := &tee{src: src}
	t.cond = sync.NewCond(&t.mu)
	t.client = &branch{t: t}
	t.meter = &branch{t: t, limit: meterLimit}
	go t.pump()
	return t.client, t.meter
}

type tee struct {
	src       io.ReadCloser
	closeOnce sync.Once

	mu     sync.Mutex
	cond   *sync.Cond
	client *branch
	meter  *branch
}

// branch is one side of the split. Fields are guarded by tee.mu.
type branch struct {
	t      *tee
	limit  int64
	queue  [][]byte
	queued int64
	err    error // terminal error delivered once the queue is drained
	closed bool
}

func (t *tee) closeSrc() {
	t.closeOnce.Do(func() { _ = t.src.Close() })
}

func (t *tee) pump() {
	buf := make([]byte, readSize)
	for {
		n, err := t.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !t.deliver(chunk) {
				t.closeSrc()
				return
			}
		}
		if err != nil {
			t.finish(err)
			t.closeSrc()
			return
		}
	}
}

// deliver queues chunk on every attached branch. It reports false when no
// branch wants more data.
func (t *tee) deliver(chunk []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cond.Broadcast()

	for _, b := range []*branch{t.client, t.meter} {
		if b.closed || b.err != nil {
			continue
		}
		if b.limit > 0 && b.queued+int64(len(chunk)) > b.limit {
			b.queue = nil
			b.queued = 0
			b.err = ErrMeterOverflow
			continue
		}
		b.queue = append(b.queue, chunk)
		b.queued += int64(len(chunk))
	}
	return t.attached()
}

// finish records the source's terminal error on both branches.
func (t *tee) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range []*branch{t.client, t.meter} {
		if b.err == nil {
			b.err = err
		}
	}
	t.cond.Broadcast()
}

// attached reports whether any branch still consumes data. Caller holds mu.
func (t *tee) attached() bool {
	live := func(b *branch) bool { return !b.closed && b.err != ErrMeterOverflow }
	return live(t.client) || live(t.meter)
}

// Read returns queued bytes, blocking until data or a terminal error arrives.
func (b *branch) Read(p []byte) (int, error) {
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(b.queue) == 0 && b.err == nil && !b.closed {
		t.cond.Wait()
	}
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(b.queue) == 0 {
		return 0, b.err
	}

	n := copy(p, b.queue[0])
	if n == len(b.queue[0]) {
		b.queue[0] = nil
		b.queue = b.queue[1:]
	} else {
		b.queue[0] = b.queue[0][n:]
	}
	b.queued -= int64(n)
	return n, nil
}

// Close detaches the branch. Closing the last attached branch closes the source.
func (b *branch) Close() error {
	t := b.t
	t.mu.Lock()
	if b.closed {
		t.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	b.queued = 0
	last := !t.attached()
	t.cond.Broadcast()
	t.mu.Unlock()

	if last {
		t.closeSrc()
	}
	return nil
}
