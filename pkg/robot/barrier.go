package robot

import (
	"context"
)

// Barrier is the caller-side view of one in-stream wait point.
type Barrier struct {
	h     *Handle
	seq   uint64
	epoch uint64
}

// Seq returns the sequence number of the wait command.
func (b *Barrier) Seq() uint64 {
	return b.seq
}

// Wait blocks until every command enqueued before the wait point has been
// acknowledged. It returns the latched fault immediately if the handle is
// faulted, ErrAbandoned if the handle was reset since the barrier was
// created, or ctx.Err() if ctx is done first.
func (b *Barrier) Wait(ctx context.Context) error {
	return b.h.waitUntil(ctx, func() (bool, error) {
		if b.h.epoch != b.epoch {
			return false, ErrAbandoned
		}
		return b.h.acked >= b.seq, nil
	})
}

// Wait blocks until every dispatched command is acknowledged. A queue that
// is still being built is not included.
func (h *Handle) Wait(ctx context.Context) error {
	return h.waitUntil(ctx, func() (bool, error) {
		return !h.outstandingLocked(), nil
	})
}

// waitUntil re-evaluates done under the lock each time the dispatcher
// reports progress. A latched fault always wins.
func (h *Handle) waitUntil(ctx context.Context, done func() (bool, error)) error {
	for {
		h.mu.Lock()
		if h.fault != nil {
			err := h.fault
			h.mu.Unlock()
			return err
		}
		ok, err := done()
		if err != nil || ok {
			h.mu.Unlock()
			return err
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
