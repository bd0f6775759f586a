package robot

import (
	"context"
	"fmt"

	"github.com/teslashibe/go-rmi/pkg/motion"
)

// ProgStart opens an empty program queue.
//
// On an open queue that is still empty it is a no-op; on an open queue that
// already holds commands it fails with a StateError. On a faulted handle it
// is the explicit reset: the fault is cleared, undelivered commands are
// abandoned and a new queue is opened.
func (h *Handle) ProgStart() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.fault != nil {
		h.resetLocked()
	} else if h.open {
		if len(h.queue) == 0 {
			return nil
		}
		return h.stateError("ProgStart", "a program with %d commands is already being built", len(h.queue))
	}

	h.open = true
	h.queue = nil
	h.logger.Debug("program started", "next_seq", h.nextSeq+1)
	return nil
}

// ProgRun hands the open queue to the dispatcher as one batch and closes
// it. With Options.BlockOnRun it then waits until the batch is fully
// acknowledged, the handle faults, or ctx is done. An empty batch completes
// immediately.
func (h *Handle) ProgRun(ctx context.Context) error {
	h.mu.Lock()
	if h.fault != nil {
		err := h.fault
		h.mu.Unlock()
		return err
	}
	if !h.open {
		err := h.stateError("ProgRun", "no program is open")
		h.mu.Unlock()
		return err
	}

	batch := h.queue
	h.queue = nil
	h.open = false

	if len(batch) == 0 {
		h.mu.Unlock()
		h.logger.Debug("program run with empty queue")
		return nil
	}

	last := batch[len(batch)-1].Seq
	h.pending = append(h.pending, batch...)
	h.logger.Info("program run",
		"commands", len(batch),
		"first_seq", batch[0].Seq,
		"last_seq", last,
	)
	h.pumpLocked()
	err := h.fault
	done := &Barrier{h: h, seq: last, epoch: h.epoch}
	h.mu.Unlock()

	if err != nil {
		return err
	}
	if !h.opts.BlockOnRun {
		return nil
	}
	return done.Wait(ctx)
}

// Configure enqueues a settings change and applies it to the handle's
// current settings immediately, so moves enqueued afterwards in the same
// program inherit it. At least one parameter is required.
func (h *Handle) Configure(opts ...Param) error {
	p := collect(opts)
	if p.dynamic == nil && p.overlap == nil {
		return &motion.ValidationError{Field: "configure", Reason: "needs a dynamic or an overlap"}
	}
	_, _, err := h.enqueue(KindConfigure, nil, p)
	return err
}

// MoveJoint enqueues a point-to-point move. Omitted parameters default to
// the handle's current settings.
func (h *Handle) MoveJoint(pos motion.Position, opts ...Param) (uint64, error) {
	seq, _, err := h.enqueue(KindMoveJoint, pos, collect(opts))
	return seq, err
}

// MoveLinear enqueues a linear move. Omitted parameters default to the
// handle's current settings.
func (h *Handle) MoveLinear(pos motion.Position, opts ...Param) (uint64, error) {
	seq, _, err := h.enqueue(KindMoveLinear, pos, collect(opts))
	return seq, err
}

// WaitForCompletion enqueues an in-stream wait point. Nothing enqueued
// after it is sent before everything enqueued before it has completed.
// The returned Barrier blocks the caller until the wait point is reached.
func (h *Handle) WaitForCompletion() (*Barrier, error) {
	seq, epoch, err := h.enqueue(KindWait, nil, params{})
	if err != nil {
		return nil, err
	}
	return &Barrier{h: h, seq: seq, epoch: epoch}, nil
}

// enqueue appends a command and returns its sequence number and the reset
// epoch it belongs to.
func (h *Handle) enqueue(kind Kind, pos motion.Position, p params) (uint64, uint64, error) {
	if err := h.validate(kind, pos, p); err != nil {
		return 0, 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fault != nil {
		return 0, 0, h.fault
	}
	if !h.open {
		return 0, 0, h.stateError(kind.String(), "no program is open; call ProgStart first")
	}

	h.nextSeq++
	cmd := Command{Seq: h.nextSeq, Kind: kind, Position: clonePosition(pos)}

	switch kind {
	case KindConfigure:
		if p.dynamic != nil {
			h.settings.Dynamic = p.dynamic
		}
		if p.overlap != nil {
			h.settings.Overlap = p.overlap
		}
		cmd.Dynamic = p.dynamic
		cmd.Overlap = p.overlap
	case KindMoveJoint, KindMoveLinear:
		resolved := h.settings.clone()
		if p.dynamic != nil {
			resolved.Dynamic = p.dynamic
		}
		if p.overlap != nil {
			resolved.Overlap = p.overlap
		}
		cmd.Dynamic = resolved.Dynamic
		cmd.Overlap = resolved.Overlap
	}

	h.queue = append(h.queue, cmd)
	return cmd.Seq, h.epoch, nil
}

func (h *Handle) validate(kind Kind, pos motion.Position, p params) error {
	if kind == KindMoveJoint || kind == KindMoveLinear {
		if pos == nil {
			return &motion.ValidationError{Field: "pose", Reason: "position is required"}
		}
		if err := pos.Validate(); err != nil {
			return err
		}
		if j, ok := pos.(motion.JointPosition); ok && h.opts.Joints > 0 && len(j) != h.opts.Joints {
			return &motion.ValidationError{
				Field:  "pose",
				Reason: fmt.Sprintf("robot %s has %d joints, got %d", h.name, h.opts.Joints, len(j)),
			}
		}
	}
	if p.dynamic != nil {
		if err := p.dynamic.Validate(); err != nil {
			return err
		}
	}
	if p.overlap != nil {
		if err := p.overlap.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) stateError(op, format string, args ...any) error {
	return &StateError{
		Robot:  h.name,
		Op:     op,
		State:  h.stateLocked(),
		Reason: fmt.Sprintf(format, args...),
	}
}
