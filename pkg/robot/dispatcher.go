package robot

import (
	"time"

	"github.com/teslashibe/go-rmi/pkg/protocol"
)

// resultIgnored labels results that arrive for settled sequence numbers or
// while a fault is latched.
const resultIgnored = "ignored"

// Outcome is the controller's verdict on one command.
type Outcome struct {
	Success bool
	Code    int
	Message string
}

// Success is the outcome of a completed command.
func Success() Outcome {
	return Outcome{Success: true}
}

// Failure is the outcome of a command the controller rejected or aborted.
func Failure(code int, message string) Outcome {
	return Outcome{Code: code, Message: message}
}

// pumpLocked publishes pending commands in order while the in-flight window
// allows. A wait command holds everything behind it until every earlier
// command is acknowledged; it is then acknowledged locally and never
// published.
func (h *Handle) pumpLocked() {
	for h.fault == nil && len(h.pending) > 0 {
		cmd := h.pending[0]

		if cmd.Kind == KindWait {
			if h.acked != h.lastSent {
				return
			}
			h.pending = h.pending[1:]
			h.lastSent = cmd.Seq
			h.acked = cmd.Seq
			h.logger.Debug("wait point reached", "seq", cmd.Seq)
			h.notifyLocked()
			continue
		}

		if len(h.inflight) >= h.opts.MaxInFlight {
			return
		}

		if err := h.publishLocked(cmd); err != nil {
			h.faultLocked(&PublishError{Robot: h.name, Seq: cmd.Seq, Err: err})
			return
		}
		h.pending = h.pending[1:]
		h.lastSent = cmd.Seq
		h.inflight[cmd.Seq] = &pendingResult{cmd: cmd, sentAt: time.Now()}
		h.metrics.sent(h.name, cmd.Kind)
		h.metrics.setInFlight(h.name, len(h.inflight))
	}
}

func (h *Handle) publishLocked(cmd Command) error {
	data := EncodeCommand(cmd)
	msg, err := protocol.NewCommandMessage(data)
	if err != nil {
		return err
	}
	payload, err := msg.Bytes()
	if err != nil {
		return err
	}
	h.logger.Debug("sending command", "cmd", data.String())
	return h.pub.Publish(h.endpoint.CommandTopic, payload)
}

// OnResult correlates one result with its command.
//
// A success must acknowledge exactly the next sequence number; anything
// else is a ProtocolError. A failure is a ControllerFault. Both latch a
// fault, drop every command not yet published and wake all waiters.
// Results that arrive while a fault is latched, or for sequence numbers
// already settled, are ignored.
func (h *Handle) OnResult(seq uint64, out Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := protocol.StatusSuccess
	if !out.Success {
		status = protocol.StatusFailure
	}

	if h.fault != nil {
		h.metrics.result(h.name, resultIgnored)
		h.logger.Debug("ignoring result on faulted robot", "seq", seq, "status", status)
		return nil
	}
	if seq <= h.acked {
		h.metrics.result(h.name, resultIgnored)
		h.logger.Warn("ignoring duplicate result", "seq", seq, "acked", h.acked)
		return nil
	}
	h.metrics.result(h.name, status)
	if seq > h.lastSent {
		err := &ProtocolError{Robot: h.name, Seq: seq, Expected: h.acked + 1, Reason: "result for a command that was never sent"}
		h.faultLocked(err)
		return err
	}
	if !out.Success {
		err := &ControllerFault{Robot: h.name, Seq: seq, Code: out.Code, Message: out.Message}
		h.faultLocked(err)
		return err
	}
	if seq != h.acked+1 {
		err := &ProtocolError{Robot: h.name, Seq: seq, Expected: h.acked + 1, Reason: "command acknowledged out of order"}
		h.faultLocked(err)
		return err
	}

	if p, ok := h.inflight[seq]; ok {
		h.metrics.acked(h.name, p.sentAt)
		delete(h.inflight, seq)
	}
	h.acked = seq
	h.metrics.setInFlight(h.name, len(h.inflight))
	h.notifyLocked()
	h.pumpLocked()

	if !h.outstandingLocked() {
		h.logger.Debug("all commands acknowledged", "acked", h.acked)
	}
	return nil
}

// handleMessage is the result-topic subscription handler.
func (h *Handle) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.protocolFault(err.Error())
		return
	}
	if msg.Type == protocol.TypePong {
		h.handlePong(msg)
		return
	}
	if msg.Type != protocol.TypeResult {
		h.logger.Debug("ignoring message on result topic", "type", msg.Type)
		return
	}
	res, err := msg.GetResultData()
	if err != nil {
		h.protocolFault("malformed result: " + err.Error())
		return
	}

	out := Success()
	if res.Status == protocol.StatusFailure {
		out = Failure(res.Code, res.Message)
	}
	if err := h.OnResult(res.Seq, out); err != nil {
		h.logger.Debug("result rejected", "seq", res.Seq, "error", err)
	}
}

func (h *Handle) protocolFault(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fault != nil {
		return
	}
	h.faultLocked(&ProtocolError{Robot: h.name, Reason: reason})
}

// faultLocked latches err, drops undelivered commands and wakes waiters.
func (h *Handle) faultLocked(err error) {
	h.fault = err
	dropped := len(h.pending)
	h.pending = nil
	h.metrics.fault(h.name, err)
	h.logger.Error("robot faulted",
		"error", err,
		"acked", h.acked,
		"in_flight", len(h.inflight),
		"dropped", dropped,
	)
	h.notifyLocked()
}
