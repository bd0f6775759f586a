package robot

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-rmi/pkg/protocol"
)

// Ping sends a health check on the command topic and waits for the
// controller's pong on the result topic. It returns the round-trip time.
// Pings carry no sequence number and never touch the command stream.
func (h *Handle) Ping(ctx context.Context) (time.Duration, error) {
	id := uuid.NewString()
	reply := make(chan protocol.PongData, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	h.pings[id] = reply
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pings, id)
		h.mu.Unlock()
	}()

	msg, err := protocol.NewPingMessage(id)
	if err != nil {
		return 0, err
	}
	payload, err := msg.Bytes()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := h.pub.Publish(h.endpoint.CommandTopic, payload); err != nil {
		return 0, &PublishError{Robot: h.name, Err: err}
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.stop:
		return 0, ErrClosed
	case pong := <-reply:
		rtt := time.Since(start)
		h.logger.Debug("pong", "id", id, "rtt", rtt, "one_way_ms", pong.RepliedAt-pong.PingSentAt)
		return rtt, nil
	}
}

func (h *Handle) handlePong(msg *protocol.Message) {
	pong, err := msg.GetPongData()
	if err != nil {
		h.logger.Warn("ignoring malformed pong", "error", err)
		return
	}

	h.mu.Lock()
	reply, ok := h.pings[pong.ID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("ignoring unsolicited pong", "id", pong.ID)
		return
	}
	select {
	case reply <- *pong:
	default:
	}
}
