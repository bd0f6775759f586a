package protocol

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Bridge framing
// =============================================================================

// FrameOp is the operation carried by a bridge frame.
type FrameOp string

const (
	OpSubscribe   FrameOp = "sub"   // peer → bridge
	OpUnsubscribe FrameOp = "unsub" // peer → bridge
	OpPublish     FrameOp = "pub"   // peer → bridge
	OpDeliver     FrameOp = "msg"   // bridge → peer
	OpError       FrameOp = "error" // bridge → peer
)

// Frame wraps a topic operation for the WebSocket bridge.
// Payload is the raw message published on Topic and must be valid JSON.
type Frame struct {
	Op      FrameOp         `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewFrame builds a frame, checking the payload is JSON.
func NewFrame(op FrameOp, topic string, payload []byte) (*Frame, error) {
	f := &Frame{Op: op, Topic: topic}
	if len(payload) > 0 {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("frame payload for %s is not valid JSON", topic)
		}
		f.Payload = append(json.RawMessage(nil), payload...)
	}
	return f, nil
}

// Bytes serializes the frame to JSON.
func (f *Frame) Bytes() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame parses and validates a bridge frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	switch f.Op {
	case OpSubscribe, OpUnsubscribe, OpPublish, OpDeliver:
		if f.Topic == "" {
			return nil, fmt.Errorf("%s frame has no topic", f.Op)
		}
	case OpError:
	default:
		return nil, fmt.Errorf("unknown frame op %q", f.Op)
	}
	return &f, nil
}
