// Package protocol defines the JSON messages exchanged between a motion
// commander and a robot controller over the command and result topics.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of message
type MessageType string

const (
	// Commander → Controller messages
	TypeCommand MessageType = "command" // One queued motion command

	// Controller → Commander messages
	TypeResult MessageType = "result" // Acknowledgment of one command

	// Health check: ping on the command topic, pong on the result topic.
	// Neither carries a sequence number.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Commander → Controller Message Types
// =============================================================================

// Command kinds as they appear on the wire.
const (
	KindConfigure = "CONFIG"
	KindPTP       = "PTP"
	KindLin       = "LIN"
	KindWait      = "WAIT"
)

// Velocity types.
const (
	VelocityDyn = "DYN"
)

// CommandData is one motion command with its resolved parameters.
type CommandData struct {
	Seq          uint64             `json:"seq"`
	Kind         string             `json:"command_type"`
	PoseType     string             `json:"pose_type,omitempty"` // "JOINTS", "QUATERNION"
	Pose         []float64          `json:"pose,omitempty"`
	Aux          map[string]float64 `json:"aux,omitempty"`
	VelocityType string             `json:"velocity_type,omitempty"` // "DYN"
	Velocity     []float64          `json:"velocity,omitempty"`
	BlendingType string             `json:"blending_type,omitempty"` // "OVLSUPPOS", "OVLREL", "OVLABS"
	Blending     []float64          `json:"blending,omitempty"`
}

// =============================================================================
// Controller → Commander Message Types
// =============================================================================

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ResultData acknowledges a single command.
type ResultData struct {
	Seq     uint64 `json:"seq"`
	Status  string `json:"status"`
	Code    int    `json:"code,omitempty"`    // Controller error code on failure
	Message string `json:"message,omitempty"` // Controller error text on failure
}

// Validate checks the result is well formed.
func (r *ResultData) Validate() error {
	if r.Seq == 0 {
		return fmt.Errorf("result has no sequence number")
	}
	if r.Status != StatusSuccess && r.Status != StatusFailure {
		return fmt.Errorf("result %d has unknown status %q", r.Seq, r.Status)
	}
	return nil
}

// =============================================================================
// Health check
// =============================================================================

// PingData asks a controller to prove it is reading its command topic.
type PingData struct {
	ID     string `json:"id"`
	SentAt int64  `json:"sent_at"` // Unix milliseconds
}

// PongData answers one PingData.
type PongData struct {
	ID         string `json:"id"`
	PingSentAt int64  `json:"ping_sent_at"` // copied from the ping
	RepliedAt  int64  `json:"replied_at"`
}
