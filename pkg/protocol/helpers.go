package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewCommandMessage creates a command message
func NewCommandMessage(cmd CommandData) (*Message, error) {
	return NewMessage(TypeCommand, cmd)
}

// NewSuccessMessage creates a success result for seq
func NewSuccessMessage(seq uint64) (*Message, error) {
	return NewMessage(TypeResult, ResultData{
		Seq:    seq,
		Status: StatusSuccess,
	})
}

// NewFailureMessage creates a failure result for seq
func NewFailureMessage(seq uint64, code int, message string) (*Message, error) {
	return NewMessage(TypeResult, ResultData{
		Seq:     seq,
		Status:  StatusFailure,
		Code:    code,
		Message: message,
	})
}

// NewPingMessage creates a health check identified by id.
func NewPingMessage(id string) (*Message, error) {
	if id == "" {
		return nil, fmt.Errorf("ping needs an id")
	}
	return NewMessage(TypePing, PingData{ID: id, SentAt: time.Now().UnixMilli()})
}

// NewPongMessage answers ping.
func NewPongMessage(ping PingData) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:         ping.ID,
		PingSentAt: ping.SentAt,
		RepliedAt:  time.Now().UnixMilli(),
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetCommandData extracts a command from a message
func (m *Message) GetCommandData() (*CommandData, error) {
	if m.Type != TypeCommand {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypeCommand)
	}
	var data CommandData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetResultData extracts and validates a result from a message
func (m *Message) GetResultData() (*ResultData, error) {
	if m.Type != TypeResult {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypeResult)
	}
	var data ResultData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts a ping. The ID is required so the pong can be
// matched.
func (m *Message) GetPingData() (*PingData, error) {
	if m.Type != TypePing {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypePing)
	}
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	if data.ID == "" {
		return nil, fmt.Errorf("ping has no id")
	}
	return &data, nil
}

// GetPongData extracts a pong.
func (m *Message) GetPongData() (*PongData, error) {
	if m.Type != TypePong {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypePong)
	}
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	if data.ID == "" {
		return nil, fmt.Errorf("pong has no id")
	}
	return &data, nil
}

// =============================================================================
// Controller line rendering
// =============================================================================

// String renders the command the way the controller's text interface
// reads it, e.g. "ptp joints 0 -2.1 -1.3 dyn : 100 100 ovlabs : 10 360".
func (c CommandData) String() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(c.Kind))
	if c.PoseType != "" {
		b.WriteString(" ")
		b.WriteString(strings.ToLower(c.PoseType))
	}
	if len(c.Pose) > 0 {
		b.WriteString(" ")
		b.WriteString(FormatParams(c.Pose))
	}
	names := make([]string, 0, len(c.Aux))
	for name := range c.Aux {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s:%s", name, formatFloat(c.Aux[name]))
	}
	if c.VelocityType != "" && len(c.Velocity) > 0 {
		fmt.Fprintf(&b, " %s : %s", strings.ToLower(c.VelocityType), FormatParams(c.Velocity))
	}
	if c.BlendingType != "" && len(c.Blending) > 0 {
		fmt.Fprintf(&b, " %s : %s", strings.ToLower(c.BlendingType), FormatParams(c.Blending))
	}
	return fmt.Sprintf("[%d] %s", c.Seq, b.String())
}

// FormatParams joins values with single spaces, without trailing zeros.
func FormatParams(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

// formatFloat prints at most 6 decimals with trailing zeros trimmed.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
