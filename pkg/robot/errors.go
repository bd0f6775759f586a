package robot

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by the typed errors below.
var (
	// ErrState is returned when an operation is called in the wrong state.
	ErrState = errors.New("robot: invalid state")

	// ErrProtocol is returned when the result stream cannot be correlated.
	ErrProtocol = errors.New("robot: protocol error")

	// ErrControllerFault is returned when the controller reports a failure.
	ErrControllerFault = errors.New("robot: controller fault")

	// ErrTransport is returned when a command could not be published or the
	// connection under the handle was lost.
	ErrTransport = errors.New("robot: transport error")

	// ErrAbandoned is returned to barriers whose commands were discarded by
	// a reset.
	ErrAbandoned = errors.New("robot: command abandoned by reset")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("robot: handle closed")
)

// StateError reports an operation attempted in the wrong handle state.
type StateError struct {
	Robot  string
	Op     string
	State  State
	Reason string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("robot [%s]: %s in state %s: %s", e.Robot, e.Op, e.State, e.Reason)
}

// Is reports whether target is ErrState.
func (e *StateError) Is(target error) bool {
	return target == ErrState
}

// ProtocolError reports an acknowledgment that does not fit the dispatched
// stream: a gap, a result for an unsent command, or a malformed message.
type ProtocolError struct {
	Robot    string
	Seq      uint64
	Expected uint64
	Reason   string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("robot [%s]: protocol error: %s", e.Robot, e.Reason)
	}
	return fmt.Sprintf("robot [%s]: protocol error at seq %d (expected %d): %s", e.Robot, e.Seq, e.Expected, e.Reason)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ControllerFault is an explicit failure outcome from the controller.
type ControllerFault struct {
	Robot   string
	Seq     uint64
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ControllerFault) Error() string {
	return fmt.Sprintf("robot [%s]: controller fault at seq %d (code %d): %s", e.Robot, e.Seq, e.Code, e.Message)
}

// Is reports whether target is ErrControllerFault.
func (e *ControllerFault) Is(target error) bool {
	return target == ErrControllerFault
}

// PublishError wraps a transport failure while sending a command, or the
// loss of the connection itself (Seq 0).
type PublishError struct {
	Robot string
	Seq   uint64
	Err   error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("robot [%s]: transport: %v", e.Robot, e.Err)
	}
	return fmt.Sprintf("robot [%s]: publish seq %d: %v", e.Robot, e.Seq, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *PublishError) Is(target error) bool {
	return target == ErrTransport
}
