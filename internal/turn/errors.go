package turn

import (
	"errors"
	"fmt"
)

// Adapter stages, used in errors, telemetry and metric attributes.
const (
	StageRecognition = "stt"
	StageGeneration  = "llm"
	StageSynthesis   = "tts"
)

var (
	// ErrProtocolViolation marks adapter output that arrived for a turn that
	// was already cancelled or superseded. Such output is dropped.
	ErrProtocolViolation = errors.New("turn: adapter output for cancelled turn")

	// ErrStopped is returned when posting to a controller whose Run loop has
	// exited.
	ErrStopped = errors.New("turn: controller stopped")
)

// AdapterError is a recognition, generation or synthesis failure. It ends the
// current turn and hands control to the fallback policy; it never ends the
// call.
type AdapterError struct {
	// Stage is one of StageRecognition, StageGeneration or StageSynthesis.
	Stage string

	// Timeout is true when the adapter produced no output within its
	// configured time budget.
	Timeout bool

	Err error
}

func (e *AdapterError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("turn: %s adapter timeout: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("turn: %s adapter failure: %v", e.Stage, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// kind is the metric attribute value for the failure.
func (e *AdapterError) kind() string {
	if e.Timeout {
		return "timeout"
	}
	return "failure"
}
