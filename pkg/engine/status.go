package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the lifecycle state of an engine run.
type RunStatus string

const (
	// RunStatusPending indicates the engine was created but Run was not called.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates commands are being dispatched.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the command list was exhausted.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusFailed indicates the run stopped on an error.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusCancelled || s == RunStatusFailed
}

// IsActive returns true if the run is currently active.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusCancelled, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// LabelPolicy decides what happens when a jump target cannot be resolved.
type LabelPolicy string

const (
	// LabelLenient leaves the instruction pointer unchanged and logs a warning.
	LabelLenient LabelPolicy = "lenient"

	// LabelStrict fails the run.
	LabelStrict LabelPolicy = "strict"
)

// Validate checks if the label policy is valid.
func (p LabelPolicy) Validate() error {
	switch p {
	case LabelLenient, LabelStrict:
		return nil
	default:
		return fmt.Errorf("invalid label policy: %s", p)
	}
}
