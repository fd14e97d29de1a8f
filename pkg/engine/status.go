package engine

import (
	"encoding/json"
	"fmt"
)

// StageStatus represents the status of a single stage attempt.
type StageStatus string

const (
	// StageStatusPending indicates the stage has not started.
	StageStatusPending StageStatus = "Pending"

	// StageStatusRunning indicates the stage attempt is executing.
	StageStatusRunning StageStatus = "Running"

	// StageStatusCompleted indicates the stage attempt succeeded.
	StageStatusCompleted StageStatus = "Completed"

	// StageStatusFailed indicates the stage attempt failed.
	StageStatusFailed StageStatus = "Failed"

	// StageStatusSkipped indicates the stage was not run.
	StageStatusSkipped StageStatus = "Skipped"
)

// IsTerminal returns true if the stage status represents a final state.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed || s == StageStatusSkipped
}

// Validate checks if the stage status is valid.
func (s StageStatus) Validate() error {
	switch s {
	case StageStatusPending, StageStatusRunning, StageStatusCompleted,
		StageStatusFailed, StageStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid stage status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StageStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StageStatus(str)
	return s.Validate()
}

// PipelineStatus represents the overall outcome of a pipeline run.
type PipelineStatus string

const (
	// PipelineStatusCompleted indicates every stage completed.
	PipelineStatusCompleted PipelineStatus = "Completed"

	// PipelineStatusFailed indicates a required stage did not complete.
	PipelineStatusFailed PipelineStatus = "Failed"

	// PipelineStatusPartial indicates failures were confined to optional stages.
	PipelineStatusPartial PipelineStatus = "Partial"
)

// Validate checks if the pipeline status is valid.
func (s PipelineStatus) Validate() error {
	switch s {
	case PipelineStatusCompleted, PipelineStatusFailed, PipelineStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid pipeline status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PipelineStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PipelineStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PipelineStatus(str)
	return s.Validate()
}

// ExecutionMode selects the process boundary a stage runs behind.
type ExecutionMode string

const (
	// ModeDirect invokes the stage in the orchestrator's own process.
	ModeDirect ExecutionMode = "direct"

	// ModeIsolated invokes the stage in a separate process with a hard timeout.
	ModeIsolated ExecutionMode = "isolated"

	// ModeRemote is reserved for out-of-host execution.
	ModeRemote ExecutionMode = "remote"
)

// Validate checks if the execution mode is valid.
func (m ExecutionMode) Validate() error {
	switch m {
	case ModeDirect, ModeIsolated, ModeRemote:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}

// EventType identifies a lifecycle event delivered to observers.
type EventType string

const (
	EventStageStarted      EventType = "stage_started"
	EventStageSucceeded    EventType = "stage_succeeded"
	EventStageFailed       EventType = "stage_failed"
	EventStageRetrying     EventType = "stage_retrying"
	EventPipelineCompleted EventType = "pipeline_completed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventStageFailed:
		return "error"
	case EventStageRetrying:
		return "warning"
	default:
		return "info"
	}
}
