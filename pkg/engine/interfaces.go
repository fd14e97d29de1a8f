package engine

import (
	"context"
	"encoding/json"
	"time"
)

// CircuitBreaker guards a protected resource across stage attempts.
// Implementations must be safe for concurrent use.
type CircuitBreaker interface {
	// Allow returns nil if a call against key may proceed, or an error when the
	// breaker short-circuits it.
	Allow(ctx context.Context, key string) error

	// RecordSuccess reports a successful call against key.
	RecordSuccess(ctx context.Context, key string)

	// RecordFailure reports a failed call against key.
	RecordFailure(ctx context.Context, key string)
}

// ParkedWork is a unit of work handed to the dead-letter sink once a stage has
// exhausted its attempts.
type ParkedWork struct {
	// Component is the stage (or subsystem) the work belongs to.
	Component string `json:"component"`

	// ErrorType is the kind of the final error.
	ErrorType ErrorKind `json:"error_type"`

	// Message is the final error message.
	Message string `json:"message"`

	// RunID is the run that parked the work.
	RunID string `json:"run_id"`

	// Attempts is the number of attempts made before parking.
	Attempts int `json:"attempts"`

	// Payload is everything needed to re-attempt the work.
	Payload ReplayPayload `json:"payload"`
}

// ReplayPayload is the serializable description of a parked stage invocation.
type ReplayPayload struct {
	Stage      string           `json:"stage"`
	Descriptor *StageDescriptor `json:"descriptor,omitempty"`
	RunID      string           `json:"run_id,omitempty"`
	Snapshot   Snapshot         `json:"snapshot"`
}

// Marshal encodes the payload for durable storage.
func (p ReplayPayload) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

// DecodeReplayPayload decodes a payload previously produced by Marshal.
func DecodeReplayPayload(data json.RawMessage) (ReplayPayload, error) {
	var p ReplayPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ReplayPayload{}, NewError(KindInvalidDefinition, "invalid replay payload", err)
	}
	return p, nil
}

// DeadLetterSink receives work that exhausted its retries.
type DeadLetterSink interface {
	// Park durably stores the work and returns its identifier.
	Park(ctx context.Context, work ParkedWork) (string, error)
}

// IsolatedRunner executes a stage behind a process boundary.
// The runner owns the hard wall-clock timeout: on expiry it must terminate the
// work and return a Timeout error.
type IsolatedRunner interface {
	Run(ctx context.Context, desc StageDescriptor, ec ExecutionContext, timeout time.Duration) (Delta, error)
}

// RemoteRunner executes a stage on another host. No implementation ships with
// the engine; the mode is accepted only when a runner is injected.
type RemoteRunner interface {
	Run(ctx context.Context, desc StageDescriptor, ec ExecutionContext, timeout time.Duration) (Delta, error)
}
