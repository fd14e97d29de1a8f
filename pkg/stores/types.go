package stores

import (
	"context"
	"time"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// RunStatus represents the recorded outcome of a pipeline run
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// RunStatusFromPipeline maps an engine status to its stored form.
func RunStatusFromPipeline(s engine.PipelineStatus) RunStatus {
	switch s {
	case engine.PipelineStatusCompleted:
		return RunStatusCompleted
	case engine.PipelineStatusPartial:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// Run is one recorded pipeline run
type Run struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id,omitempty"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorKind  *string    `json:"error_kind,omitempty"`
	Error      *string    `json:"error,omitempty"`
	Metadata   string     `json:"metadata"` // JSON blob
	CreatedAt  time.Time  `json:"created_at"`
}

// StageAttempt is one recorded stage result within a run
type StageAttempt struct {
	ID           int64      `json:"id"`
	RunID        string     `json:"run_id"`
	Stage        string     `json:"stage"`
	Attempt      int        `json:"attempt"`
	Status       string     `json:"status"`
	Mode         string     `json:"mode"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorKind    *string    `json:"error_kind,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	SkipReason   *string    `json:"skip_reason,omitempty"`
}

// RunStore defines run history persistence
type RunStore interface {
	SaveRun(ctx context.Context, result *engine.PipelineResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListStageAttempts(ctx context.Context, runID string) ([]*StageAttempt, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	RunStore
	dlq.Store
	dlq.StatsStore

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
