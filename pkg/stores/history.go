package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// HistoryObserver persists every finished run through a RunStore.
type HistoryObserver struct {
	engine.NopObserver

	store   RunStore
	timeout time.Duration
	logger  zerolog.Logger
}

// NewHistoryObserver creates an observer that records runs in store.
func NewHistoryObserver(store RunStore, logger zerolog.Logger) *HistoryObserver {
	return &HistoryObserver{
		store:   store,
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// PipelineCompleted implements engine.Observer.
func (h *HistoryObserver) PipelineCompleted(result *engine.PipelineResult) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.store.SaveRun(ctx, result); err != nil {
		h.logger.Error().Err(err).Str("run_id", result.RunID).Msg("Failed to record run history")
		return
	}
	h.logger.Debug().Str("run_id", result.RunID).Int("stage_results", len(result.StageResults)).Msg("Run history recorded")
}
