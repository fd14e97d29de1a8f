// Package dlq implements the dead-letter queue for stage work that exhausted
// its retries.
//
// Items are written by the orchestrator through Queue.Park and afterwards only
// change through operator actions: Retry, Resolve, Fail and Delete. Persistence
// is pluggable through the Store interface; MemoryStore is provided here and a
// SQLite store lives in the stores package.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no item has the requested ID.
	ErrNotFound = errors.New("dlq item not found")

	// ErrInvalidTransition is returned when an operator action is not allowed
	// from the item's current status.
	ErrInvalidTransition = errors.New("invalid dlq status transition")

	// ErrBusy is returned when another action on the same item is in progress.
	ErrBusy = errors.New("dlq item is busy")
)

// Status is the lifecycle state of an item.
type Status string

const (
	// StatusPending items await operator action or an automatic sweep.
	StatusPending Status = "pending"

	// StatusResolved items were handled out of band.
	StatusResolved Status = "resolved"

	// StatusFailed items are permanently unrecoverable.
	StatusFailed Status = "failed"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusResolved, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid dlq status: %s", s)
	}
}

// IsTerminal returns true for statuses that can only be left by deletion.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// CanTransition reports whether an item may move from s to next.
// Pending may move anywhere (including back to pending after a failed retry);
// terminal statuses never change.
func (s Status) CanTransition(next Status) bool {
	if next.Validate() != nil {
		return false
	}
	return s == StatusPending
}

// Item is one parked unit of work.
type Item struct {
	ID           string          `json:"id"`
	Component    string          `json:"component"`
	ErrorType    string          `json:"error_type"`
	ErrorMessage string          `json:"error_message"`
	Payload      json.RawMessage `json:"payload"`
	RunID        string          `json:"run_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	RetryCount   int             `json:"retry_count"`
	Status       Status          `json:"status"`
}

// Filter selects items in List. Empty fields match everything.
type Filter struct {
	Component string
	ErrorType string
	Status    Status
	Limit     int
}

// Matches reports whether item satisfies the filter (ignoring Limit).
func (f Filter) Matches(item *Item) bool {
	if f.Component != "" && item.Component != f.Component {
		return false
	}
	if f.ErrorType != "" && item.ErrorType != f.ErrorType {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	return true
}

// GroupStats holds counts for one (component, error type) pair.
type GroupStats struct {
	Component string `json:"component"`
	ErrorType string `json:"error_type"`
	Pending   int    `json:"pending"`
	Resolved  int    `json:"resolved"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
}

// Stats aggregates the queue contents for dashboards.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	ByComponent map[string]int `json:"by_component"`
	ByErrorType map[string]int `json:"by_error_type"`
	Groups      []GroupStats   `json:"groups"`
}

// NewStats returns empty stats with initialized maps.
func NewStats() Stats {
	return Stats{
		ByStatus:    make(map[Status]int),
		ByComponent: make(map[string]int),
		ByErrorType: make(map[string]int),
		Groups:      make([]GroupStats, 0),
	}
}

// AddGroup folds the counts of one group into the totals.
func (s *Stats) AddGroup(g GroupStats) {
	g.Total = g.Pending + g.Resolved + g.Failed
	s.Groups = append(s.Groups, g)
	s.Total += g.Total
	s.ByStatus[StatusPending] += g.Pending
	s.ByStatus[StatusResolved] += g.Resolved
	s.ByStatus[StatusFailed] += g.Failed
	s.ByComponent[g.Component] += g.Total
	s.ByErrorType[g.ErrorType] += g.Total
}
