package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
)

const dlqColumns = `id, component, error_type, error_message, payload, run_id, created_at, updated_at, retry_count, status`

func scanItem(row scanner) (*dlq.Item, error) {
	item := &dlq.Item{}
	var payload string
	err := row.Scan(
		&item.ID,
		&item.Component,
		&item.ErrorType,
		&item.ErrorMessage,
		&payload,
		&item.RunID,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.RetryCount,
		&item.Status,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	return item, nil
}

// Insert stores a new dead-letter item
func (s *SQLiteStore) Insert(ctx context.Context, item *dlq.Item) error {
	query := `INSERT INTO dlq_items (` + dlqColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Component,
		item.ErrorType,
		item.ErrorMessage,
		string(item.Payload),
		item.RunID,
		item.CreatedAt.UTC(),
		item.UpdatedAt.UTC(),
		item.RetryCount,
		string(item.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dlq item: %w", err)
	}

	return nil
}

// Get retrieves a dead-letter item by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*dlq.Item, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_items WHERE id = ?`

	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq item: %w", err)
	}

	return item, nil
}

// UpdateStatus sets status, retry count and, when non-empty, the last error message
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status dlq.Status, retryCount int, errMsg string) error {
	query := `
		UPDATE dlq_items
		SET status = ?,
		    retry_count = ?,
		    error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), retryCount, errMsg, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update dlq item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
	}

	return nil
}

// List returns items matching the filter, oldest first
func (s *SQLiteStore) List(ctx context.Context, filter dlq.Filter) ([]*dlq.Item, error) {
	var (
		where []string
		args  []any
	)
	if filter.Component != "" {
		where = append(where, "component = ?")
		args = append(args, filter.Component)
	}
	if filter.ErrorType != "" {
		where = append(where, "error_type = ?")
		args = append(args, filter.ErrorType)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + dlqColumns + ` FROM dlq_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq items: %w", err)
	}
	defer rows.Close()

	items := []*dlq.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dlq items: %w", err)
	}

	return items, nil
}

// Delete removes a dead-letter item
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dlq_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dlq item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
	}

	return nil
}

// Stats aggregates item counts per (component, error type) in the database
func (s *SQLiteStore) Stats(ctx context.Context) (dlq.Stats, error) {
	query := `
		SELECT component,
		       error_type,
		       SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM dlq_items
		GROUP BY component, error_type
		ORDER BY component, error_type
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return dlq.Stats{}, fmt.Errorf("failed to aggregate dlq items: %w", err)
	}
	defer rows.Close()

	stats := dlq.NewStats()
	for rows.Next() {
		var g dlq.GroupStats
		if err := rows.Scan(&g.Component, &g.ErrorType, &g.Pending, &g.Resolved, &g.Failed); err != nil {
			return dlq.Stats{}, fmt.Errorf("failed to scan dlq stats: %w", err)
		}
		stats.AddGroup(g)
	}

	if err := rows.Err(); err != nil {
		return dlq.Stats{}, fmt.Errorf("error iterating dlq stats: %w", err)
	}

	return stats, nil
}
