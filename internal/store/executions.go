package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/pccare/internal/domain"
)

const executionColumns = `id, operation_slug, operation_json, requested_by, status, expires_at,
	output, error, created_at, started_at, completed_at, reported`

// inFlightClause matches the row holding the device's single authorization slot.
const inFlightClause = `(status IN ('authorized', 'running') OR (status = 'pending' AND expires_at > ?))`

// GetPendingExecution returns the pending request that has not yet expired.
func (s *SQLiteStore) GetPendingExecution(ctx context.Context) (*domain.RemoteExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM remote_executions
		WHERE status = 'pending' AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`, s.clock.Now().UnixMilli())
	return s.scanExecutionRow(row)
}

// GetInFlightExecution returns the request occupying the authorization slot.
func (s *SQLiteStore) GetInFlightExecution(ctx context.Context) (*domain.RemoteExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM remote_executions
		WHERE `+inFlightClause+`
		ORDER BY created_at DESC LIMIT 1`, s.clock.Now().UnixMilli())
	return s.scanExecutionRow(row)
}

// GetExecution returns the request with id, or nil.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*domain.RemoteExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM remote_executions WHERE id = ?`, id)
	return s.scanExecutionRow(row)
}

// ListExecutions returns the most recent requests, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]domain.RemoteExecution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM remote_executions
		ORDER BY created_at DESC LIMIT ?`, limit)
}

// InterruptedExecutions returns requests left authorized or running.
func (s *SQLiteStore) InterruptedExecutions(ctx context.Context) ([]domain.RemoteExecution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM remote_executions
		WHERE status IN ('authorized', 'running') ORDER BY created_at ASC`)
}

// SaveExecution stores rec as pending if the authorization slot is free.
// Stale pending rows are expired first so they cannot hold the slot.
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *domain.RemoteExecution) (bool, error) {
	now := s.clock.Now()
	if rec.ID == "" {
		return false, fmt.Errorf("save execution: empty id")
	}
	if rec.ExpiredAt(now) {
		return false, nil
	}

	var opJSON any
	if rec.Operation != nil {
		data, err := json.Marshal(rec.Operation)
		if err != nil {
			return false, fmt.Errorf("encode operation snapshot: %w", err)
		}
		opJSON = string(data)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	nowMs := now.UnixMilli()

	var saved bool
	err := s.write(ctx, "save execution", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE remote_executions
			SET status = 'expired', updated_at = ?
			WHERE status = 'pending' AND expires_at <= ?`, nowMs, nowMs); err != nil {
			return fmt.Errorf("expire stale requests: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
		INSERT INTO remote_executions (id, operation_slug, operation_json, requested_by, status,
			expires_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, 'pending', ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM remote_executions WHERE `+inFlightClause+`)
		ON CONFLICT(id) DO NOTHING`,
			rec.ID, rec.OperationSlug, opJSON, rec.RequestedBy,
			rec.ExpiresAt.UnixMilli(), createdAt.UnixMilli(), nowMs, nowMs,
		)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		saved = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if saved {
		rec.Status = domain.StatusPending
		rec.CreatedAt = createdAt
	}
	return saved, nil
}

// UpdateExecutionStatus applies a guarded status transition. A pending
// request can only leave pending for anything but expired while its window
// is still open.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, output, errText *string) error {
	sources := domain.SourcesFor(status)
	if len(sources) == 0 {
		return fmt.Errorf("update execution %s to %s: %w", id, status, ErrInvalidTransition)
	}

	nowMs := s.clock.Now().UnixMilli()
	query := `UPDATE remote_executions SET
		status = ?,
		output = COALESCE(?, output),
		error = COALESCE(?, error),
		started_at = CASE WHEN ? THEN ? ELSE started_at END,
		completed_at = CASE WHEN ? THEN ? ELSE completed_at END,
		updated_at = ?
	WHERE id = ? AND status IN (` + placeholders(len(sources)) + `)`
	args := []any{
		string(status), nullableString(output), nullableString(errText),
		status == domain.StatusRunning, nowMs,
		status.IsTerminal(), nowMs,
		nowMs, id,
	}
	for _, src := range sources {
		args = append(args, string(src))
	}
	if status != domain.StatusExpired {
		query += ` AND (status != 'pending' OR expires_at > ?)`
		args = append(args, nowMs)
	}

	return s.write(ctx, "update execution status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update execution %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM remote_executions WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update execution %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read execution %s status: %w", id, err)
		}
		return fmt.Errorf("update execution %s from %s to %s: %w", id, current, status, ErrInvalidTransition)
	})
}

// ExpirePendingExecutions expires pending requests whose window has closed.
func (s *SQLiteStore) ExpirePendingExecutions(ctx context.Context) ([]string, error) {
	nowMs := s.clock.Now().UnixMilli()
	var ids []string
	err := s.write(ctx, "expire executions", func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx, `UPDATE remote_executions
			SET status = 'expired', completed_at = ?, updated_at = ?
			WHERE status = 'pending' AND expires_at <= ?
			RETURNING id`, nowMs, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("expire pending executions: %w", err)
		}
		defer closeRows(rows, "expire executions")
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan expired id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkExecutionReported records that the remote acknowledged the outcome.
func (s *SQLiteStore) MarkExecutionReported(ctx context.Context, id string) error {
	return s.write(ctx, "mark execution reported", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE remote_executions SET reported = 1, updated_at = ? WHERE id = ?`,
			s.clock.Now().UnixMilli(), id); err != nil {
			return fmt.Errorf("mark execution %s reported: %w", id, err)
		}
		return nil
	})
}

// PruneExecutions deletes settled requests older than age.
func (s *SQLiteStore) PruneExecutions(ctx context.Context, age time.Duration) (int64, error) {
	threshold := s.clock.Now().Add(-age).UnixMilli()
	var deleted int64
	err := s.write(ctx, "prune executions", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM remote_executions
			WHERE status IN ('completed', 'failed', 'rejected', 'expired')
			  AND (reported = 1 OR status = 'expired')
			  AND updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("prune executions: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.RemoteExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer closeRows(rows, "executions")

	var out []domain.RemoteExecution
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) scanExecutionRow(row *sql.Row) (*domain.RemoteExecution, error) {
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanExecution(row rowScanner) (*domain.RemoteExecution, error) {
	var rec domain.RemoteExecution
	var opJSON, output, errText sql.NullString
	var status string
	var expiresAt, createdAt int64
	var startedAt, completedAt sql.NullInt64
	var reported int

	err := row.Scan(&rec.ID, &rec.OperationSlug, &opJSON, &rec.RequestedBy, &status, &expiresAt,
		&output, &errText, &createdAt, &startedAt, &completedAt, &reported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	rec.Status = domain.ExecutionStatus(status)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.Output = output.String
	rec.Error = errText.String
	rec.Reported = reported != 0
	if startedAt.Valid {
		ts := time.UnixMilli(startedAt.Int64)
		rec.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64)
		rec.CompletedAt = &ts
	}
	if opJSON.Valid && opJSON.String != "" {
		var op domain.Operation
		if err := json.Unmarshal([]byte(opJSON.String), &op); err != nil {
			return nil, fmt.Errorf("decode operation snapshot for %s: %w", rec.ID, err)
		}
		rec.Operation = &op
	}
	return &rec, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
