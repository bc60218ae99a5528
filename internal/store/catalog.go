package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/pccare/internal/domain"
)

const operationColumns = `slug, name, description, category, language, source, risk, requires_admin, active, version`

// GetOperations lists cached operations ordered by category and name.
func (s *SQLiteStore) GetOperations(ctx context.Context, includeInactive bool) ([]domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	if !includeInactive {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY category, name, slug`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer closeRows(rows, "operations")

	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// GetOperation returns the cached operation with slug, or nil.
func (s *SQLiteStore) GetOperation(ctx context.Context, slug string) (*domain.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE slug = ?`, slug)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// UpsertOperations replaces cached operations by slug in one transaction.
func (s *SQLiteStore) UpsertOperations(ctx context.Context, ops []domain.Operation) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	query := `
	INSERT INTO operations (` + operationColumns + `, confirmed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(slug) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		category = excluded.category,
		language = excluded.language,
		source = excluded.source,
		risk = excluded.risk,
		requires_admin = excluded.requires_admin,
		active = excluded.active,
		version = excluded.version,
		confirmed_at = excluded.confirmed_at,
		updated_at = excluded.updated_at`

	now := s.clock.Now().UnixMilli()
	err := s.write(ctx, "upsert operations", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, op := range ops {
			if op.Slug == "" {
				return fmt.Errorf("upsert operation: empty slug")
			}
			if _, err := stmt.ExecContext(ctx,
				op.Slug, op.Name, op.Description, op.Category, op.Language, op.Source,
				string(op.Risk), boolToInt(op.RequiresAdmin), boolToInt(op.Active), op.Version,
				now, now,
			); err != nil {
				return fmt.Errorf("upsert operation %s: %w", op.Slug, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// DeactivateMissingOperations marks operations absent from present as inactive.
func (s *SQLiteStore) DeactivateMissingOperations(ctx context.Context, present []string, confirmedBefore time.Time) (int, error) {
	query := `UPDATE operations SET active = 0, updated_at = ? WHERE active = 1`
	args := []any{s.clock.Now().UnixMilli()}

	if len(present) > 0 {
		query += ` AND slug NOT IN (` + placeholders(len(present)) + `)`
		for _, slug := range present {
			args = append(args, slug)
		}
	}
	if !confirmedBefore.IsZero() {
		query += ` AND confirmed_at < ?`
		args = append(args, confirmedBefore.UnixMilli())
	}

	var affected int64
	err := s.write(ctx, "deactivate operations", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("deactivate missing operations: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return int(affected), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*domain.Operation, error) {
	var op domain.Operation
	var risk string
	var requiresAdmin, active int
	err := row.Scan(&op.Slug, &op.Name, &op.Description, &op.Category, &op.Language, &op.Source,
		&risk, &requiresAdmin, &active, &op.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	op.Risk = domain.RiskTier(risk)
	op.RequiresAdmin = requiresAdmin != 0
	op.Active = active != 0
	return &op, nil
}
