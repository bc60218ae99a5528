package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/pccare/internal/domain"
	"github.com/google/uuid"
)

// AppendTelemetry records sample and drops the oldest rows beyond retention.
func (s *SQLiteStore) AppendTelemetry(ctx context.Context, sample *domain.TelemetrySample) error {
	if sample.ClientID == "" {
		sample.ClientID = uuid.NewString()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = s.clock.Now()
	}

	return s.write(ctx, "append telemetry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO telemetry (client_id, cpu_percent, memory_percent, disk_percent,
			health_score, health_status, recorded_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			sample.ClientID, sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent,
			sample.HealthScore, sample.HealthStatus, sample.RecordedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert telemetry: %w", err)
		}
		if sample.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("telemetry id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
		DELETE FROM telemetry WHERE id <= (
			SELECT id FROM telemetry ORDER BY id DESC LIMIT 1 OFFSET ?
		)`, s.telemetryRetention); err != nil {
			return fmt.Errorf("trim telemetry: %w", err)
		}
		return nil
	})
}

// GetRecentTelemetry returns up to limit samples, newest first.
func (s *SQLiteStore) GetRecentTelemetry(ctx context.Context, limit int) ([]domain.TelemetrySample, error) {
	return s.queryTelemetry(ctx, `WHERE 1 = 1 ORDER BY id DESC LIMIT ?`, limit)
}

// GetUnsyncedTelemetry returns up to limit unsynced samples in insertion order.
func (s *SQLiteStore) GetUnsyncedTelemetry(ctx context.Context, limit int) ([]domain.TelemetrySample, error) {
	return s.queryTelemetry(ctx, `WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
}

// MarkTelemetrySynced flags a sample as acknowledged by the remote.
func (s *SQLiteStore) MarkTelemetrySynced(ctx context.Context, id int64) error {
	return s.markSynced(ctx, "telemetry", id)
}

func (s *SQLiteStore) queryTelemetry(ctx context.Context, clause string, limit int) ([]domain.TelemetrySample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, cpu_percent, memory_percent, disk_percent,
		       health_score, health_status, recorded_at, synced
		FROM telemetry `+clause, limit)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer closeRows(rows, "telemetry")

	var samples []domain.TelemetrySample
	for rows.Next() {
		var t domain.TelemetrySample
		var recordedAt int64
		var synced int
		if err := rows.Scan(&t.ID, &t.ClientID, &t.CPUPercent, &t.MemoryPercent, &t.DiskPercent,
			&t.HealthScore, &t.HealthStatus, &recordedAt, &synced); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		t.RecordedAt = time.UnixMilli(recordedAt)
		t.Synced = synced != 0
		samples = append(samples, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry: %w", err)
	}
	return samples, nil
}

// AppendConversation appends an entry to the conversation log.
func (s *SQLiteStore) AppendConversation(ctx context.Context, entry *domain.ConversationEntry) error {
	if !domain.ValidRole(entry.Role) {
		return fmt.Errorf("append conversation: unknown role %q", entry.Role)
	}
	if entry.ClientID == "" {
		entry.ClientID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}

	return s.write(ctx, "append conversation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO conversation (client_id, role, content, created_at, synced)
		VALUES (?, ?, ?, ?, 0)`,
			entry.ClientID, entry.Role, entry.Content, entry.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if entry.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("conversation id: %w", err)
		}
		return nil
	})
}

// GetConversation returns the last limit entries, oldest first.
func (s *SQLiteStore) GetConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error) {
	return s.queryConversation(ctx, `
		SELECT * FROM (
			SELECT id, client_id, role, content, created_at, synced
			FROM conversation ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
}

// GetUnsyncedConversation returns up to limit unsynced entries in insertion order.
func (s *SQLiteStore) GetUnsyncedConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error) {
	return s.queryConversation(ctx, `
		SELECT id, client_id, role, content, created_at, synced
		FROM conversation WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
}

// MarkConversationSynced flags an entry as acknowledged by the remote.
func (s *SQLiteStore) MarkConversationSynced(ctx context.Context, id int64) error {
	return s.markSynced(ctx, "conversation", id)
}

func (s *SQLiteStore) queryConversation(ctx context.Context, query string, limit int) ([]domain.ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer closeRows(rows, "conversation")

	var entries []domain.ConversationEntry
	for rows.Next() {
		var e domain.ConversationEntry
		var createdAt int64
		var synced int
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Role, &e.Content, &createdAt, &synced); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.Synced = synced != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return entries, nil
}

// AppendSupportRequest buffers a support request until the next sync.
func (s *SQLiteStore) AppendSupportRequest(ctx context.Context, req *domain.SupportRequest) error {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock.Now()
	}

	return s.write(ctx, "append support request", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO support_requests (client_id, subject, message, contact, created_at, synced)
		VALUES (?, ?, ?, ?, ?, 0)`,
			req.ClientID, req.Subject, req.Message, req.Contact, req.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert support request: %w", err)
		}
		if req.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("support request id: %w", err)
		}
		return nil
	})
}

// GetUnsyncedSupportRequests returns up to limit buffered requests in insertion order.
func (s *SQLiteStore) GetUnsyncedSupportRequests(ctx context.Context, limit int) ([]domain.SupportRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, subject, message, contact, created_at
		FROM support_requests WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query support requests: %w", err)
	}
	defer closeRows(rows, "support requests")

	var out []domain.SupportRequest
	for rows.Next() {
		var r domain.SupportRequest
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Subject, &r.Message, &r.Contact, &createdAt); err != nil {
			return nil, fmt.Errorf("scan support request: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate support requests: %w", err)
	}
	return out, nil
}

// MarkSupportRequestSynced flags a request as delivered.
func (s *SQLiteStore) MarkSupportRequestSynced(ctx context.Context, id int64) error {
	return s.markSynced(ctx, "support_requests", id)
}

// markSynced flips the synced flag. table is always a package constant.
func (s *SQLiteStore) markSynced(ctx context.Context, table string, id int64) error {
	return s.write(ctx, "mark "+table+" synced", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET synced = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("mark %s %d synced: %w", table, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("mark %s %d synced: %w", table, id, ErrNotFound)
		}
		return nil
	})
}
