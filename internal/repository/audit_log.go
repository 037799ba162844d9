package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation performed on a flag or experiment.
// Versioned history captures what changed; the audit log captures who
// changed it and through which credential.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	Platform    string          `json:"platform"`
	Environment string          `json:"environment"`
	EntityType  string          `json:"entity_type"`
	Key         string          `json:"key"`
	Action      string          `json:"action"`
	APIKeyID    string          `json:"api_key_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (platform, environment, entity_type, key, action, api_key_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.Platform, entry.Environment, entry.EntityType, entry.Key, entry.Action, entry.APIKeyID, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries for an environment, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, platform, environment string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, platform, environment, entity_type, key, action, api_key_id, details, created_at
		FROM audit_log
		WHERE platform = $1 AND environment = $2
		ORDER BY id DESC
		LIMIT $3 OFFSET $4
	`, platform, environment, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Platform, &e.Environment, &e.EntityType, &e.Key, &e.Action, &e.APIKeyID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return entries, nil
}
