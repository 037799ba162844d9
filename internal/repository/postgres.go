// Package repository provides PostgreSQL-backed persistence for versioned
// flag and experiment definitions, decision events, API keys, and the audit
// log. Definitions are append-only version rows with exactly one active
// version per (platform, environment, key); the active-version swap happens
// inside a single transaction so readers never observe zero or two active
// versions. LISTEN/NOTIFY keeps the service-layer definition cache fresh
// without polling.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beacon-labs/beacon/internal/core"
)

const (
	defaultNotifyChannel = "definition_events"
	defaultListLimit     = 50
	maxListLimit         = 500
)

var (
	// ErrVersionConflict indicates a concurrent writer retired the version
	// the caller was editing. The caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a create collided with an existing key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition indicates a lifecycle change the status machine
	// does not permit. The stored state is unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Flag is the repository-level representation of one flag version row.
// Nested definition fields are typed; serialisation to jsonb happens at this
// boundary only.
type Flag struct {
	Platform    string         `json:"platform"`
	Environment string         `json:"environment"`
	Key         string         `json:"key"`
	Version     int            `json:"version"`
	IsActive    bool           `json:"is_active"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Enabled     bool           `json:"enabled"`
	Type        core.FlagType  `json:"type"`
	ValueA      core.Value     `json:"value_a"`
	ValueB      core.Value     `json:"value_b"`
	Targeting   core.Targeting `json:"targeting"`
	Rollout     core.Rollout   `json:"rollout"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Definition strips identity and audit metadata down to the decision-engine
// view of the flag.
func (f Flag) Definition() core.Flag {
	return core.Flag{
		Key:       f.Key,
		Enabled:   f.Enabled,
		Type:      f.Type,
		ValueA:    f.ValueA,
		ValueB:    f.ValueB,
		Targeting: f.Targeting,
		Rollout:   f.Rollout,
	}
}

// PostgresRepository implements flag, experiment, event, and API key
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "definition_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel for definition change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

const flagColumns = `platform, environment, key, version, is_active, name, description,
	enabled, flag_type, value_a, value_b, targeting, rollout, created_at, updated_at`

// CreateFlag inserts version 1 of a new flag as the active version.
// Returns ErrAlreadyExists (wrapped) when the key already has versions.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	valueA, valueB, targeting, rollout, err := marshalFlagFields(flag)
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO flags (platform, environment, key, version, is_active, name, description,
			enabled, flag_type, value_a, value_b, targeting, rollout)
		VALUES ($1, $2, $3, 1, TRUE, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+flagColumns,
		flag.Platform, flag.Environment, flag.Key,
		flag.Name, flag.Description, flag.Enabled, flag.Type,
		valueA, valueB, targeting, rollout,
	)

	created, err := scanFlag(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Flag{}, fmt.Errorf("create flag %q: %w", flag.Key, ErrAlreadyExists)
		}
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// GetActiveFlag resolves the single active version for the composite key.
// Returns pgx.ErrNoRows (wrapped) if the key has no active version.
func (r *PostgresRepository) GetActiveFlag(ctx context.Context, platform, environment, key string) (Flag, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
	`, platform, environment, key)

	flag, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("get active flag: %w", err)
	}

	return flag, nil
}

// ListActiveFlags returns one page of active flags for an environment,
// ordered by key, together with the cursor for the next page ("" when the
// listing is exhausted).
func (r *PostgresRepository) ListActiveFlags(ctx context.Context, platform, environment string, cursor Cursor, limit int) ([]Flag, Cursor, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list flags: %w", err)
	}
	limit = clampListLimit(limit)

	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE platform = $1 AND environment = $2 AND is_active
		ORDER BY key
		LIMIT $3 OFFSET $4
	`, platform, environment, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0, limit)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list flags rows: %w", err)
	}

	var next Cursor
	if len(flags) > limit {
		flags = flags[:limit]
		next = encodeCursor(offset + limit)
	}

	return flags, next, nil
}

// ListFlagVersions returns every version of a flag, newest first.
func (r *PostgresRepository) ListFlagVersions(ctx context.Context, platform, environment, key string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE platform = $1 AND environment = $2 AND key = $3
		ORDER BY version DESC
	`, platform, environment, key)
	if err != nil {
		return nil, fmt.Errorf("list flag versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag version: %w", err)
		}
		versions = append(versions, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flag versions rows: %w", err)
	}

	return versions, nil
}

// UpdateFlag creates a new version of a flag and retires the current one in
// a single transaction, conditional on expectedVersion still being active.
// Returns ErrVersionConflict (wrapped) if a concurrent writer got there
// first, or pgx.ErrNoRows (wrapped) if the key has no active version.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag, expectedVersion int) (Flag, error) {
	valueA, valueB, targeting, rollout, err := marshalFlagFields(flag)
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("begin update flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE flags SET is_active = FALSE, updated_at = NOW()
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active AND version = $4
	`, flag.Platform, flag.Environment, flag.Key, expectedVersion)
	if err != nil {
		return Flag{}, fmt.Errorf("retire flag version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Flag{}, r.activeVersionMismatch(ctx, tx, "flags", flag.Platform, flag.Environment, flag.Key, expectedVersion)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO flags (platform, environment, key, version, is_active, name, description,
			enabled, flag_type, value_a, value_b, targeting, rollout)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+flagColumns,
		flag.Platform, flag.Environment, flag.Key, expectedVersion+1,
		flag.Name, flag.Description, flag.Enabled, flag.Type,
		valueA, valueB, targeting, rollout,
	)

	updated, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("insert flag version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit update flag tx: %w", err)
	}

	return updated, nil
}

// SetFlagEnabled toggles the active version in place. Toggles are
// high-frequency operational changes and intentionally do not create a new
// version. Returns pgx.ErrNoRows (wrapped) if the key has no active version.
func (r *PostgresRepository) SetFlagEnabled(ctx context.Context, platform, environment, key string, enabled bool) (Flag, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE flags SET enabled = $4, updated_at = NOW()
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		RETURNING `+flagColumns,
		platform, environment, key, enabled,
	)

	flag, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("set flag enabled: %w", err)
	}

	return flag, nil
}

// UpdateFlagRollout replaces the rollout settings of the active version in
// place, without creating a new version.
func (r *PostgresRepository) UpdateFlagRollout(ctx context.Context, platform, environment, key string, rollout core.Rollout) (Flag, error) {
	encoded, err := json.Marshal(rollout)
	if err != nil {
		return Flag{}, fmt.Errorf("marshal rollout: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE flags SET rollout = $4, updated_at = NOW()
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		RETURNING `+flagColumns,
		platform, environment, key, encoded,
	)

	flag, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("update flag rollout: %w", err)
	}

	return flag, nil
}

// DeleteFlag removes every version of a flag. Returns pgx.ErrNoRows
// (wrapped) if the key has no versions at all.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, platform, environment, key string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM flags WHERE platform = $1 AND environment = $2 AND key = $3
	`, platform, environment, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

// activeVersionMismatch distinguishes "no active version" from "someone else
// won the race" after a conditional write affected zero rows.
func (r *PostgresRepository) activeVersionMismatch(ctx context.Context, tx pgx.Tx, table, platform, environment, key string, expectedVersion int) error {
	var currentVersion int
	err := tx.QueryRow(ctx,
		`SELECT version FROM `+table+` WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active`,
		platform, environment, key,
	).Scan(&currentVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("no active version for %q: %w", key, pgx.ErrNoRows)
	}
	if err != nil {
		return fmt.Errorf("resolve active version: %w", err)
	}

	return fmt.Errorf("expected version %d, active version is %d: %w", expectedVersion, currentVersion, ErrVersionConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (Flag, error) {
	var (
		flag                               Flag
		valueA, valueB, targeting, rollout []byte
	)
	if err := row.Scan(
		&flag.Platform,
		&flag.Environment,
		&flag.Key,
		&flag.Version,
		&flag.IsActive,
		&flag.Name,
		&flag.Description,
		&flag.Enabled,
		&flag.Type,
		&valueA,
		&valueB,
		&targeting,
		&rollout,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	); err != nil {
		return Flag{}, err
	}

	if err := json.Unmarshal(valueA, &flag.ValueA); err != nil {
		return Flag{}, fmt.Errorf("decode value_a: %w", err)
	}
	if err := json.Unmarshal(valueB, &flag.ValueB); err != nil {
		return Flag{}, fmt.Errorf("decode value_b: %w", err)
	}
	if err := json.Unmarshal(targeting, &flag.Targeting); err != nil {
		return Flag{}, fmt.Errorf("decode targeting: %w", err)
	}
	if err := json.Unmarshal(rollout, &flag.Rollout); err != nil {
		return Flag{}, fmt.Errorf("decode rollout: %w", err)
	}

	return flag, nil
}

func marshalFlagFields(flag Flag) (valueA, valueB, targeting, rollout []byte, err error) {
	if valueA, err = json.Marshal(flag.ValueA); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal value_a: %w", err)
	}
	if valueB, err = json.Marshal(flag.ValueB); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal value_b: %w", err)
	}
	if targeting, err = json.Marshal(flag.Targeting); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal targeting: %w", err)
	}
	if rollout, err = json.Marshal(flag.Rollout); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal rollout: %w", err)
	}
	return valueA, valueB, targeting, rollout, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}
