package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beacon-labs/beacon/internal/core"
)

// Experiment is the repository-level representation of one experiment
// version row.
type Experiment struct {
	Platform          string            `json:"platform"`
	Environment       string            `json:"environment"`
	Key               string            `json:"key"`
	Version           int               `json:"version"`
	IsActive          bool              `json:"is_active"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Status            core.Status       `json:"status"`
	Variations        []core.Variation  `json:"variations"`
	TrafficAllocation []core.Allocation `json:"traffic_allocation"`
	Targeting         core.Targeting    `json:"targeting"`
	PrimaryMetric     string            `json:"primary_metric"`
	ConfidenceLevel   float64           `json:"confidence_level"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Definition strips identity and audit metadata down to the decision-engine
// view of the experiment.
func (e Experiment) Definition() core.Experiment {
	return core.Experiment{
		Key:               e.Key,
		Status:            e.Status,
		Variations:        e.Variations,
		TrafficAllocation: e.TrafficAllocation,
		Targeting:         e.Targeting,
	}
}

// allocationMutableStatuses are the lifecycle states in which traffic
// allocation may still be changed.
var allocationMutableStatuses = []core.Status{core.StatusDraft, core.StatusRunning, core.StatusPaused}

const experimentColumns = `platform, environment, key, version, is_active, name, description,
	status, variations, traffic_allocation, targeting, primary_metric, confidence_level,
	created_at, updated_at`

// CreateExperiment inserts version 1 of a new experiment as the active
// version. New experiments always start in draft.
func (r *PostgresRepository) CreateExperiment(ctx context.Context, experiment Experiment) (Experiment, error) {
	variations, allocation, targeting, err := marshalExperimentFields(experiment)
	if err != nil {
		return Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO experiments (platform, environment, key, version, is_active, name, description,
			status, variations, traffic_allocation, targeting, primary_metric, confidence_level)
		VALUES ($1, $2, $3, 1, TRUE, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+experimentColumns,
		experiment.Platform, experiment.Environment, experiment.Key,
		experiment.Name, experiment.Description, core.StatusDraft,
		variations, allocation, targeting,
		experiment.PrimaryMetric, experiment.ConfidenceLevel,
	)

	created, err := scanExperiment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Experiment{}, fmt.Errorf("create experiment %q: %w", experiment.Key, ErrAlreadyExists)
		}
		return Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	return created, nil
}

// GetActiveExperiment resolves the single active version for the composite
// key. Returns pgx.ErrNoRows (wrapped) if the key has no active version.
func (r *PostgresRepository) GetActiveExperiment(ctx context.Context, platform, environment, key string) (Experiment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
	`, platform, environment, key)

	experiment, err := scanExperiment(row)
	if err != nil {
		return Experiment{}, fmt.Errorf("get active experiment: %w", err)
	}

	return experiment, nil
}

// ListActiveExperiments returns one page of active experiments for an
// environment, ordered by key, with the next-page cursor.
func (r *PostgresRepository) ListActiveExperiments(ctx context.Context, platform, environment string, cursor Cursor, limit int) ([]Experiment, Cursor, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list experiments: %w", err)
	}
	limit = clampListLimit(limit)

	rows, err := r.pool.Query(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments
		WHERE platform = $1 AND environment = $2 AND is_active
		ORDER BY key
		LIMIT $3 OFFSET $4
	`, platform, environment, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	experiments := make([]Experiment, 0, limit)
	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan experiment: %w", err)
		}
		experiments = append(experiments, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list experiments rows: %w", err)
	}

	var next Cursor
	if len(experiments) > limit {
		experiments = experiments[:limit]
		next = encodeCursor(offset + limit)
	}

	return experiments, next, nil
}

// ListExperimentVersions returns every version of an experiment, newest
// first.
func (r *PostgresRepository) ListExperimentVersions(ctx context.Context, platform, environment, key string) ([]Experiment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+experimentColumns+`
		FROM experiments
		WHERE platform = $1 AND environment = $2 AND key = $3
		ORDER BY version DESC
	`, platform, environment, key)
	if err != nil {
		return nil, fmt.Errorf("list experiment versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Experiment, 0)
	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment version: %w", err)
		}
		versions = append(versions, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiment versions rows: %w", err)
	}

	return versions, nil
}

// UpdateExperiment creates a new version and retires the current one in a
// single transaction, conditional on expectedVersion still being active.
// Full edits are only permitted while the experiment is in draft.
func (r *PostgresRepository) UpdateExperiment(ctx context.Context, experiment Experiment, expectedVersion int) (Experiment, error) {
	variations, allocation, targeting, err := marshalExperimentFields(experiment)
	if err != nil {
		return Experiment{}, fmt.Errorf("update experiment: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Experiment{}, fmt.Errorf("begin update experiment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStatus core.Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM experiments
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		FOR UPDATE
	`, experiment.Platform, experiment.Environment, experiment.Key).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return Experiment{}, fmt.Errorf("no active version for %q: %w", experiment.Key, pgx.ErrNoRows)
	}
	if err != nil {
		return Experiment{}, fmt.Errorf("lock active experiment: %w", err)
	}
	if currentStatus != core.StatusDraft {
		return Experiment{}, fmt.Errorf("experiment %q is %s, full edits require draft: %w",
			experiment.Key, currentStatus, ErrInvalidTransition)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE experiments SET is_active = FALSE, updated_at = NOW()
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active AND version = $4
	`, experiment.Platform, experiment.Environment, experiment.Key, expectedVersion)
	if err != nil {
		return Experiment{}, fmt.Errorf("retire experiment version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Experiment{}, r.activeVersionMismatch(ctx, tx, "experiments",
			experiment.Platform, experiment.Environment, experiment.Key, expectedVersion)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO experiments (platform, environment, key, version, is_active, name, description,
			status, variations, traffic_allocation, targeting, primary_metric, confidence_level)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+experimentColumns,
		experiment.Platform, experiment.Environment, experiment.Key, expectedVersion+1,
		experiment.Name, experiment.Description, core.StatusDraft,
		variations, allocation, targeting,
		experiment.PrimaryMetric, experiment.ConfidenceLevel,
	)

	updated, err := scanExperiment(row)
	if err != nil {
		return Experiment{}, fmt.Errorf("insert experiment version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Experiment{}, fmt.Errorf("commit update experiment tx: %w", err)
	}

	return updated, nil
}

// UpdateExperimentStatus applies a lifecycle transition to the active
// version in place. The current status is locked and validated against the
// status machine inside the transaction, so concurrent transitions
// serialize and invalid ones are rejected before any write.
func (r *PostgresRepository) UpdateExperimentStatus(ctx context.Context, platform, environment, key string, to core.Status) (Experiment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Experiment{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStatus core.Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM experiments
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		FOR UPDATE
	`, platform, environment, key).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return Experiment{}, fmt.Errorf("no active version for %q: %w", key, pgx.ErrNoRows)
	}
	if err != nil {
		return Experiment{}, fmt.Errorf("lock active experiment: %w", err)
	}

	if _, err := core.TransitionStatus(currentStatus, to); err != nil {
		return Experiment{}, fmt.Errorf("%v: %w", err, ErrInvalidTransition)
	}

	row := tx.QueryRow(ctx, `
		UPDATE experiments SET status = $4, updated_at = NOW()
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		RETURNING `+experimentColumns,
		platform, environment, key, to,
	)

	experiment, err := scanExperiment(row)
	if err != nil {
		return Experiment{}, fmt.Errorf("update experiment status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Experiment{}, fmt.Errorf("commit status tx: %w", err)
	}

	return experiment, nil
}

// UpdateExperimentAllocation replaces the traffic allocation of the active
// version in place. Allowed only while the experiment is in draft, running,
// or paused.
func (r *PostgresRepository) UpdateExperimentAllocation(ctx context.Context, platform, environment, key string, allocation []core.Allocation) (Experiment, error) {
	encoded, err := json.Marshal(allocation)
	if err != nil {
		return Experiment{}, fmt.Errorf("marshal traffic allocation: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Experiment{}, fmt.Errorf("begin allocation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStatus core.Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM experiments
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		FOR UPDATE
	`, platform, environment, key).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return Experiment{}, fmt.Errorf("no active version for %q: %w", key, pgx.ErrNoRows)
	}
	if err != nil {
		return Experiment{}, fmt.Errorf("lock active experiment: %w", err)
	}

	if !allocationMutable(currentStatus) {
		return Experiment{}, fmt.Errorf("experiment %q is %s, allocation updates require draft, running, or paused: %w",
			key, currentStatus, ErrInvalidTransition)
	}

	row := tx.QueryRow(ctx, `
		UPDATE experiments SET traffic_allocation = $4, updated_at = NOW()
		WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		RETURNING `+experimentColumns,
		platform, environment, key, encoded,
	)

	experiment, err := scanExperiment(row)
	if err != nil {
		return Experiment{}, fmt.Errorf("update experiment allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Experiment{}, fmt.Errorf("commit allocation tx: %w", err)
	}

	return experiment, nil
}

// DeleteExperiment removes every version of an experiment.
func (r *PostgresRepository) DeleteExperiment(ctx context.Context, platform, environment, key string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM experiments WHERE platform = $1 AND environment = $2 AND key = $3
	`, platform, environment, key)
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete experiment: %w", pgx.ErrNoRows)
	}

	return nil
}

func allocationMutable(status core.Status) bool {
	for _, allowed := range allocationMutableStatuses {
		if status == allowed {
			return true
		}
	}
	return false
}

func scanExperiment(row rowScanner) (Experiment, error) {
	var (
		experiment                        Experiment
		variations, allocation, targeting []byte
	)
	if err := row.Scan(
		&experiment.Platform,
		&experiment.Environment,
		&experiment.Key,
		&experiment.Version,
		&experiment.IsActive,
		&experiment.Name,
		&experiment.Description,
		&experiment.Status,
		&variations,
		&allocation,
		&targeting,
		&experiment.PrimaryMetric,
		&experiment.ConfidenceLevel,
		&experiment.CreatedAt,
		&experiment.UpdatedAt,
	); err != nil {
		return Experiment{}, err
	}

	if err := json.Unmarshal(variations, &experiment.Variations); err != nil {
		return Experiment{}, fmt.Errorf("decode variations: %w", err)
	}
	if err := json.Unmarshal(allocation, &experiment.TrafficAllocation); err != nil {
		return Experiment{}, fmt.Errorf("decode traffic_allocation: %w", err)
	}
	if err := json.Unmarshal(targeting, &experiment.Targeting); err != nil {
		return Experiment{}, fmt.Errorf("decode targeting: %w", err)
	}

	return experiment, nil
}

func marshalExperimentFields(experiment Experiment) (variations, allocation, targeting []byte, err error) {
	if variations, err = json.Marshal(experiment.Variations); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal variations: %w", err)
	}
	if allocation, err = json.Marshal(experiment.TrafficAllocation); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal traffic allocation: %w", err)
	}
	if targeting, err = json.Marshal(experiment.Targeting); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal targeting: %w", err)
	}
	return variations, allocation, targeting, nil
}
