package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Decision event types consumed by the stats pipeline.
const (
	EventTypeFlagEvaluation     = "flag_evaluation"
	EventTypeExperimentExposure = "experiment_exposure"
)

const maxEventBatchSize = 1000

// DecisionEvent records that a user context received a flag value or an
// experiment variation. Events are the raw input of the downstream stats
// aggregation and are written best-effort after each decision.
type DecisionEvent struct {
	ID          uuid.UUID `json:"id"`
	Seq         int64     `json:"seq"`
	EventType   string    `json:"event_type"`
	Platform    string    `json:"platform"`
	Environment string    `json:"environment"`
	Key         string    `json:"key"`
	Result      string    `json:"result"`
	UserID      string    `json:"user_id"`
	Country     string    `json:"country,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DefinitionChange is the payload sent over the NOTIFY channel whenever a
// flag or experiment definition mutates, so every server instance drops its
// cached copy.
type DefinitionChange struct {
	EntityType  string `json:"entity_type"`
	Platform    string `json:"platform"`
	Environment string `json:"environment"`
	Key         string `json:"key"`
	Action      string `json:"action"`
}

// InsertDecisionEvent appends one decision event. The generated ID and
// sequence number are filled in on the returned copy.
func (r *PostgresRepository) InsertDecisionEvent(ctx context.Context, event DecisionEvent) (DecisionEvent, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO decision_events (id, event_type, platform, environment, key, result, user_id, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at
	`,
		event.ID, event.EventType, event.Platform, event.Environment,
		event.Key, event.Result, event.UserID, event.Country,
	).Scan(&event.Seq, &event.CreatedAt)
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("insert decision event: %w", err)
	}

	return event, nil
}

// ListDecisionEventsSince returns up to 1000 decision events with sequence
// numbers greater than seq, oldest first. The stats pipeline uses this to
// pull batches without missing or double-counting events.
func (r *PostgresRepository) ListDecisionEventsSince(ctx context.Context, platform, environment string, seq int64) ([]DecisionEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, event_type, platform, environment, key, result, user_id, country, created_at
		FROM decision_events
		WHERE seq > $1 AND platform = $2 AND environment = $3
		ORDER BY seq
		LIMIT $4
	`, seq, platform, environment, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list decision events: %w", err)
	}
	defer rows.Close()

	events := make([]DecisionEvent, 0)
	for rows.Next() {
		var event DecisionEvent
		if err := rows.Scan(
			&event.ID,
			&event.Seq,
			&event.EventType,
			&event.Platform,
			&event.Environment,
			&event.Key,
			&event.Result,
			&event.UserID,
			&event.Country,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decision events rows: %w", err)
	}

	return events, nil
}

// NotifyDefinitionChange broadcasts a definition change on the configured
// NOTIFY channel. Mutations have already committed when this runs; the
// notification only shortens cache staleness, so callers treat failures as
// best-effort.
func (r *PostgresRepository) NotifyDefinitionChange(ctx context.Context, change DefinitionChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal definition change: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify definition change: %w", err)
	}

	return nil
}

// SubscribeDefinitionChanges returns a channel that receives a signal
// whenever a definition change notification arrives on the PostgreSQL
// LISTEN channel. The channel is closed if the underlying connection is
// lost; callers resubscribe.
func (r *PostgresRepository) SubscribeDefinitionChanges(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runDefinitionChangeListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runDefinitionChangeListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForDefinitionChanges(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForDefinitionChanges(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for definition change notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
