// Package service implements the decision-facing application layer: flag and
// experiment management with write-time validation, an in-memory definition
// cache kept fresh via LISTEN/NOTIFY, and the evaluate operations that feed
// decision events to the stats pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
)

const (
	bestEffortTimeout   = 2 * time.Second
	cacheResyncInterval = time.Minute
)

var (
	// ErrNotFound indicates the flag or experiment key has no active version.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a create collided with an existing key, or an
	// update raced with another writer. The caller should re-read and retry.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition indicates a lifecycle change the experiment status
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrValidation indicates a definition that fails write-time validation.
	// The message carries the specific violation.
	ErrValidation = errors.New("validation failed")
)

// Entity and action labels used for change notifications and the audit log.
const (
	EntityFlag       = "flag"
	EntityExperiment = "experiment"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Repository is the persistence surface the service depends on. It is
// satisfied by [repository.PostgresRepository].
type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetActiveFlag(ctx context.Context, platform, environment, key string) (repository.Flag, error)
	ListActiveFlags(ctx context.Context, platform, environment string, cursor repository.Cursor, limit int) ([]repository.Flag, repository.Cursor, error)
	ListFlagVersions(ctx context.Context, platform, environment, key string) ([]repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag, expectedVersion int) (repository.Flag, error)
	SetFlagEnabled(ctx context.Context, platform, environment, key string, enabled bool) (repository.Flag, error)
	UpdateFlagRollout(ctx context.Context, platform, environment, key string, rollout core.Rollout) (repository.Flag, error)
	DeleteFlag(ctx context.Context, platform, environment, key string) error

	CreateExperiment(ctx context.Context, experiment repository.Experiment) (repository.Experiment, error)
	GetActiveExperiment(ctx context.Context, platform, environment, key string) (repository.Experiment, error)
	ListActiveExperiments(ctx context.Context, platform, environment string, cursor repository.Cursor, limit int) ([]repository.Experiment, repository.Cursor, error)
	ListExperimentVersions(ctx context.Context, platform, environment, key string) ([]repository.Experiment, error)
	UpdateExperiment(ctx context.Context, experiment repository.Experiment, expectedVersion int) (repository.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, platform, environment, key string, to core.Status) (repository.Experiment, error)
	UpdateExperimentAllocation(ctx context.Context, platform, environment, key string, allocation []core.Allocation) (repository.Experiment, error)
	DeleteExperiment(ctx context.Context, platform, environment, key string) error

	CreateAPIKey(ctx context.Context, platform string) (string, string, error)
	ListAPIKeys(ctx context.Context, platform string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, platform, keyID string) error

	InsertDecisionEvent(ctx context.Context, event repository.DecisionEvent) (repository.DecisionEvent, error)
	ListDecisionEventsSince(ctx context.Context, platform, environment string, seq int64) ([]repository.DecisionEvent, error)
	NotifyDefinitionChange(ctx context.Context, change repository.DefinitionChange) error
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, platform, environment string, limit, offset int) ([]repository.AuditLogEntry, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeDefinitionChanges(ctx context.Context) (<-chan struct{}, error)
}

// scope identifies one definition within a platform/environment namespace.
type scope struct {
	platform    string
	environment string
	key         string
}

// Service coordinates validation, persistence, caching, and decision event
// publishing. Evaluate calls read definitions through the cache; mutations
// write through the repository and broadcast invalidations.
type Service struct {
	repo           Repository
	resyncInterval time.Duration
	onInvalidation func()

	mu          sync.RWMutex
	flags       map[scope]repository.Flag
	experiments map[scope]repository.Experiment
}

// Option configures a [Service].
type Option func(*Service)

// WithCacheResyncInterval overrides how often the definition cache is dropped
// wholesale as a safety net against missed notifications.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithCacheInvalidationHook registers a callback invoked every time the
// definition cache is flushed, typically a metrics counter.
func WithCacheInvalidationHook(hook func()) Option {
	return func(s *Service) {
		s.onInvalidation = hook
	}
}

// New creates a Service. When the repository supports definition change
// subscriptions, a background listener keeps the cache coherent across
// server instances.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		resyncInterval: cacheResyncInterval,
		flags:          make(map[scope]repository.Flag),
		experiments:    make(map[scope]repository.Experiment),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// FlushCache drops every cached definition. The next read for each key goes
// back to the repository.
func (s *Service) FlushCache() {
	s.mu.Lock()
	s.flags = make(map[scope]repository.Flag)
	s.experiments = make(map[scope]repository.Experiment)
	s.mu.Unlock()

	if s.onInvalidation != nil {
		s.onInvalidation()
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeDefinitionChanges(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeDefinitionChanges(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.FlushCache()
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeDefinitionChanges(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.FlushCache()
			}
		}
	}()

	return nil
}

// ListDecisionEventsSince exposes the decision event feed for the stats
// pipeline: events with sequence numbers greater than seq, oldest first.
func (s *Service) ListDecisionEventsSince(ctx context.Context, platform, environment string, seq int64) ([]repository.DecisionEvent, error) {
	events, err := s.repo.ListDecisionEventsSince(ctx, platform, environment, seq)
	if err != nil {
		return nil, fmt.Errorf("list decision events since %d: %w", seq, err)
	}

	return events, nil
}

// ListAuditLog returns audit entries for an environment, newest first.
func (s *Service) ListAuditLog(ctx context.Context, platform, environment string, limit, offset int) ([]repository.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.repo.ListAuditLog(ctx, platform, environment, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}

	return entries, nil
}

func (s *Service) getCachedFlag(sc scope) (repository.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.flags[sc]
	s.mu.RUnlock()

	return flag, ok
}

func (s *Service) setCachedFlag(flag repository.Flag) {
	s.mu.Lock()
	s.flags[scope{flag.Platform, flag.Environment, flag.Key}] = flag
	s.mu.Unlock()
}

func (s *Service) deleteCachedFlag(sc scope) {
	s.mu.Lock()
	delete(s.flags, sc)
	s.mu.Unlock()
}

func (s *Service) getCachedExperiment(sc scope) (repository.Experiment, bool) {
	s.mu.RLock()
	experiment, ok := s.experiments[sc]
	s.mu.RUnlock()

	return experiment, ok
}

func (s *Service) setCachedExperiment(experiment repository.Experiment) {
	s.mu.Lock()
	s.experiments[scope{experiment.Platform, experiment.Environment, experiment.Key}] = experiment
	s.mu.Unlock()
}

func (s *Service) deleteCachedExperiment(sc scope) {
	s.mu.Lock()
	delete(s.experiments, sc)
	s.mu.Unlock()
}

// notifyDefinitionChangeBestEffort broadcasts a change so other instances
// drop their cached copy, and records the mutation in the audit log. The
// mutation has already committed; failures here only extend staleness.
func (s *Service) notifyDefinitionChangeBestEffort(ctx context.Context, entityType, platform, environment, key, action string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	_ = s.repo.NotifyDefinitionChange(notifyCtx, repository.DefinitionChange{
		EntityType:  entityType,
		Platform:    platform,
		Environment: environment,
		Key:         key,
		Action:      action,
	})
	_ = s.repo.InsertAuditLog(notifyCtx, repository.AuditLogEntry{
		Platform:    platform,
		Environment: environment,
		EntityType:  entityType,
		Key:         key,
		Action:      action,
		APIKeyID:    ActorFromContext(ctx),
	})
}

// recordDecisionEventBestEffort appends a decision event after an evaluate
// call. Event loss is tolerated; decision results are never blocked on the
// stats pipeline.
func (s *Service) recordDecisionEventBestEffort(ctx context.Context, event repository.DecisionEvent) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	_, _ = s.repo.InsertDecisionEvent(publishCtx, event)
}

type actorContextKey struct{}

// WithActor attaches the authenticated API key ID to the context so
// mutations can attribute audit log entries.
func WithActor(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, apiKeyID)
}

// ActorFromContext returns the API key ID attached by [WithActor], or "".
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}
