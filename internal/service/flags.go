package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
)

// FlagEvaluation is the result of deciding a flag for one user context.
type FlagEvaluation struct {
	Key    string              `json:"key"`
	Value  core.Value          `json:"value"`
	Source core.DecisionSource `json:"source"`
}

// CreateFlag validates and persists a new flag as version 1. A zero-value
// rollout is replaced with the canonical default (off, all traffic on A).
func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if err := validateScope(flag.Platform, flag.Environment, flag.Key); err != nil {
		return repository.Flag{}, err
	}
	if (flag.Rollout == core.Rollout{}) {
		flag.Rollout = core.DefaultRollout
	}
	targeting, err := canonicalizeTargeting(flag.Targeting)
	if err != nil {
		return repository.Flag{}, err
	}
	flag.Targeting = targeting
	if err := validateFlagDefinition(flag); err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return repository.Flag{}, fmt.Errorf("flag %q: %w", flag.Key, ErrConflict)
		}
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.setCachedFlag(created)
	s.notifyDefinitionChangeBestEffort(ctx, EntityFlag, created.Platform, created.Environment, created.Key, ActionCreated)

	return created, nil
}

// GetFlag returns the active version of a flag, reading through the cache.
func (s *Service) GetFlag(ctx context.Context, platform, environment, key string) (repository.Flag, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return repository.Flag{}, err
	}

	sc := scope{platform, environment, key}
	if flag, ok := s.getCachedFlag(sc); ok {
		return flag, nil
	}

	flag, err := s.repo.GetActiveFlag(ctx, platform, environment, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, fmt.Errorf("flag %q: %w", key, ErrNotFound)
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	s.setCachedFlag(flag)
	return flag, nil
}

// ListFlags returns one page of active flags in an environment.
func (s *Service) ListFlags(ctx context.Context, platform, environment string, cursor repository.Cursor, limit int) ([]repository.Flag, repository.Cursor, error) {
	flags, next, err := s.repo.ListActiveFlags(ctx, platform, environment, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list flags: %w", err)
	}

	return flags, next, nil
}

// ListFlagVersions returns the full version history of a flag, newest first.
func (s *Service) ListFlagVersions(ctx context.Context, platform, environment, key string) ([]repository.Flag, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return nil, err
	}

	versions, err := s.repo.ListFlagVersions(ctx, platform, environment, key)
	if err != nil {
		return nil, fmt.Errorf("list flag versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("flag %q: %w", key, ErrNotFound)
	}

	return versions, nil
}

// UpdateFlag validates the new definition and swaps it in as a new version,
// provided the caller edited the version that is still active.
func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag, expectedVersion int) (repository.Flag, error) {
	if err := validateScope(flag.Platform, flag.Environment, flag.Key); err != nil {
		return repository.Flag{}, err
	}
	targeting, err := canonicalizeTargeting(flag.Targeting)
	if err != nil {
		return repository.Flag{}, err
	}
	flag.Targeting = targeting
	if err := validateFlagDefinition(flag); err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, flag, expectedVersion)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			s.deleteCachedFlag(scope{flag.Platform, flag.Environment, flag.Key})
			return repository.Flag{}, fmt.Errorf("flag %q: %w", flag.Key, ErrNotFound)
		case errors.Is(err, repository.ErrVersionConflict):
			s.deleteCachedFlag(scope{flag.Platform, flag.Environment, flag.Key})
			return repository.Flag{}, fmt.Errorf("flag %q version %d: %w", flag.Key, expectedVersion, ErrConflict)
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.setCachedFlag(updated)
	s.notifyDefinitionChangeBestEffort(ctx, EntityFlag, updated.Platform, updated.Environment, updated.Key, ActionUpdated)

	return updated, nil
}

// SetFlagEnabled toggles the kill switch on the active version in place.
func (s *Service) SetFlagEnabled(ctx context.Context, platform, environment, key string, enabled bool) (repository.Flag, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.SetFlagEnabled(ctx, platform, environment, key, enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(scope{platform, environment, key})
			return repository.Flag{}, fmt.Errorf("flag %q: %w", key, ErrNotFound)
		}
		return repository.Flag{}, fmt.Errorf("set flag enabled: %w", err)
	}

	s.setCachedFlag(updated)
	s.notifyDefinitionChangeBestEffort(ctx, EntityFlag, platform, environment, key, ActionUpdated)

	return updated, nil
}

// UpdateFlagRollout changes the active version's rollout split in place.
func (s *Service) UpdateFlagRollout(ctx context.Context, platform, environment, key string, rollout core.Rollout) (repository.Flag, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return repository.Flag{}, err
	}
	if err := validateRollout(rollout); err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlagRollout(ctx, platform, environment, key, rollout)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(scope{platform, environment, key})
			return repository.Flag{}, fmt.Errorf("flag %q: %w", key, ErrNotFound)
		}
		return repository.Flag{}, fmt.Errorf("update flag rollout: %w", err)
	}

	s.setCachedFlag(updated)
	s.notifyDefinitionChangeBestEffort(ctx, EntityFlag, platform, environment, key, ActionUpdated)

	return updated, nil
}

// DeleteFlag removes a flag and its entire version history.
func (s *Service) DeleteFlag(ctx context.Context, platform, environment, key string) error {
	if err := validateScope(platform, environment, key); err != nil {
		return err
	}

	if err := s.repo.DeleteFlag(ctx, platform, environment, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(scope{platform, environment, key})
			return fmt.Errorf("flag %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.deleteCachedFlag(scope{platform, environment, key})
	s.notifyDefinitionChangeBestEffort(ctx, EntityFlag, platform, environment, key, ActionDeleted)

	return nil
}

// EvaluateFlag decides which value the user context receives and records a
// decision event for the stats pipeline. An empty user id is permitted for
// anonymous traffic; such requests still bucket deterministically but carry
// no cross-session stability.
func (s *Service) EvaluateFlag(ctx context.Context, platform, environment, key string, user core.UserContext) (FlagEvaluation, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return FlagEvaluation{}, err
	}

	flag, err := s.GetFlag(ctx, platform, environment, key)
	if err != nil {
		return FlagEvaluation{}, err
	}

	decision := core.DecideFlag(flag.Definition(), user)

	s.recordDecisionEventBestEffort(ctx, repository.DecisionEvent{
		EventType:   repository.EventTypeFlagEvaluation,
		Platform:    platform,
		Environment: environment,
		Key:         key,
		Result:      encodeDecisionResult(decision.Value),
		UserID:      user.UserID,
		Country:     user.Country,
	})

	return FlagEvaluation{
		Key:    key,
		Value:  decision.Value,
		Source: decision.Source,
	}, nil
}

// encodeDecisionResult renders a served value for the decision event stream.
// Marshalling Value cannot fail for definitions that passed validation.
func encodeDecisionResult(value core.Value) string {
	payload, err := json.Marshal(value)
	if err != nil {
		return ""
	}

	return string(payload)
}
