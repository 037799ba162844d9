package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
)

// ExperimentEvaluation is the result of deciding an experiment for one user
// context. Variation is nil when the context is not eligible.
type ExperimentEvaluation struct {
	Key       string          `json:"key"`
	Eligible  bool            `json:"eligible"`
	Variation *core.Variation `json:"variation,omitempty"`
}

// CreateExperiment validates and persists a new experiment as version 1 in
// draft status.
func (s *Service) CreateExperiment(ctx context.Context, experiment repository.Experiment) (repository.Experiment, error) {
	if err := validateScope(experiment.Platform, experiment.Environment, experiment.Key); err != nil {
		return repository.Experiment{}, err
	}
	targeting, err := canonicalizeTargeting(experiment.Targeting)
	if err != nil {
		return repository.Experiment{}, err
	}
	experiment.Targeting = targeting
	if err := validateExperimentDefinition(experiment); err != nil {
		return repository.Experiment{}, err
	}

	created, err := s.repo.CreateExperiment(ctx, experiment)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", experiment.Key, ErrConflict)
		}
		return repository.Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	s.setCachedExperiment(created)
	s.notifyDefinitionChangeBestEffort(ctx, EntityExperiment, created.Platform, created.Environment, created.Key, ActionCreated)

	return created, nil
}

// GetExperiment returns the active version of an experiment, reading through
// the cache.
func (s *Service) GetExperiment(ctx context.Context, platform, environment, key string) (repository.Experiment, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return repository.Experiment{}, err
	}

	sc := scope{platform, environment, key}
	if experiment, ok := s.getCachedExperiment(sc); ok {
		return experiment, nil
	}

	experiment, err := s.repo.GetActiveExperiment(ctx, platform, environment, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", key, ErrNotFound)
		}
		return repository.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}

	s.setCachedExperiment(experiment)
	return experiment, nil
}

// ListExperiments returns one page of active experiments in an environment.
func (s *Service) ListExperiments(ctx context.Context, platform, environment string, cursor repository.Cursor, limit int) ([]repository.Experiment, repository.Cursor, error) {
	experiments, next, err := s.repo.ListActiveExperiments(ctx, platform, environment, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list experiments: %w", err)
	}

	return experiments, next, nil
}

// ListExperimentVersions returns the full version history of an experiment,
// newest first.
func (s *Service) ListExperimentVersions(ctx context.Context, platform, environment, key string) ([]repository.Experiment, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return nil, err
	}

	versions, err := s.repo.ListExperimentVersions(ctx, platform, environment, key)
	if err != nil {
		return nil, fmt.Errorf("list experiment versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("experiment %q: %w", key, ErrNotFound)
	}

	return versions, nil
}

// UpdateExperiment swaps in a new version of a draft experiment, provided
// the caller edited the version that is still active. Running and later
// experiments are immutable except for status and allocation changes.
func (s *Service) UpdateExperiment(ctx context.Context, experiment repository.Experiment, expectedVersion int) (repository.Experiment, error) {
	if err := validateScope(experiment.Platform, experiment.Environment, experiment.Key); err != nil {
		return repository.Experiment{}, err
	}
	targeting, err := canonicalizeTargeting(experiment.Targeting)
	if err != nil {
		return repository.Experiment{}, err
	}
	experiment.Targeting = targeting
	if err := validateExperimentDefinition(experiment); err != nil {
		return repository.Experiment{}, err
	}

	updated, err := s.repo.UpdateExperiment(ctx, experiment, expectedVersion)
	if err != nil {
		sc := scope{experiment.Platform, experiment.Environment, experiment.Key}
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			s.deleteCachedExperiment(sc)
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", experiment.Key, ErrNotFound)
		case errors.Is(err, repository.ErrVersionConflict):
			s.deleteCachedExperiment(sc)
			return repository.Experiment{}, fmt.Errorf("experiment %q version %d: %w", experiment.Key, expectedVersion, ErrConflict)
		case errors.Is(err, repository.ErrInvalidTransition):
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", experiment.Key, ErrInvalidTransition)
		}
		return repository.Experiment{}, fmt.Errorf("update experiment: %w", err)
	}

	s.setCachedExperiment(updated)
	s.notifyDefinitionChangeBestEffort(ctx, EntityExperiment, updated.Platform, updated.Environment, updated.Key, ActionUpdated)

	return updated, nil
}

// UpdateExperimentStatus moves the experiment through its lifecycle. Only
// transitions permitted by the status machine succeed.
func (s *Service) UpdateExperimentStatus(ctx context.Context, platform, environment, key string, to core.Status) (repository.Experiment, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return repository.Experiment{}, err
	}
	if !to.Valid() {
		return repository.Experiment{}, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}

	updated, err := s.repo.UpdateExperimentStatus(ctx, platform, environment, key, to)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			s.deleteCachedExperiment(scope{platform, environment, key})
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", key, ErrNotFound)
		case errors.Is(err, repository.ErrInvalidTransition):
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", key, ErrInvalidTransition)
		}
		return repository.Experiment{}, fmt.Errorf("update experiment status: %w", err)
	}

	s.setCachedExperiment(updated)
	s.notifyDefinitionChangeBestEffort(ctx, EntityExperiment, platform, environment, key, ActionUpdated)

	return updated, nil
}

// UpdateExperimentAllocation changes the traffic split of the active version
// in place. Allocation stays mutable while an experiment can still serve
// traffic; completed and archived experiments reject changes.
func (s *Service) UpdateExperimentAllocation(ctx context.Context, platform, environment, key string, allocation []core.Allocation) (repository.Experiment, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return repository.Experiment{}, err
	}

	current, err := s.GetExperiment(ctx, platform, environment, key)
	if err != nil {
		return repository.Experiment{}, err
	}

	variationKeys := make(map[string]struct{}, len(current.Variations))
	for _, variation := range current.Variations {
		variationKeys[variation.Key] = struct{}{}
	}
	if err := validateAllocation(allocation, variationKeys); err != nil {
		return repository.Experiment{}, err
	}

	updated, err := s.repo.UpdateExperimentAllocation(ctx, platform, environment, key, allocation)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			s.deleteCachedExperiment(scope{platform, environment, key})
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", key, ErrNotFound)
		case errors.Is(err, repository.ErrInvalidTransition):
			return repository.Experiment{}, fmt.Errorf("experiment %q: %w", key, ErrInvalidTransition)
		}
		return repository.Experiment{}, fmt.Errorf("update experiment allocation: %w", err)
	}

	s.setCachedExperiment(updated)
	s.notifyDefinitionChangeBestEffort(ctx, EntityExperiment, platform, environment, key, ActionUpdated)

	return updated, nil
}

// DeleteExperiment removes an experiment and its entire version history.
func (s *Service) DeleteExperiment(ctx context.Context, platform, environment, key string) error {
	if err := validateScope(platform, environment, key); err != nil {
		return err
	}

	if err := s.repo.DeleteExperiment(ctx, platform, environment, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedExperiment(scope{platform, environment, key})
			return fmt.Errorf("experiment %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete experiment: %w", err)
	}

	s.deleteCachedExperiment(scope{platform, environment, key})
	s.notifyDefinitionChangeBestEffort(ctx, EntityExperiment, platform, environment, key, ActionDeleted)

	return nil
}

// EvaluateExperiment decides which variation the user context receives. An
// exposure event is recorded only when the decision engine asks for one, so
// stats never count forced or ineligible users as exposed.
func (s *Service) EvaluateExperiment(ctx context.Context, platform, environment, key string, user core.UserContext) (ExperimentEvaluation, error) {
	if err := validateScope(platform, environment, key); err != nil {
		return ExperimentEvaluation{}, err
	}

	experiment, err := s.GetExperiment(ctx, platform, environment, key)
	if err != nil {
		return ExperimentEvaluation{}, err
	}

	definition := experiment.Definition()
	decision := core.DecideExperiment(definition, user)

	if decision.RecordExposure {
		s.recordDecisionEventBestEffort(ctx, repository.DecisionEvent{
			EventType:   repository.EventTypeExperimentExposure,
			Platform:    platform,
			Environment: environment,
			Key:         key,
			Result:      decision.VariationKey,
			UserID:      user.UserID,
			Country:     user.Country,
		})
	}

	evaluation := ExperimentEvaluation{Key: key, Eligible: decision.Eligible}
	if decision.Eligible {
		for i := range definition.Variations {
			if definition.Variations[i].Key == decision.VariationKey {
				variation := definition.Variations[i]
				evaluation.Variation = &variation
				break
			}
		}
	}

	return evaluation, nil
}
