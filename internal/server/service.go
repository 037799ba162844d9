package server

import (
	"context"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
	"github.com/beacon-labs/beacon/internal/service"
)

// Service is the application surface the HTTP transport exposes.
type Service interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, platform, environment, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, platform, environment string, cursor repository.Cursor, limit int) ([]repository.Flag, repository.Cursor, error)
	ListFlagVersions(ctx context.Context, platform, environment, key string) ([]repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag, expectedVersion int) (repository.Flag, error)
	SetFlagEnabled(ctx context.Context, platform, environment, key string, enabled bool) (repository.Flag, error)
	UpdateFlagRollout(ctx context.Context, platform, environment, key string, rollout core.Rollout) (repository.Flag, error)
	DeleteFlag(ctx context.Context, platform, environment, key string) error

	CreateExperiment(ctx context.Context, experiment repository.Experiment) (repository.Experiment, error)
	GetExperiment(ctx context.Context, platform, environment, key string) (repository.Experiment, error)
	ListExperiments(ctx context.Context, platform, environment string, cursor repository.Cursor, limit int) ([]repository.Experiment, repository.Cursor, error)
	ListExperimentVersions(ctx context.Context, platform, environment, key string) ([]repository.Experiment, error)
	UpdateExperiment(ctx context.Context, experiment repository.Experiment, expectedVersion int) (repository.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, platform, environment, key string, to core.Status) (repository.Experiment, error)
	UpdateExperimentAllocation(ctx context.Context, platform, environment, key string, allocation []core.Allocation) (repository.Experiment, error)
	DeleteExperiment(ctx context.Context, platform, environment, key string) error

	EvaluateFlag(ctx context.Context, platform, environment, key string, user core.UserContext) (service.FlagEvaluation, error)
	EvaluateExperiment(ctx context.Context, platform, environment, key string, user core.UserContext) (service.ExperimentEvaluation, error)

	ListDecisionEventsSince(ctx context.Context, platform, environment string, seq int64) ([]repository.DecisionEvent, error)
	ListAuditLog(ctx context.Context, platform, environment string, limit, offset int) ([]repository.AuditLogEntry, error)

	CreateAPIKey(ctx context.Context, platform string) (service.APIKeyCredential, error)
	ListAPIKeys(ctx context.Context, platform string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, platform, keyID string) error
}

var _ Service = (*service.Service)(nil)
