//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"golang.org/x/crypto/bcrypt"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "beacon_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/beacon_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/beacon_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	// Run goose migrations.
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	// Create pgxpool for repository usage.
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// testScope returns a unique (platform, environment) pair so tests stay
// isolated without truncating tables between runs.
func testScope(suffix string) (string, string) {
	return fmt.Sprintf("platform-%s-%s", suffix, randID()), "production"
}

func testFlag(platform, environment, key string) repository.Flag {
	return repository.Flag{
		Platform:    platform,
		Environment: environment,
		Key:         key,
		Name:        "Test Flag",
		Description: "integration test flag",
		Enabled:     true,
		Type:        core.FlagTypeString,
		ValueA:      core.StringValue("classic"),
		ValueB:      core.StringValue("redesign"),
		Targeting: core.Targeting{
			Countries: []core.CountryRule{{Country: "US", ServeValue: core.ServeValueB}},
		},
		Rollout: core.DefaultRollout,
	}
}

func testExperiment(platform, environment, key string) repository.Experiment {
	return repository.Experiment{
		Platform:    platform,
		Environment: environment,
		Key:         key,
		Name:        "Test Experiment",
		Variations: []core.Variation{
			{Key: "control", Name: "Control", Value: core.BoolValue(false), IsControl: true},
			{Key: "variant_1", Name: "Variant 1", Value: core.BoolValue(true)},
		},
		TrafficAllocation: []core.Allocation{
			{VariationKey: "control", Percentage: 50},
			{VariationKey: "variant_1", Percentage: 50},
		},
		PrimaryMetric:   "conversion",
		ConfidenceLevel: 0.95,
	}
}

// insertAPIKey inserts an API key directly and returns (keyID, rawSecret).
func insertAPIKey(t *testing.T, platform string) (string, string) {
	t.Helper()
	keyID := fmt.Sprintf("key-%s", randID())
	rawSecret := fmt.Sprintf("secret-%s", randID())
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(rawSecret), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("failed to hash API key: %v", err)
	}

	_, err = testPool.Exec(context.Background(), `
		INSERT INTO api_keys (id, platform, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, platform, "test-key", string(hashBytes))
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	return keyID, rawSecret
}

func countActiveVersions(t *testing.T, table, platform, environment, key string) int {
	t.Helper()
	var n int
	err := testPool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM `+table+` WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active`,
		platform, environment, key,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count active versions: %v", err)
	}
	return n
}

// ---------------------------------------------------------------------------
// Flag versioning
// ---------------------------------------------------------------------------

func TestFlagVersioning(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and get active", func(t *testing.T) {
		platform, environment := testScope("flag-create")

		created, err := repo.CreateFlag(ctx, testFlag(platform, environment, "checkout-redesign"))
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}
		if created.Version != 1 {
			t.Errorf("Version = %d, want 1", created.Version)
		}
		if !created.IsActive {
			t.Error("IsActive = false, want true")
		}
		if created.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetActiveFlag(ctx, platform, environment, "checkout-redesign")
		if err != nil {
			t.Fatalf("GetActiveFlag: %v", err)
		}
		if !got.ValueA.Equal(core.StringValue("classic")) || !got.ValueB.Equal(core.StringValue("redesign")) {
			t.Errorf("values did not roundtrip: A=%+v B=%+v", got.ValueA, got.ValueB)
		}
		if len(got.Targeting.Countries) != 1 || got.Targeting.Countries[0].Country != "US" {
			t.Errorf("targeting did not roundtrip: %+v", got.Targeting)
		}
	})

	t.Run("duplicate create returns already exists", func(t *testing.T) {
		platform, environment := testScope("flag-dup")

		if _, err := repo.CreateFlag(ctx, testFlag(platform, environment, "dup")); err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}
		_, err := repo.CreateFlag(ctx, testFlag(platform, environment, "dup"))
		if !errors.Is(err, repository.ErrAlreadyExists) {
			t.Fatalf("error = %v, want wrapping ErrAlreadyExists", err)
		}
	})

	t.Run("update creates new version and retires old", func(t *testing.T) {
		platform, environment := testScope("flag-update")

		flag := testFlag(platform, environment, "versioned")
		created, err := repo.CreateFlag(ctx, flag)
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}

		flag.Description = "second version"
		updated, err := repo.UpdateFlag(ctx, flag, created.Version)
		if err != nil {
			t.Fatalf("UpdateFlag: %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("Version = %d, want 2", updated.Version)
		}

		versions, err := repo.ListFlagVersions(ctx, platform, environment, "versioned")
		if err != nil {
			t.Fatalf("ListFlagVersions: %v", err)
		}
		if len(versions) != 2 {
			t.Fatalf("got %d versions, want 2", len(versions))
		}
		if versions[0].Version != 2 || !versions[0].IsActive {
			t.Errorf("versions[0] = v%d active=%v, want v2 active", versions[0].Version, versions[0].IsActive)
		}
		if versions[1].Version != 1 || versions[1].IsActive {
			t.Errorf("versions[1] = v%d active=%v, want v1 inactive", versions[1].Version, versions[1].IsActive)
		}

		if n := countActiveVersions(t, "flags", platform, environment, "versioned"); n != 1 {
			t.Errorf("active version rows = %d, want exactly 1", n)
		}
	})

	t.Run("stale expected version returns conflict", func(t *testing.T) {
		platform, environment := testScope("flag-conflict")

		flag := testFlag(platform, environment, "raced")
		created, err := repo.CreateFlag(ctx, flag)
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}
		if _, err := repo.UpdateFlag(ctx, flag, created.Version); err != nil {
			t.Fatalf("UpdateFlag: %v", err)
		}

		// Version 1 is retired; an editor still holding it must lose.
		_, err = repo.UpdateFlag(ctx, flag, created.Version)
		if !errors.Is(err, repository.ErrVersionConflict) {
			t.Fatalf("error = %v, want wrapping ErrVersionConflict", err)
		}
	})

	t.Run("update nonexistent returns no rows", func(t *testing.T) {
		platform, environment := testScope("flag-missing")

		_, err := repo.UpdateFlag(ctx, testFlag(platform, environment, "nonexistent"), 1)
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("toggle mutates active version in place", func(t *testing.T) {
		platform, environment := testScope("flag-toggle")

		created, err := repo.CreateFlag(ctx, testFlag(platform, environment, "toggled"))
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}

		toggled, err := repo.SetFlagEnabled(ctx, platform, environment, "toggled", false)
		if err != nil {
			t.Fatalf("SetFlagEnabled: %v", err)
		}
		if toggled.Enabled {
			t.Error("Enabled = true, want false")
		}
		if toggled.Version != created.Version {
			t.Errorf("Version = %d, want %d (toggle must not create a version)", toggled.Version, created.Version)
		}
	})

	t.Run("rollout update mutates active version in place", func(t *testing.T) {
		platform, environment := testScope("flag-rollout")

		created, err := repo.CreateFlag(ctx, testFlag(platform, environment, "rolled"))
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}

		updated, err := repo.UpdateFlagRollout(ctx, platform, environment, "rolled",
			core.Rollout{Enabled: true, PercentageA: 30, PercentageB: 70})
		if err != nil {
			t.Fatalf("UpdateFlagRollout: %v", err)
		}
		if !updated.Rollout.Enabled || updated.Rollout.PercentageA != 30 || updated.Rollout.PercentageB != 70 {
			t.Errorf("Rollout = %+v, want enabled 30/70", updated.Rollout)
		}
		if updated.Version != created.Version {
			t.Errorf("Version = %d, want %d", updated.Version, created.Version)
		}
	})

	t.Run("delete removes all versions", func(t *testing.T) {
		platform, environment := testScope("flag-delete")

		flag := testFlag(platform, environment, "doomed")
		created, err := repo.CreateFlag(ctx, flag)
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}
		if _, err := repo.UpdateFlag(ctx, flag, created.Version); err != nil {
			t.Fatalf("UpdateFlag: %v", err)
		}

		if err := repo.DeleteFlag(ctx, platform, environment, "doomed"); err != nil {
			t.Fatalf("DeleteFlag: %v", err)
		}

		_, err = repo.GetActiveFlag(ctx, platform, environment, "doomed")
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("error = %v, want wrapping pgx.ErrNoRows", err)
		}

		versions, err := repo.ListFlagVersions(ctx, platform, environment, "doomed")
		if err != nil {
			t.Fatalf("ListFlagVersions: %v", err)
		}
		if len(versions) != 0 {
			t.Errorf("got %d versions after delete, want 0", len(versions))
		}
	})

	t.Run("delete nonexistent returns no rows", func(t *testing.T) {
		platform, environment := testScope("flag-delete-missing")

		err := repo.DeleteFlag(ctx, platform, environment, "nonexistent")
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

func TestFlagPagination(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	platform, environment := testScope("flag-page")

	for _, key := range []string{"alpha", "beta", "gamma"} {
		if _, err := repo.CreateFlag(ctx, testFlag(platform, environment, key)); err != nil {
			t.Fatalf("CreateFlag %q: %v", key, err)
		}
	}

	first, next, err := repo.ListActiveFlags(ctx, platform, environment, "", 2)
	if err != nil {
		t.Fatalf("ListActiveFlags: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("got %d flags, want 2", len(first))
	}
	if first[0].Key != "alpha" || first[1].Key != "beta" {
		t.Errorf("unexpected order: %q, %q", first[0].Key, first[1].Key)
	}
	if next == "" {
		t.Fatal("expected non-empty next cursor")
	}

	second, next, err := repo.ListActiveFlags(ctx, platform, environment, next, 2)
	if err != nil {
		t.Fatalf("ListActiveFlags page 2: %v", err)
	}
	if len(second) != 1 || second[0].Key != "gamma" {
		t.Fatalf("page 2 = %v, want [gamma]", second)
	}
	if next != "" {
		t.Errorf("next cursor = %q, want empty at end of listing", next)
	}
}

// ---------------------------------------------------------------------------
// Experiment lifecycle
// ---------------------------------------------------------------------------

func TestExperimentLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create starts in draft", func(t *testing.T) {
		platform, environment := testScope("exp-create")

		experiment := testExperiment(platform, environment, "pricing-page")
		experiment.Status = core.StatusRunning // ignored on create
		created, err := repo.CreateExperiment(ctx, experiment)
		if err != nil {
			t.Fatalf("CreateExperiment: %v", err)
		}
		if created.Status != core.StatusDraft {
			t.Errorf("Status = %q, want draft", created.Status)
		}
		if len(created.Variations) != 2 {
			t.Errorf("got %d variations, want 2", len(created.Variations))
		}
	})

	t.Run("status transitions follow the lifecycle graph", func(t *testing.T) {
		platform, environment := testScope("exp-status")

		if _, err := repo.CreateExperiment(ctx, testExperiment(platform, environment, "lifecycle")); err != nil {
			t.Fatalf("CreateExperiment: %v", err)
		}

		running, err := repo.UpdateExperimentStatus(ctx, platform, environment, "lifecycle", core.StatusRunning)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if running.Status != core.StatusRunning {
			t.Errorf("Status = %q, want running", running.Status)
		}

		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "lifecycle", core.StatusPaused); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "lifecycle", core.StatusRunning); err != nil {
			t.Fatalf("resume: %v", err)
		}
		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "lifecycle", core.StatusCompleted); err != nil {
			t.Fatalf("complete: %v", err)
		}

		// Completed experiments never go back to serving traffic.
		_, err = repo.UpdateExperimentStatus(ctx, platform, environment, "lifecycle", core.StatusRunning)
		if !errors.Is(err, repository.ErrInvalidTransition) {
			t.Fatalf("error = %v, want wrapping ErrInvalidTransition", err)
		}

		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "lifecycle", core.StatusArchived); err != nil {
			t.Fatalf("archive: %v", err)
		}
	})

	t.Run("full edits require draft", func(t *testing.T) {
		platform, environment := testScope("exp-edit")

		experiment := testExperiment(platform, environment, "editable")
		created, err := repo.CreateExperiment(ctx, experiment)
		if err != nil {
			t.Fatalf("CreateExperiment: %v", err)
		}

		experiment.Description = "second draft"
		updated, err := repo.UpdateExperiment(ctx, experiment, created.Version)
		if err != nil {
			t.Fatalf("UpdateExperiment in draft: %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("Version = %d, want 2", updated.Version)
		}

		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "editable", core.StatusRunning); err != nil {
			t.Fatalf("start: %v", err)
		}

		_, err = repo.UpdateExperiment(ctx, experiment, updated.Version)
		if !errors.Is(err, repository.ErrInvalidTransition) {
			t.Fatalf("error = %v, want wrapping ErrInvalidTransition", err)
		}
	})

	t.Run("allocation mutable while running, frozen when completed", func(t *testing.T) {
		platform, environment := testScope("exp-alloc")

		if _, err := repo.CreateExperiment(ctx, testExperiment(platform, environment, "ramping")); err != nil {
			t.Fatalf("CreateExperiment: %v", err)
		}
		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "ramping", core.StatusRunning); err != nil {
			t.Fatalf("start: %v", err)
		}

		ramped, err := repo.UpdateExperimentAllocation(ctx, platform, environment, "ramping", []core.Allocation{
			{VariationKey: "control", Percentage: 20},
			{VariationKey: "variant_1", Percentage: 80},
		})
		if err != nil {
			t.Fatalf("UpdateExperimentAllocation: %v", err)
		}
		if ramped.TrafficAllocation[1].Percentage != 80 {
			t.Errorf("allocation = %+v, want variant_1 at 80", ramped.TrafficAllocation)
		}

		if _, err := repo.UpdateExperimentStatus(ctx, platform, environment, "ramping", core.StatusCompleted); err != nil {
			t.Fatalf("complete: %v", err)
		}

		_, err = repo.UpdateExperimentAllocation(ctx, platform, environment, "ramping", []core.Allocation{
			{VariationKey: "control", Percentage: 50},
			{VariationKey: "variant_1", Percentage: 50},
		})
		if !errors.Is(err, repository.ErrInvalidTransition) {
			t.Fatalf("error = %v, want wrapping ErrInvalidTransition", err)
		}
	})

	t.Run("delete removes all versions", func(t *testing.T) {
		platform, environment := testScope("exp-delete")

		if _, err := repo.CreateExperiment(ctx, testExperiment(platform, environment, "doomed")); err != nil {
			t.Fatalf("CreateExperiment: %v", err)
		}
		if err := repo.DeleteExperiment(ctx, platform, environment, "doomed"); err != nil {
			t.Fatalf("DeleteExperiment: %v", err)
		}
		_, err := repo.GetActiveExperiment(ctx, platform, environment, "doomed")
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Decision events
// ---------------------------------------------------------------------------

func TestDecisionEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("insert assigns id and sequence", func(t *testing.T) {
		platform, environment := testScope("events")

		inserted, err := repo.InsertDecisionEvent(ctx, repository.DecisionEvent{
			EventType:   repository.EventTypeFlagEvaluation,
			Platform:    platform,
			Environment: environment,
			Key:         "checkout-redesign",
			Result:      "redesign",
			UserID:      "user-1",
			Country:     "US",
		})
		if err != nil {
			t.Fatalf("InsertDecisionEvent: %v", err)
		}
		if inserted.Seq == 0 {
			t.Error("Seq = 0, want nonzero")
		}
		if inserted.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}
	})

	t.Run("list since filters by sequence and scope", func(t *testing.T) {
		platform, environment := testScope("events-filter")
		otherPlatform, _ := testScope("events-other")

		first, err := repo.InsertDecisionEvent(ctx, repository.DecisionEvent{
			EventType: repository.EventTypeFlagEvaluation,
			Platform:  platform, Environment: environment,
			Key: "flag-a", Result: "on", UserID: "u1",
		})
		if err != nil {
			t.Fatalf("insert first: %v", err)
		}

		second, err := repo.InsertDecisionEvent(ctx, repository.DecisionEvent{
			EventType: repository.EventTypeExperimentExposure,
			Platform:  platform, Environment: environment,
			Key: "exp-a", Result: "control", UserID: "u2",
		})
		if err != nil {
			t.Fatalf("insert second: %v", err)
		}

		if _, err := repo.InsertDecisionEvent(ctx, repository.DecisionEvent{
			EventType: repository.EventTypeFlagEvaluation,
			Platform:  otherPlatform, Environment: environment,
			Key: "flag-a", Result: "off", UserID: "u3",
		}); err != nil {
			t.Fatalf("insert other scope: %v", err)
		}

		events, err := repo.ListDecisionEventsSince(ctx, platform, environment, first.Seq)
		if err != nil {
			t.Fatalf("ListDecisionEventsSince: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		if events[0].Seq != second.Seq || events[0].EventType != repository.EventTypeExperimentExposure {
			t.Errorf("event = %+v, want the exposure event", events[0])
		}
	})
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeys(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create, validate, list, revoke", func(t *testing.T) {
		platform, _ := testScope("apikey")

		keyID, secret, err := repo.CreateAPIKey(ctx, platform)
		if err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}

		keyHash, gotPlatform, err := repo.ValidateAPIKey(ctx, keyID)
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}
		if gotPlatform != platform {
			t.Errorf("platform = %q, want %q", gotPlatform, platform)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(secret)); err != nil {
			t.Errorf("bcrypt hash mismatch: %v", err)
		}

		keys, err := repo.ListAPIKeys(ctx, platform)
		if err != nil {
			t.Fatalf("ListAPIKeys: %v", err)
		}
		if len(keys) != 1 || keys[0].ID != keyID {
			t.Fatalf("keys = %+v, want the created key", keys)
		}

		if err := repo.RevokeAPIKey(ctx, platform, keyID); err != nil {
			t.Fatalf("RevokeAPIKey: %v", err)
		}
		if _, _, err := repo.ValidateAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("error after revoke = %v, want wrapping pgx.ErrNoRows", err)
		}
		if err := repo.RevokeAPIKey(ctx, platform, keyID); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("double revoke error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("revoked key inserted directly fails validation", func(t *testing.T) {
		platform, _ := testScope("apikey-revoked")
		keyID, _ := insertAPIKey(t, platform)

		_, err := testPool.Exec(ctx, `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1`, keyID)
		if err != nil {
			t.Fatalf("revoke api key: %v", err)
		}

		if _, _, err := repo.ValidateAPIKey(ctx, keyID); err == nil {
			t.Fatal("expected error for revoked key, got nil")
		}
	})

	t.Run("revoke scoped to platform", func(t *testing.T) {
		platform, _ := testScope("apikey-scope")
		keyID, _ := insertAPIKey(t, platform)

		if err := repo.RevokeAPIKey(ctx, "wrong-platform", keyID); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("cross-platform revoke error = %v, want wrapping pgx.ErrNoRows", err)
		}
		if _, _, err := repo.ValidateAPIKey(ctx, keyID); err != nil {
			t.Fatalf("key should still validate: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func TestAuditLog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	platform, environment := testScope("audit")

	entries := []repository.AuditLogEntry{
		{Platform: platform, Environment: environment, EntityType: "flag", Key: "a", Action: "created", APIKeyID: "key-1"},
		{Platform: platform, Environment: environment, EntityType: "flag", Key: "a", Action: "updated", APIKeyID: "key-1",
			Details: json.RawMessage(`{"version":2}`)},
		{Platform: platform, Environment: environment, EntityType: "experiment", Key: "b", Action: "deleted"},
	}
	for _, entry := range entries {
		if err := repo.InsertAuditLog(ctx, entry); err != nil {
			t.Fatalf("InsertAuditLog: %v", err)
		}
	}

	got, err := repo.ListAuditLog(ctx, platform, environment, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	// Newest first.
	if got[0].Action != "deleted" || got[2].Action != "created" {
		t.Errorf("order = [%s %s %s], want newest first", got[0].Action, got[1].Action, got[2].Action)
	}
	if got[1].APIKeyID != "key-1" {
		t.Errorf("APIKeyID = %q, want key-1", got[1].APIKeyID)
	}
}

// ---------------------------------------------------------------------------
// Environment scoping
// ---------------------------------------------------------------------------

func TestEnvironmentScoping(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("same key in different environments is isolated", func(t *testing.T) {
		platform, _ := testScope("env-scope")

		prod := testFlag(platform, "production", "shared-name")
		prod.Description = "production flag"
		if _, err := repo.CreateFlag(ctx, prod); err != nil {
			t.Fatalf("CreateFlag production: %v", err)
		}

		staging := testFlag(platform, "staging", "shared-name")
		staging.Description = "staging flag"
		staging.Enabled = false
		if _, err := repo.CreateFlag(ctx, staging); err != nil {
			t.Fatalf("CreateFlag staging: %v", err)
		}

		gotProd, err := repo.GetActiveFlag(ctx, platform, "production", "shared-name")
		if err != nil {
			t.Fatalf("GetActiveFlag production: %v", err)
		}
		if gotProd.Description != "production flag" || !gotProd.Enabled {
			t.Errorf("production flag = %+v", gotProd)
		}

		gotStaging, err := repo.GetActiveFlag(ctx, platform, "staging", "shared-name")
		if err != nil {
			t.Fatalf("GetActiveFlag staging: %v", err)
		}
		if gotStaging.Description != "staging flag" || gotStaging.Enabled {
			t.Errorf("staging flag = %+v", gotStaging)
		}
	})

	t.Run("deleting in one environment does not affect the other", func(t *testing.T) {
		platform, _ := testScope("env-delete")

		if _, err := repo.CreateFlag(ctx, testFlag(platform, "production", "same-key")); err != nil {
			t.Fatalf("CreateFlag production: %v", err)
		}
		if _, err := repo.CreateFlag(ctx, testFlag(platform, "staging", "same-key")); err != nil {
			t.Fatalf("CreateFlag staging: %v", err)
		}

		if err := repo.DeleteFlag(ctx, platform, "production", "same-key"); err != nil {
			t.Fatalf("DeleteFlag production: %v", err)
		}

		if _, err := repo.GetActiveFlag(ctx, platform, "staging", "same-key"); err != nil {
			t.Fatalf("GetActiveFlag staging after production delete: %v", err)
		}
	})
}
