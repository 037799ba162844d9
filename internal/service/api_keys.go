package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/beacon-labs/beacon/internal/repository"
)

// APIKeyCredential is returned exactly once, at key creation time. The token
// is the bearer credential SDK clients present ("keyID.secret"); only its
// hash is stored.
type APIKeyCredential struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
}

// CreateAPIKey mints a new API key scoped to a platform.
func (s *Service) CreateAPIKey(ctx context.Context, platform string) (APIKeyCredential, error) {
	if strings.TrimSpace(platform) == "" {
		return APIKeyCredential{}, fmt.Errorf("%w: platform is required", ErrValidation)
	}

	keyID, secret, err := s.repo.CreateAPIKey(ctx, platform)
	if err != nil {
		return APIKeyCredential{}, fmt.Errorf("create api key: %w", err)
	}

	return APIKeyCredential{
		ID:       keyID,
		Platform: platform,
		Token:    keyID + "." + secret,
	}, nil
}

// ListAPIKeys returns metadata for a platform's non-revoked keys.
func (s *Service) ListAPIKeys(ctx context.Context, platform string) ([]repository.APIKeyMeta, error) {
	if strings.TrimSpace(platform) == "" {
		return nil, fmt.Errorf("%w: platform is required", ErrValidation)
	}

	keys, err := s.repo.ListAPIKeys(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey revokes a key. Revocation is permanent; a revoked key fails
// bearer authentication on the next request.
func (s *Service) RevokeAPIKey(ctx context.Context, platform, keyID string) error {
	if strings.TrimSpace(platform) == "" || strings.TrimSpace(keyID) == "" {
		return fmt.Errorf("%w: platform and key id are required", ErrValidation)
	}

	if err := s.repo.RevokeAPIKey(ctx, platform, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("api key %q: %w", keyID, ErrNotFound)
		}
		return fmt.Errorf("revoke api key: %w", err)
	}

	return nil
}
