package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sqs/internal/domain"
	"sqs/internal/events"
	"sqs/internal/repo"
)

const apiKeyPrefix = "sqs_"

type APIKeyOptions struct {
	ActorID   string
	Name      string
	Role      string
	CreatedBy string
}

// CreateAPIKey stores a new key for an actor and returns the plain secret.
// Only the hash is kept, so the secret cannot be shown again.
func (e Engine) CreateAPIKey(ctx context.Context, opts APIKeyOptions) (domain.APIKey, string, error) {
	opts.ActorID = strings.TrimSpace(opts.ActorID)
	if opts.ActorID == "" {
		return domain.APIKey{}, "", RequestError{Err: fmt.Errorf("actor_id is required")}
	}
	if _, ok := e.Config.RBAC.Roles[opts.Role]; !ok {
		return domain.APIKey{}, "", RequestError{Err: fmt.Errorf("unknown role %q", opts.Role)}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		Role:      opts.Role,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.FormatTime(e.now()),
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = opts.ActorID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, opts.CreatedBy, events.EventPayload{
		"actor_id": key.ActorID,
		"role":     key.Role,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}
