package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"portraitforge/internal/infra"
	"portraitforge/internal/sqlinline"
)

const (
	ProviderPortrait = "portrait_provider"
	ProviderWebhook  = "portrait_webhook"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

func (s *Store) ProviderAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderPortrait)
}

func (s *Store) WebhookSecret(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderWebhook)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetProviderAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("provider api key is required")
	}
	return s.upsert(ctx, ProviderPortrait, key, nil)
}

func (s *Store) SetWebhookSecret(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("webhook secret is required")
	}
	return s.upsert(ctx, ProviderWebhook, secret, nil)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}

// Resolve returns the env-provided value when set, otherwise the stored
// token. Env wins so deployments can rotate without a database write.
func Resolve(ctx context.Context, envValue string, lookup func(context.Context) (string, error)) (string, error) {
	if v := strings.TrimSpace(envValue); v != "" {
		return v, nil
	}
	return lookup(ctx)
}
