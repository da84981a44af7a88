package auth

import (
	"context"
	"strings"
)

// NewAuthenticator creates a postgres-backed authenticator when
// configured, otherwise a static one seeded from config.
func NewAuthenticator(ctx context.Context, databaseURL string, apiKeys []string, allowAnyKey bool) (Authenticator, func(), error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewStaticAuthenticator(apiKeys, nil, allowAnyKey), func() {}, nil
	}
	pg, err := NewPostgresAuthenticator(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
