package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuthenticator checks credentials against PostgreSQL. Account
// passwords are stored as hex-encoded sha256 digests.
type PostgresAuthenticator struct {
	pool *pgxpool.Pool
}

func NewPostgresAuthenticator(ctx context.Context, databaseURL string) (*PostgresAuthenticator, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresAuthenticator{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			api_key TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account TEXT PRIMARY KEY,
			password_sha256 TEXT NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, creds Credentials) error {
	switch creds.Type {
	case TypeAPIKey:
		if creds.APIKey == "" {
			return ErrInvalidCredentials
		}
		var revoked bool
		err := a.pool.QueryRow(ctx,
			`SELECT revoked FROM api_keys WHERE api_key=$1`, creds.APIKey).Scan(&revoked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidCredentials
		}
		if err != nil {
			return fmt.Errorf("api key lookup: %w", err)
		}
		if revoked {
			return ErrInvalidCredentials
		}
		return nil
	case TypeAccount:
		if creds.Account == "" || creds.Password == "" {
			return ErrInvalidCredentials
		}
		var wantDigest string
		var disabled bool
		err := a.pool.QueryRow(ctx,
			`SELECT password_sha256, disabled FROM accounts WHERE account=$1`, creds.Account).Scan(&wantDigest, &disabled)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidCredentials
		}
		if err != nil {
			return fmt.Errorf("account lookup: %w", err)
		}
		if disabled {
			return ErrInvalidCredentials
		}
		got := sha256.Sum256([]byte(creds.Password))
		gotDigest := hex.EncodeToString(got[:])
		if subtle.ConstantTimeCompare([]byte(gotDigest), []byte(wantDigest)) != 1 {
			return ErrInvalidCredentials
		}
		return nil
	default:
		return ErrInvalidCredentials
	}
}

func (a *PostgresAuthenticator) Close() {
	a.pool.Close()
}
