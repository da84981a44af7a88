package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidCredentials is returned for any credential check failure.
// Callers surface it as AUTH_FAILED and close the connection.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	TypeAPIKey  = "API_KEY"
	TypeAccount = "ACCOUNT"
)

// Credentials is what a REGISTER frame presents for authentication.
type Credentials struct {
	Type     string
	APIKey   string
	Account  string
	Password string
}

// Authenticator checks credentials. Implementations must treat empty
// keys and passwords as failures, never as anonymous access.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) error
}

// StaticAuthenticator validates against an in-process credential set.
// It is the default when no database is configured.
type StaticAuthenticator struct {
	keys        map[string]struct{}
	accounts    map[string]string
	allowAnyKey bool
}

// NewStaticAuthenticator builds an authenticator over the seeded keys
// and accounts. allowAnyKey is an explicit opt-in for local runs with no
// seeded credentials; without it an empty key set fails closed.
func NewStaticAuthenticator(apiKeys []string, accounts map[string]string, allowAnyKey bool) *StaticAuthenticator {
	a := &StaticAuthenticator{
		keys:        make(map[string]struct{}, len(apiKeys)),
		accounts:    make(map[string]string, len(accounts)),
		allowAnyKey: allowAnyKey,
	}
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			a.keys[k] = struct{}{}
		}
	}
	for account, password := range accounts {
		if strings.TrimSpace(account) != "" {
			a.accounts[account] = password
		}
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, creds Credentials) error {
	switch creds.Type {
	case TypeAPIKey:
		if creds.APIKey == "" {
			return ErrInvalidCredentials
		}
		if len(a.keys) == 0 {
			if a.allowAnyKey {
				return nil
			}
			return ErrInvalidCredentials
		}
		if _, ok := a.keys[creds.APIKey]; !ok {
			return ErrInvalidCredentials
		}
		return nil
	case TypeAccount:
		if creds.Account == "" || creds.Password == "" {
			return ErrInvalidCredentials
		}
		want, ok := a.accounts[creds.Account]
		if !ok || want != creds.Password {
			return ErrInvalidCredentials
		}
		return nil
	default:
		return ErrInvalidCredentials
	}
}
