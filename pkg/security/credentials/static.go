package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider always returns the same credentials.
// Meant for development and tests.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider creates a provider with a static token. A positive
// ttl makes the token expire.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	creds := &Credentials{Type: CredentialTypeToken, Token: token}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		creds.ExpiresAt = &exp
	}
	return &StaticProvider{creds: creds}
}

// NewStaticUserPasswordProvider creates a provider with static username/password
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{Type: CredentialTypeUserPassword, User: user, Password: password}}
}

func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	if err := p.creds.Validate(); err != nil {
		return nil, err
	}
	return p.creds, nil
}

func (p *StaticProvider) Close() error {
	return nil
}

// Environment variables read by EnvProvider.
const (
	EnvToken    = "FLOWHS_NATS_TOKEN"
	EnvUser     = "FLOWHS_NATS_USER"
	EnvPassword = "FLOWHS_NATS_PASSWORD"
)

// EnvProvider reads credentials from the environment on every call.
// A token wins over user/password.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider reading the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// NewEnvProviderWithLookup creates a provider reading variables through lookup.
func NewEnvProviderWithLookup(lookup func(string) (string, bool)) *EnvProvider {
	return &EnvProvider{lookup: lookup}
}

func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if token, ok := p.lookup(EnvToken); ok && token != "" {
		return &Credentials{Type: CredentialTypeToken, Token: token}, nil
	}

	user, hasUser := p.lookup(EnvUser)
	password, hasPassword := p.lookup(EnvPassword)
	switch {
	case !hasUser && !hasPassword:
		return nil, fmt.Errorf("%w: neither %s nor %s is set", ErrNoCredentials, EnvToken, EnvUser)
	case !hasPassword:
		return nil, fmt.Errorf("%w: %s is set without %s", ErrInvalidCredentials, EnvUser, EnvPassword)
	case !hasUser:
		return nil, fmt.Errorf("%w: %s is set without %s", ErrInvalidCredentials, EnvPassword, EnvUser)
	}

	creds := &Credentials{Type: CredentialTypeUserPassword, User: user, Password: password}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider tries providers in order and returns the first credentials found.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider creates a chain of providers
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var errs []error
	for _, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoCredentials
	}
	return nil, fmt.Errorf("%w: %w", ErrNoCredentials, errors.Join(errs...))
}

func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
