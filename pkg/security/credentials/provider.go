// Package credentials supplies NATS client credentials.
//
// Credentials come from a static value, environment variables, or a
// ciphertext file decrypted through a gocloud.dev secrets keeper:
//
//	provider, err := credentials.NewSecretProvider(ctx, "base64key://...", "/etc/flowhs/nats.enc")
//	creds, err := provider.GetCredentials(ctx)
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCredentialsExpired = errors.New("nats credentials expired")
	// ErrInvalidCredentials also covers secrets too weak for the embedded
	// broker.
	ErrInvalidCredentials = errors.New("invalid nats credentials")
	ErrProviderClosed     = errors.New("credentials provider closed")
	// ErrNoCredentials means nothing is configured. Callers connect
	// anonymously.
	ErrNoCredentials = errors.New("no nats credentials configured")
)

// CredentialType selects the NATS auth mechanism.
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"

	// CredentialTypeJWT is a NATS user JWT signed with Seed.
	CredentialTypeJWT CredentialType = "jwt"
)

// Credentials authenticate the NATS connection.
type Credentials struct {
	Type     CredentialType `json:"type"`
	Token    string         `json:"token,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`
	JWTToken string         `json:"jwt_token,omitempty"`
	Seed     string         `json:"seed,omitempty"`

	// ExpiresAt is nil for credentials that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate checks that the fields of the type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case CredentialTypeJWT:
		if c.JWTToken == "" || c.Seed == "" {
			return fmt.Errorf("%w: jwt_token and seed are required", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String never includes secrets.
func (c *Credentials) String() string {
	switch c.Type {
	case CredentialTypeUserPassword:
		return fmt.Sprintf("%s(%s)", c.Type, c.User)
	default:
		return string(c.Type)
	}
}

// Redacted returns JSON with every secret replaced by "***".
func (c *Credentials) Redacted() ([]byte, error) {
	redacted := *c
	for _, field := range []*string{&redacted.Token, &redacted.Password, &redacted.JWTToken, &redacted.Seed} {
		if *field != "" {
			*field = "***"
		}
	}
	return json.Marshal(redacted)
}

// Provider supplies the credentials of the engine connection and of the
// embedded broker. GetCredentials is called once per connection and once
// when the broker starts.
type Provider interface {
	GetCredentials(ctx context.Context) (*Credentials, error)
	Close() error
}
