// Package nats carries flow requests, speaker commands and results over NATS.
//
// Subjects are rooted at a configurable prefix:
//
//	<prefix>.request                  northbound requests in
//	<prefix>.speaker.request.<switch>  speaker requests out
//	<prefix>.speaker.response         speaker responses in
//	<prefix>.northbound.<flow>        operation results out
//
// Payloads are JSON. Trace context travels in message headers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/security/credentials"
)

// TransportConfig configures the NATS connection.
type TransportConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for connection identification
	Name string

	MaxReconnects int
	ReconnectWait time.Duration

	// Timeout bounds the dial and the flushes issued while starting up.
	Timeout time.Duration

	// Credentials for authentication (optional)
	Credentials credentials.Provider

	Logger *slog.Logger
}

// DefaultTransportConfig returns defaults for a local server.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		URL:           nats.DefaultURL,
		Name:          "flowhs",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect opens a NATS connection for config.
func Connect(ctx context.Context, config TransportConfig) (*nats.Conn, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	if config.Timeout > 0 {
		opts = append(opts, nats.Timeout(config.Timeout))
	}

	if config.Credentials != nil {
		auth, err := authOptions(ctx, config.Credentials)
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth...)
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func authOptions(ctx context.Context, provider credentials.Provider) ([]nats.Option, error) {
	creds, err := provider.GetCredentials(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		// Nothing configured: connect anonymously.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load NATS credentials: %w", err)
	}

	switch creds.Type {
	case credentials.CredentialTypeToken:
		return []nats.Option{nats.Token(creds.Token)}, nil
	case credentials.CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(creds.User, creds.Password)}, nil
	case credentials.CredentialTypeJWT:
		return []nats.Option{nats.UserJWTAndSeed(creds.JWTToken, creds.Seed)}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not supported for NATS", credentials.ErrInvalidCredentials, creds.Type)
	}
}

// Subjects names the subjects used under a prefix.
type Subjects struct {
	Prefix string
}

// Request is the subject northbound requests arrive on.
func (s Subjects) Request() string {
	return s.Prefix + ".request"
}

// Speaker is the subject requests for switchID are published to.
func (s Subjects) Speaker(switchID string) string {
	return s.Prefix + ".speaker.request." + switchID
}

// SpeakerResponse is the subject speaker responses arrive on.
func (s Subjects) SpeakerResponse() string {
	return s.Prefix + ".speaker.response"
}

// Northbound is the subject results for flowID are published to.
func (s Subjects) Northbound(flowID string) string {
	return s.Prefix + ".northbound." + flowID
}
