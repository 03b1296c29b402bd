package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/security/credentials"
	"github.com/plaenen/flowhs/pkg/security/password"
)

// ErrServerNotReady is returned when an embedded server does not accept
// connections in time.
var ErrServerNotReady = errors.New("embedded NATS server not ready")

// EmbeddedServer wraps an in-process NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

// ServerOption configures an embedded server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	opts         server.Options
	readyTimeout time.Duration
	logger       *slog.Logger
}

// WithHost sets the listen host.
func WithHost(host string) ServerOption {
	return func(c *serverConfig) {
		c.opts.Host = host
	}
}

// WithPort sets the listen port. -1 picks a random free port.
func WithPort(port int) ServerOption {
	return func(c *serverConfig) {
		c.opts.Port = port
	}
}

// WithJetStream enables JetStream, storing in dir (a temp dir when empty).
func WithJetStream(dir string) ServerOption {
	return func(c *serverConfig) {
		c.opts.JetStream = true
		c.opts.StoreDir = dir
	}
}

// WithServerName sets the server name reported to clients.
func WithServerName(name string) ServerOption {
	return func(c *serverConfig) {
		c.opts.ServerName = name
	}
}

// WithUser accepts user with the password whose bcrypt hash is given.
func WithUser(user, passwordHash string) ServerOption {
	return func(c *serverConfig) {
		c.opts.Users = append(c.opts.Users, &server.User{Username: user, Password: passwordHash})
	}
}

// WithToken accepts clients presenting the token whose bcrypt hash is given.
func WithToken(tokenHash string) ServerOption {
	return func(c *serverConfig) {
		c.opts.Authorization = tokenHash
	}
}

// ServerAuth returns the options making an embedded server accept the
// credentials provider yields. No credentials leave the server open.
func ServerAuth(ctx context.Context, provider credentials.Provider, opts ...password.Option) ([]ServerOption, error) {
	creds, err := provider.GetCredentials(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load NATS credentials: %w", err)
	}

	var secret string
	switch creds.Type {
	case credentials.CredentialTypeToken:
		secret = creds.Token
	case credentials.CredentialTypeUserPassword:
		secret = creds.Password
	default:
		return nil, fmt.Errorf("%w: embedded server cannot check %s credentials", credentials.ErrInvalidCredentials, creds.Type)
	}

	if err := password.ValidateStrength(secret); err != nil {
		return nil, fmt.Errorf("%w: %w", credentials.ErrInvalidCredentials, err)
	}
	hash, err := password.Hash(secret, opts...)
	if err != nil {
		return nil, err
	}

	if creds.Type == credentials.CredentialTypeToken {
		return []ServerOption{WithToken(hash)}, nil
	}
	return []ServerOption{WithUser(creds.User, hash)}, nil
}

// WithReadyTimeout bounds how long StartEmbeddedServer waits for the server.
func WithReadyTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.readyTimeout = d
	}
}

// WithServerLogger sets the logger used for lifecycle messages.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// StartEmbeddedServer starts an embedded NATS server. Without options it
// listens on a random port of 127.0.0.1.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	cfg := serverConfig{
		opts: server.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoSigs: true,
			NoLog:  true,
		},
		readyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := server.NewServer(&cfg.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.readyTimeout) {
		s.Shutdown()
		return nil, ErrServerNotReady
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: cfg.logger,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server, waiting at most five seconds.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("NATS server shutdown timed out", slog.String("url", e.url))
		}
	})
}

// Ready reports whether the server accepts client connections within
// timeout. It does not authenticate.
func (e *EmbeddedServer) Ready(timeout time.Duration) bool {
	return e.server.ReadyForConnections(timeout)
}

// NumClients returns the number of connected clients.
func (e *EmbeddedServer) NumClients() int {
	return e.server.NumClients()
}

// Connect opens a plain client connection to the server.
func (e *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(e.url, opts...)
}
