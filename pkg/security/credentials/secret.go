package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"
)

// DefaultCacheTTL is how long decrypted credentials are reused.
const DefaultCacheTTL = 5 * time.Minute

// SecretData is the plaintext stored encrypted in the credentials file.
type SecretData struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SecretProvider decrypts credentials from a file with a gocloud.dev
// secrets keeper. The file is re-read once the cache expires, so rotating
// the file rotates the credentials.
//
// Keeper URLs follow gocloud.dev: "base64key://..." for a local key,
// "awskms://...", "gcpkms://...", "azurekeyvault://..." or "hashivault://..."
// when the matching driver is linked in.
type SecretProvider struct {
	keeper *secrets.Keeper
	path   string
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool
}

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL sets how long decrypted credentials are reused.
func WithCacheTTL(ttl time.Duration) SecretOption {
	return func(p *SecretProvider) {
		p.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SecretOption {
	return func(p *SecretProvider) {
		p.logger = logger
	}
}

// NewSecretProvider opens the keeper at keeperURL and loads the credentials
// encrypted in path.
func NewSecretProvider(ctx context.Context, keeperURL, path string, opts ...SecretOption) (*SecretProvider, error) {
	if keeperURL == "" {
		return nil, errors.New("secret keeper URL is required")
	}
	if path == "" {
		return nil, errors.New("credentials file is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{
		keeper: keeper,
		path:   path,
		ttl:    DefaultCacheTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("failed to load initial credentials: %w", err)
	}
	return p, nil
}

// GetCredentials returns cached credentials, reloading them once expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}

	if p.cached == nil || !time.Now().Before(p.cacheExpiry) {
		creds, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.cacheExpiry = time.Now().Add(p.ttl)
		p.logger.DebugContext(ctx, "Loaded NATS credentials",
			slog.String("path", p.path),
			slog.String("credentials", creds.String()),
		)
	}

	if p.cached.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

// Invalidate drops cached credentials so the next call reloads the file.
func (p *SecretProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var data SecretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret data: %w", err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}
	return data.Credentials, nil
}

// Close releases the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cached = nil
	return p.keeper.Close()
}

// StoreCredentials encrypts creds with the keeper at keeperURL and writes
// the ciphertext to path.
func StoreCredentials(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("failed to open keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
