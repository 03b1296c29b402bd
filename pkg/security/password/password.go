// Package password hashes the secrets the embedded NATS server checks
// client credentials against.
package password

import (
	"errors"
	"fmt"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost     = bcrypt.MinCost
	MaxCost     = bcrypt.MaxCost
	DefaultCost = 12

	// MaxLength is the longest secret bcrypt accepts.
	MaxLength = 72

	// MinEntropyBits is the strength ValidateStrength requires.
	MinEntropyBits = 60
)

var (
	ErrEmpty       = errors.New("password cannot be empty")
	ErrTooLong     = fmt.Errorf("password longer than %d bytes", MaxLength)
	ErrInvalidCost = fmt.Errorf("bcrypt cost must be within [%d, %d]", MinCost, MaxCost)
)

type options struct {
	cost int
}

// Option configures Hash.
type Option func(*options)

// WithCost sets the bcrypt cost factor.
func WithCost(cost int) Option {
	return func(o *options) {
		o.cost = cost
	}
}

// Hash returns the bcrypt hash of password.
func Hash(password string, opts ...Option) (string, error) {
	if password == "" {
		return "", ErrEmpty
	}
	if len(password) > MaxLength {
		return "", ErrTooLong
	}

	o := options{cost: DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cost < MinCost || o.cost > MaxCost {
		return "", ErrInvalidCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), o.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether password matches hash. A mismatch returns
// bcrypt.ErrMismatchedHashAndPassword.
func Compare(hash, password string) error {
	if hash == "" || password == "" {
		return ErrEmpty
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// IsHash reports whether s already is a bcrypt hash.
func IsHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// ValidateStrength rejects secrets below MinEntropyBits.
func ValidateStrength(password string) error {
	return passwordvalidator.Validate(password, MinEntropyBits)
}
