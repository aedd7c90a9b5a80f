package vault

import (
	"context"
	"fmt"
	"time"
)

// Key prefixes. One namespace per record kind.
const (
	credentialPrefix   = "credential:"
	exchangeCodePrefix = "exchange_code:"
)

// CredentialKey returns the store key for a user's credential record.
func CredentialKey(userID string) string { return credentialPrefix + userID }

// ExchangeCodeKey returns the store key for a single-use exchange code.
func ExchangeCodeKey(code string) string { return exchangeCodePrefix + code }

// Store is a TTL key-value store. Absence of a key is a normal outcome,
// reported through the bool return, not an error. Implementations must
// be safe for concurrent use and carry an explicit lifecycle; there is
// no package-level client.
type Store interface {
	// Set writes val under key. ttl of zero means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Get reads key. The bool is false when the key is absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Take reads and deletes key in one step. At most one caller
	// observes a given value.
	Take(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}

// NewStore builds a store from the configured backend name.
func NewStore(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
