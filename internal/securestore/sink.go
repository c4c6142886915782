package securestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Sink.Read when no record exists for a key.
// Store.Get translates every unreadable record into this condition.
var ErrNotFound = errors.New("record not found")

// Sink reads and writes raw record bytes to persistent storage.
type Sink interface {
	// Read returns the stored bytes for key. Returns ErrNotFound if absent.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write persists data under key, replacing any existing record.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes the record for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
