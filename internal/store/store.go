package store

import (
	"context"
	"errors"

	"github.com/loykin/appvisor/internal/descriptor"
)

// ErrEmpty is returned by Load when nothing has been dumped yet.
var ErrEmpty = errors.New("no saved descriptor set")

// Store persists the supervision set so it can be resurrected after a
// restart of the supervisor (pm2 save/resurrect).
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Save atomically replaces the saved set.
	Save(ctx context.Context, set descriptor.Set) error
	// Load returns the saved set in its original order.
	Load(ctx context.Context) (descriptor.Set, error)
	Close() error
}
