// Package cycles persists trading cycles keyed by market. The durable store
// is the single source of truth; saves use a compare-and-swap version token
// so concurrent writers cannot overwrite each other's state.
package cycles

import (
	"context"

	"github.com/pkg/errors"

	"upcycle/internal/domain"
)

var (
	// ErrNotFound marks a market without any persisted cycle.
	ErrNotFound = errors.New("cycle not found")
	// ErrVersionConflict marks a save whose expected version no longer
	// matches the stored one; the caller aborts its mutation and re-reads.
	ErrVersionConflict = errors.New("cycle version conflict")
)

// Store is the durable cycle persistence interface. Save with
// expectedVersion 0 creates the market's first record (or replaces a
// terminal cycle); any other value must equal the current stored version.
type Store interface {
	Load(ctx context.Context, market string) (*domain.TradingCycle, uint64, error)
	Save(ctx context.Context, market string, cycle *domain.TradingCycle, expectedVersion uint64) (uint64, error)
	ListActiveMarkets(ctx context.Context) ([]string, error)
}
