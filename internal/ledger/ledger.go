// Package ledger records which exact sets of stock assets have already been
// assembled into an output, so repeated jobs for the same term vary their
// footage.
//
// A ledger only stores membership of canonical combination keys. It never
// stores ordering or durations and entries are never removed.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ErrPersist is returned when a registration cannot be written to the backing
// store. Read failures are never reported; a ledger that cannot be read is
// treated as empty.
var ErrPersist = errors.New("ledger: persist failed")

// Ledger is the port used by the selector.
type Ledger interface {
	// Contains reports whether the exact set of ids has been registered.
	// An empty set is never contained.
	Contains(ctx context.Context, ids []string) (bool, error)

	// Register marks the set of ids as used. Registering an empty set is a
	// no-op; registering an existing set is idempotent.
	Register(ctx context.Context, ids []string) error
}

// Locker is implemented by ledgers that can serialize a read-decide-write
// sequence across callers. The returned unlock func must be called exactly
// once.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Key returns the canonical combination key for ids: blank ids dropped,
// duplicates removed, sorted and joined with ",". The key of an empty set is
// the empty string.
func Key(ids []string) string {
	clean := lo.Uniq(lo.Filter(ids, func(id string, _ int) bool {
		return strings.TrimSpace(id) != ""
	}))
	sort.Strings(clean)
	return strings.Join(clean, ",")
}
