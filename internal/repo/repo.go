// Package repo serializes typed entity collections to and from the
// key-value store. Each table is one whole JSON blob under a fixed key;
// every mutation is a read-modify-write of the entire collection, and
// callers own the read-modify-write discipline; there is no cross-table
// atomicity and no row-level protocol.
//
// A missing or corrupt blob reads as an empty collection. Corruption must
// never propagate to the caller: the UI layer above this core treats the
// store as always readable.
package repo

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tokensim/simcore/internal/bus"
	"github.com/tokensim/simcore/internal/kv"
	"github.com/tokensim/simcore/internal/metrics"
	"github.com/tokensim/simcore/internal/model"
)

// Repository exposes one typed Collection per table. Construct with New;
// the zero value is not usable.
type Repository struct {
	Profiles     Collection[model.UserProfile]
	Roles        Collection[model.UserRole]
	Investments  Collection[model.Investment]
	Orders       Collection[model.Order]
	Transactions Collection[model.Transaction]
}

// New binds a repository to a store and a change bus. The bus may be nil
// when no other context needs notifications (tests).
func New(store kv.Store, b bus.Bus) *Repository {
	return &Repository{
		Profiles:     Collection[model.UserProfile]{store: store, bus: b, table: model.TableProfiles},
		Roles:        Collection[model.UserRole]{store: store, bus: b, table: model.TableRoles},
		Investments:  Collection[model.Investment]{store: store, bus: b, table: model.TableInvestments},
		Orders:       Collection[model.Order]{store: store, bus: b, table: model.TableOrders},
		Transactions: Collection[model.Transaction]{store: store, bus: b, table: model.TableTransactions},
	}
}

// Collection is a typed view over one table key.
type Collection[T any] struct {
	store kv.Store
	bus   bus.Bus
	table string
}

// Table returns the collection's storage key.
func (c Collection[T]) Table() string { return c.table }

// ReadAll returns the current collection in insertion order. A missing key
// or an undecodable blob yields an empty slice; the error is non-nil only
// when the store itself could not be reached, so callers never mistake an
// outage for an empty table and clobber it on the next write.
func (c Collection[T]) ReadAll(ctx context.Context) ([]T, error) {
	raw, ok, err := c.store.Get(ctx, c.table)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []T{}, nil
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		slog.Warn("repo: corrupt collection, treating as empty", "table", c.table, "err", err)
		return []T{}, nil
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// WriteAll replaces the collection wholesale and notifies other contexts.
// On capacity exhaustion the previous blob survives untouched.
func (c Collection[T]) WriteAll(ctx context.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.table, string(data)); err != nil {
		metrics.StorageWriteFailures.Inc()
		slog.Error("repo: write dropped", "table", c.table, "err", err)
		return err
	}

	if c.bus != nil {
		if err := c.bus.Publish(ctx, bus.Change{Table: c.table, Kind: bus.KindWrite}); err != nil {
			// Other contexts miss this change until their next read;
			// the write itself is committed.
			slog.Warn("repo: change notification failed", "table", c.table, "err", err)
		}
	}
	return nil
}

// Insert appends one entity, preserving insertion order.
func (c Collection[T]) Insert(ctx context.Context, item T) error {
	items, err := c.ReadAll(ctx)
	if err != nil {
		return err
	}
	return c.WriteAll(ctx, append(items, item))
}
