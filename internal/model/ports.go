package model

import "context"

// ── Port Interfaces ──
// These decouple the hub, ledger and connectors from concrete backends
// (in-memory, Redis, SQLite, Postgres, Kafka).

// PriceCache holds the latest tick per symbol with bounded staleness.
// Read methods never return expired ticks and never fail: a backend error
// degrades to "absent" or an empty snapshot.
type PriceCache interface {
	// Put stores the tick unconditionally (last write wins).
	Put(ctx context.Context, t Tick) error

	// Get returns the tick for symbol if present and not expired.
	Get(ctx context.Context, symbol string) (Tick, bool)

	// GetMany batches Get. Absent or expired symbols are omitted.
	GetMany(ctx context.Context, symbols []string) map[string]Tick

	// Snapshot returns every non-expired tick.
	Snapshot(ctx context.Context) Snapshot

	// Close releases underlying resources.
	Close() error
}

// PriceReader is the read side of PriceCache.
type PriceReader interface {
	GetMany(ctx context.Context, symbols []string) map[string]Tick
}

// TickPublisher hands ticks to a broker for cross-process fan-out.
type TickPublisher interface {
	Publish(ctx context.Context, t Tick) error
	Close() error
}

// TickSubscriber delivers broker ticks to handle until ctx is cancelled.
type TickSubscriber interface {
	Run(ctx context.Context, handle func(Tick)) error
	Close() error
}

// TransactionSource reads an account's ledger.
type TransactionSource interface {
	// Transactions returns every transaction for the account, oldest first.
	Transactions(ctx context.Context, accountID string) ([]Transaction, error)
}

// TransactionAppender appends to the ledger. Stored entries are never updated.
type TransactionAppender interface {
	Append(ctx context.Context, tx Transaction) (int64, error)
}

// TransactionStore is the full append-only ledger store.
type TransactionStore interface {
	TransactionSource
	TransactionAppender
	Close() error
}
