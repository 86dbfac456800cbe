// Package postgres persists the transaction ledger in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"marketpulse/internal/model"
)

// TransactionStore is an append-only ledger on PostgreSQL. Quantities and
// prices are NUMERIC so no precision is lost on the way through.
type TransactionStore struct {
	db *sql.DB
}

// Open connects with dsn, pings, and applies the schema.
func Open(ctx context.Context, dsn string) (*TransactionStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &TransactionStore{db: db}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Printf("[postgres] ledger ready")
	return s, nil
}

// InitSchema creates the ledger table if missing.
func (s *TransactionStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id         BIGSERIAL PRIMARY KEY,
		account_id VARCHAR(64)  NOT NULL,
		symbol     VARCHAR(32)  NOT NULL,
		side       VARCHAR(4)   NOT NULL CHECK (side IN ('BUY', 'SELL')),
		quantity   NUMERIC      NOT NULL CHECK (quantity > 0),
		price      NUMERIC      NOT NULL CHECK (price > 0),
		ts         TIMESTAMPTZ  NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions(account_id, id);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (s *TransactionStore) DB() *sql.DB { return s.db }

// Append validates and inserts tx, returning its assigned ID.
func (s *TransactionStore) Append(ctx context.Context, tx model.Transaction) (int64, error) {
	if tx.AccountID == "" {
		return 0, fmt.Errorf("%w: empty account", model.ErrInvalidTransaction)
	}
	if err := tx.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions (account_id, symbol, side, quantity, price, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, tx.AccountID, model.NormalizeSymbol(tx.Symbol), string(tx.Side), tx.Quantity, tx.Price, tx.Timestamp.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres insert: %w", err)
	}
	return id, nil
}

// Transactions returns every entry for accountID in insertion order.
func (s *TransactionStore) Transactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.TransactionsAfter(ctx, accountID, 0)
}

// TransactionsAfter returns entries with id > afterID.
func (s *TransactionStore) TransactionsAfter(ctx context.Context, accountID string, afterID int64) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, quantity, price, ts
		FROM ledger_transactions
		WHERE account_id = $1 AND id > $2
		ORDER BY id ASC
	`, accountID, afterID)
	if err != nil {
		return nil, fmt.Errorf("postgres query ledger: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var side string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Symbol, &side, &tx.Quantity, &tx.Price, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres scan ledger: %w", err)
		}
		tx.Side = model.Side(side)
		tx.Timestamp = tx.Timestamp.UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Accounts lists every account with at least one entry.
func (s *TransactionStore) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT account_id FROM ledger_transactions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres query accounts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *TransactionStore) Close() error {
	return s.db.Close()
}
