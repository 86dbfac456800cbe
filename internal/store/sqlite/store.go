// Package sqlite persists the transaction ledger in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// TransactionStore is an append-only ledger. Rows are never updated or deleted.
type TransactionStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path in WAL mode and applies the schema.
func Open(path string) (*TransactionStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Printf("[sqlite] opened ledger at %s", path)
	return &TransactionStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_transactions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			side       TEXT    NOT NULL CHECK (side IN ('BUY', 'SELL')),
			quantity   TEXT    NOT NULL,
			price      TEXT    NOT NULL,
			ts         INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions (account_id, id);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (s *TransactionStore) DB() *sql.DB { return s.db }

// Append validates and inserts tx, returning its assigned ID.
func (s *TransactionStore) Append(ctx context.Context, tx model.Transaction) (int64, error) {
	ids, err := s.AppendBatch(ctx, []model.Transaction{tx})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AppendBatch inserts txs in one database transaction. Nothing is written if any entry is invalid.
func (s *TransactionStore) AppendBatch(ctx context.Context, txs []model.Transaction) ([]int64, error) {
	for i, tx := range txs {
		if tx.AccountID == "" {
			return nil, fmt.Errorf("entry %d: %w: empty account", i, model.ErrInvalidTransaction)
		}
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := dbtx.PrepareContext(ctx, `
		INSERT INTO ledger_transactions (account_id, symbol, side, quantity, price, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		dbtx.Rollback()
		return nil, fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(txs))
	for _, tx := range txs {
		res, err := stmt.ExecContext(ctx, tx.AccountID, model.NormalizeSymbol(tx.Symbol), string(tx.Side),
			tx.Quantity.String(), tx.Price.String(), tx.Timestamp.UnixNano())
		if err != nil {
			dbtx.Rollback()
			return nil, fmt.Errorf("sqlite insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			dbtx.Rollback()
			return nil, fmt.Errorf("sqlite insert id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite commit: %w", err)
	}
	return ids, nil
}

// Transactions returns every entry for accountID in insertion order.
func (s *TransactionStore) Transactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.TransactionsAfter(ctx, accountID, 0)
}

// TransactionsAfter returns entries with id > afterID, for incremental reads.
func (s *TransactionStore) TransactionsAfter(ctx context.Context, accountID string, afterID int64) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, quantity, price, ts
		FROM ledger_transactions
		WHERE account_id = ? AND id > ?
		ORDER BY id ASC
	`, accountID, afterID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ledger: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			tx         model.Transaction
			side       string
			qty, price string
			ts         int64
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Symbol, &side, &qty, &price, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan ledger: %w", err)
		}
		tx.Side = model.Side(side)
		if tx.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("ledger row %d quantity: %w", tx.ID, err)
		}
		if tx.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("ledger row %d price: %w", tx.ID, err)
		}
		tx.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Accounts lists every account with at least one entry.
func (s *TransactionStore) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT account_id FROM ledger_transactions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query accounts: %w", err)
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

// Close closes the database.
func (s *TransactionStore) Close() error {
	return s.db.Close()
}
