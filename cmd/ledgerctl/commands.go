package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"marketpulse/config"
	"marketpulse/internal/ledger"
	"marketpulse/internal/model"
	"marketpulse/internal/pricecache"
	redisstore "marketpulse/internal/store/redis"
	"marketpulse/internal/store/postgres"
	"marketpulse/internal/store/sqlite"
)

type store interface {
	model.TransactionStore
	Accounts(ctx context.Context) ([]string, error)
	DB() *sql.DB
}

// batchAppender is implemented by stores that can insert atomically.
type batchAppender interface {
	AppendBatch(ctx context.Context, txs []model.Transaction) ([]int64, error)
}

// env is the set of backends a command works against.
type env struct {
	cfg    *config.Config
	store  store
	rdb    *goredis.Client
	prices *redisstore.Cache
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.rdb != nil {
		e.rdb.Close()
	}
}

func openEnv(ctx context.Context, configPath string, withPrices bool) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}

	switch cfg.Ledger.Driver {
	case "postgres":
		e.store, err = postgres.Open(ctx, cfg.Ledger.PostgresDSN)
	default:
		if dir := filepath.Dir(cfg.Ledger.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		e.store, err = sqlite.Open(cfg.Ledger.SQLitePath)
	}
	if err != nil {
		return nil, err
	}

	// Only the redis cache is visible outside the marketd process.
	if withPrices && cfg.Cache.Backend == "redis" {
		e.rdb, err = redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			e.Close()
			return nil, err
		}
		policy := pricecache.NewPolicy(cfg.Cache.DefaultTTL, cfg.Cache.ClassTTL)
		for _, f := range cfg.Feeds {
			policy.Assign(f.Class, f.Symbols...)
		}
		e.prices = redisstore.NewCache(e.rdb, policy, nil)
	}
	return e, nil
}

// base carries what every command shares.
type base struct {
	configPath *string
	out        io.Writer
}

func (b base) open(ctx context.Context, withPrices bool) (*env, error) {
	p := ""
	if b.configPath != nil {
		p = *b.configPath
	}
	return openEnv(ctx, p, withPrices)
}

func commands(configPath *string, out io.Writer) []subcommands.Command {
	b := base{configPath: configPath, out: out}
	return []subcommands.Command{
		&appendCmd{base: b},
		&importCmd{base: b},
		&transactionsCmd{base: b},
		&holdingsCmd{base: b},
		&accountsCmd{base: b},
	}
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, "Error:", err)
	return subcommands.ExitFailure
}

// ── append ──

type appendCmd struct {
	base
	account string
	symbol  string
	side    string
	qty     string
	price   string
	at      string
}

func (*appendCmd) Name() string     { return "append" }
func (*appendCmd) Synopsis() string { return "append one transaction to the ledger" }
func (*appendCmd) Usage() string {
	return `ledgerctl append -account <id> -symbol <sym> -side BUY|SELL -qty <n> -price <p> [-at <RFC3339>]

  Appends a transaction. Entries are never edited; correct mistakes with an opposite entry.
`
}

func (c *appendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account ID.")
	f.StringVar(&c.symbol, "symbol", "", "Instrument symbol.")
	f.StringVar(&c.side, "side", "", "BUY or SELL.")
	f.StringVar(&c.qty, "qty", "", "Quantity (decimal).")
	f.StringVar(&c.price, "price", "", "Execution price (decimal).")
	f.StringVar(&c.at, "at", "", "Execution time, RFC 3339. Defaults to now.")
}

func (c *appendCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "Error: -account is required.")
		return subcommands.ExitUsageError
	}
	tx, err := parseTransaction(c.account, c.symbol, c.side, c.qty, c.price, c.at)
	if err != nil {
		return fail(err)
	}

	e, err := c.open(ctx, false)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	id, err := e.store.Append(ctx, tx)
	if err != nil {
		return fail(err)
	}
	fmt.Fprintf(c.out, "appended #%d %s %s %s @ %s\n", id, tx.Side, tx.Quantity, tx.Symbol, tx.Price)
	return subcommands.ExitSuccess
}

// ── import ──

type importCmd struct {
	base
	account string
	file    string
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "append transactions from a CSV file" }
func (*importCmd) Usage() string {
	return `ledgerctl import -account <id> -file <trades.csv>

  Reads rows of symbol,side,quantity,price[,timestamp]. A header row is skipped.
  Every row is validated before anything is written.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account ID.")
	f.StringVar(&c.file, "file", "", "CSV file, or - for stdin.")
}

func (c *importCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" || c.file == "" {
		fmt.Fprintln(os.Stderr, "Error: -account and -file are required.")
		return subcommands.ExitUsageError
	}
	var r io.Reader = os.Stdin
	if c.file != "-" {
		f, err := os.Open(c.file)
		if err != nil {
			return fail(err)
		}
		defer f.Close()
		r = f
	}
	txs, err := readCSV(r, c.account)
	if err != nil {
		return fail(err)
	}

	e, err := c.open(ctx, false)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	if ba, ok := e.store.(batchAppender); ok {
		if _, err := ba.AppendBatch(ctx, txs); err != nil {
			return fail(err)
		}
	} else {
		for i, tx := range txs {
			if _, err := e.store.Append(ctx, tx); err != nil {
				return fail(fmt.Errorf("row %d: %w", i+1, err))
			}
		}
	}
	fmt.Fprintf(c.out, "imported %d transactions into %s\n", len(txs), c.account)
	return subcommands.ExitSuccess
}

func readCSV(r io.Reader, account string) ([]model.Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}

	var txs []model.Transaction
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && strings.EqualFold(rec[0], "symbol") {
			continue
		}
		if len(rec) < 4 {
			return nil, fmt.Errorf("line %d: want symbol,side,quantity,price[,timestamp]", i+1)
		}
		at := ""
		if len(rec) > 4 {
			at = rec[4]
		}
		tx, err := parseTransaction(account, rec[0], rec[1], rec[2], rec[3], at)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		txs = append(txs, tx)
	}
	if len(txs) == 0 {
		return nil, errors.New("no transactions in input")
	}
	return txs, nil
}

func parseTransaction(account, symbol, side, qty, price, at string) (model.Transaction, error) {
	tx := model.Transaction{
		AccountID: account,
		Symbol:    model.NormalizeSymbol(symbol),
		Side:      model.Side(strings.ToUpper(strings.TrimSpace(side))),
		Timestamp: time.Now().UTC(),
	}
	var err error
	if tx.Quantity, err = decimal.NewFromString(strings.TrimSpace(qty)); err != nil {
		return tx, fmt.Errorf("quantity %q: %w", qty, err)
	}
	if tx.Price, err = decimal.NewFromString(strings.TrimSpace(price)); err != nil {
		return tx, fmt.Errorf("price %q: %w", price, err)
	}
	if at = strings.TrimSpace(at); at != "" {
		if tx.Timestamp, err = time.Parse(time.RFC3339, at); err != nil {
			return tx, fmt.Errorf("timestamp %q: %w", at, err)
		}
	}
	return tx, tx.Validate()
}

// ── transactions ──

type transactionsCmd struct {
	base
	account string
	asJSON  bool
}

func (*transactionsCmd) Name() string     { return "transactions" }
func (*transactionsCmd) Synopsis() string { return "list an account's ledger" }
func (*transactionsCmd) Usage() string {
	return `ledgerctl transactions -account <id> [-json]
`
}

func (c *transactionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account ID.")
	f.BoolVar(&c.asJSON, "json", false, "Print JSON instead of a table.")
}

func (c *transactionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "Error: -account is required.")
		return subcommands.ExitUsageError
	}
	e, err := c.open(ctx, false)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	txs, err := e.store.Transactions(ctx, c.account)
	if err != nil {
		return fail(err)
	}
	if c.asJSON {
		return printJSON(c.out, txs)
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "ID\tTIME\tSIDE\tSYMBOL\tQTY\tPRICE\t")
	for _, tx := range txs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t\n",
			tx.ID, tx.Timestamp.Format(time.RFC3339), tx.Side, tx.Symbol, tx.Quantity, tx.Price)
	}
	w.Flush()
	return subcommands.ExitSuccess
}

// ── holdings ──

type holdingsCmd struct {
	base
	account string
	method  string
	asJSON  bool
}

func (*holdingsCmd) Name() string     { return "holdings" }
func (*holdingsCmd) Synopsis() string { return "compute an account's holdings and P&L" }
func (*holdingsCmd) Usage() string {
	return `ledgerctl holdings -account <id> [-method FIFO|WEIGHTED_AVERAGE] [-json]

  Live prices come from the redis price cache when cache.backend is redis;
  otherwise unrealized P&L is left empty.
`
}

func (c *holdingsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account ID.")
	f.StringVar(&c.method, "method", "", "Cost-basis method. Defaults to the configured one.")
	f.BoolVar(&c.asJSON, "json", false, "Print JSON instead of a table.")
}

func (c *holdingsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "Error: -account is required.")
		return subcommands.ExitUsageError
	}
	e, err := c.open(ctx, true)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	name := c.method
	if name == "" {
		name = e.cfg.Ledger.CostBasis
	}
	method, err := ledger.ParseCostBasisMethod(name)
	if err != nil {
		return fail(err)
	}

	var prices model.PriceReader
	if e.prices != nil {
		prices = e.prices
	}
	svc := ledger.NewService(e.store, prices, ledger.ServiceConfig{Method: method})
	report, err := svc.Holdings(ctx, c.account)
	if err != nil {
		return fail(err)
	}
	if c.asJSON {
		return printJSON(c.out, report)
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "SYMBOL\tQTY\tAVG\tLIVE\tUNREALIZED\tREALIZED\t")
	for _, h := range report.Holdings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
			h.Symbol, h.Quantity, h.AvgPrice.StringFixed(2),
			nullable(h.LivePrice), nullable(h.UnrealizedPnL), h.RealizedPnL.StringFixed(2))
	}
	w.Flush()
	fmt.Fprintf(c.out, "\nmethod %s  realized %s  unrealized %s\n",
		report.Method, report.RealizedPnL.StringFixed(2), report.UnrealizedPnL().StringFixed(2))
	for _, v := range report.Violations {
		fmt.Fprintf(c.out, "violation: %v\n", v)
	}
	return subcommands.ExitSuccess
}

func nullable(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

// ── accounts ──

type accountsCmd struct {
	base
}

func (*accountsCmd) Name() string             { return "accounts" }
func (*accountsCmd) Synopsis() string         { return "list accounts with ledger entries" }
func (*accountsCmd) Usage() string            { return "ledgerctl accounts\n" }
func (*accountsCmd) SetFlags(_ *flag.FlagSet) {}

func (c *accountsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := c.open(ctx, false)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	accts, err := e.store.Accounts(ctx)
	if err != nil {
		return fail(err)
	}
	for _, a := range accts {
		fmt.Fprintln(c.out, a)
	}
	return subcommands.ExitSuccess
}

// ── snapshot ──

type snapshotCmd struct {
	base
}

func (*snapshotCmd) Name() string             { return "snapshot" }
func (*snapshotCmd) Synopsis() string         { return "print every fresh price in the redis cache" }
func (*snapshotCmd) Usage() string            { return "ledgerctl snapshot\n" }
func (*snapshotCmd) SetFlags(_ *flag.FlagSet) {}

func (c *snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	e, err := c.open(ctx, true)
	if err != nil {
		return fail(err)
	}
	defer e.Close()
	if e.prices == nil {
		return fail(errors.New("snapshot needs cache.backend=redis"))
	}
	return printJSON(c.out, e.prices.Snapshot(ctx))
}

func printJSON(w io.Writer, v any) subcommands.ExitStatus {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
