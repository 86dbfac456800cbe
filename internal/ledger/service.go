package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketpulse/internal/model"
)

// ServiceConfig tunes the holdings service.
type ServiceConfig struct {
	Method CostBasisMethod

	// MemoTTL caches a computed report per account. Zero disables memoization.
	MemoTTL time.Duration

	// MaxConcurrent bounds simultaneous computations. Zero means 4.
	MaxConcurrent int
}

type memoEntry struct {
	report Report
	at     time.Time
}

// Service answers holdings queries from a transaction source and a price cache.
type Service struct {
	source model.TransactionSource
	prices model.PriceReader
	engine Engine
	ttl    time.Duration
	slots  chan struct{}

	mu   sync.Mutex
	memo map[string]memoEntry
	gen  map[string]uint64 // bumped by Invalidate

	now func() time.Time

	// OnCompute is called after every non-memoized computation.
	OnCompute func(elapsed time.Duration, r Report)
}

// NewService wires a Service. prices may be nil, in which case every holding
// is reported without a live price.
func NewService(source model.TransactionSource, prices model.PriceReader, cfg ServiceConfig) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Service{
		source: source,
		prices: prices,
		engine: Engine{Method: cfg.Method},
		ttl:    cfg.MemoTTL,
		slots:  make(chan struct{}, cfg.MaxConcurrent),
		memo:   make(map[string]memoEntry),
		gen:    make(map[string]uint64),
		now:    time.Now,
	}
}

// Method returns the configured cost-basis method.
func (s *Service) Method() CostBasisMethod { return s.engine.Method }

// Holdings computes the account's holdings with unrealized P&L against the
// current price cache. Per-symbol ledger violations are reported inside the
// Report; only a failure to read the ledger is returned as an error.
func (s *Service) Holdings(ctx context.Context, accountID string) (Report, error) {
	if r, ok := s.cached(accountID); ok {
		return r, nil
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	defer func() { <-s.slots }()

	// Another caller may have filled the memo while we waited.
	if r, ok := s.cached(accountID); ok {
		return r, nil
	}

	start := s.now()
	s.mu.Lock()
	gen := s.gen[accountID]
	s.mu.Unlock()

	txs, err := s.source.Transactions(ctx, accountID)
	if err != nil {
		return Report{}, fmt.Errorf("load transactions for %s: %w", accountID, err)
	}

	var prices map[string]model.Tick
	if s.prices != nil {
		prices = s.prices.GetMany(ctx, Symbols(txs))
	}

	report := s.engine.Compute(txs, prices)
	report.AccountID = accountID

	if s.ttl > 0 {
		s.mu.Lock()
		// An append invalidated the account while this read was in flight.
		if s.gen[accountID] == gen {
			s.memo[accountID] = memoEntry{report: report, at: s.now()}
		}
		s.mu.Unlock()
	}
	if s.OnCompute != nil {
		s.OnCompute(s.now().Sub(start), report)
	}
	return report, nil
}

// Transactions returns the account's ledger in replay order.
func (s *Service) Transactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	txs, err := s.source.Transactions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load transactions for %s: %w", accountID, err)
	}
	return SortTransactions(txs), nil
}

// Invalidate drops the memoized report for an account, e.g. after an append.
func (s *Service) Invalidate(accountID string) {
	s.mu.Lock()
	delete(s.memo, accountID)
	s.gen[accountID]++
	s.mu.Unlock()
}

func (s *Service) cached(accountID string) (Report, bool) {
	if s.ttl <= 0 {
		return Report{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memo[accountID]
	if !ok || s.now().Sub(e.at) >= s.ttl {
		return Report{}, false
	}
	return e.report, true
}
