package ledger

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/model"
)

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tx(id int64, sym string, side model.Side, qty, price string, at time.Duration) model.Transaction {
	return model.Transaction{
		ID:        id,
		AccountID: "acct-1",
		Symbol:    sym,
		Side:      side,
		Quantity:  d(qty),
		Price:     d(price),
		Timestamp: t0.Add(at),
	}
}

func liveTick(sym, price string) model.Tick {
	return model.NewTick(sym, d(price), nil, time.Now())
}

func TestBuildPositions_FIFODeterminism(t *testing.T) {
	txs := []model.Transaction{
		tx(1, "AAPL", model.Buy, "10", "100", 0),
		tx(2, "AAPL", model.Buy, "5", "110", time.Minute),
		tx(3, "AAPL", model.Sell, "12", "120", 2*time.Minute),
	}

	positions, violations := BuildPositions(txs, FIFO)
	require.Empty(t, violations)

	pos := positions["AAPL"]
	require.NotNil(t, pos)
	require.Len(t, pos.Lots, 1)
	assert.True(t, pos.Lots[0].Quantity.Equal(d("3")))
	assert.True(t, pos.Lots[0].Price.Equal(d("110")))
	assert.True(t, pos.AvgPrice().Equal(d("110")), "avg = %s", pos.AvgPrice())

	// 10 sold at +20, 2 sold at +10.
	assert.True(t, pos.RealizedPnL.Equal(d("220")), "realized = %s", pos.RealizedPnL)
}

func TestBuildPositions_OrderIndependentOfInput(t *testing.T) {
	ordered := []model.Transaction{
		tx(1, "AAPL", model.Buy, "10", "100", 0),
		tx(2, "AAPL", model.Buy, "5", "110", time.Minute),
		tx(3, "AAPL", model.Sell, "12", "120", 2*time.Minute),
	}
	shuffled := []model.Transaction{ordered[2], ordered[0], ordered[1]}

	a, _ := BuildPositions(ordered, FIFO)
	b, _ := BuildPositions(shuffled, FIFO)
	assert.Equal(t, a["AAPL"].Lots, b["AAPL"].Lots)
}

func TestSortTransactions_TieBreaksOnID(t *testing.T) {
	txs := []model.Transaction{
		tx(7, "X", model.Sell, "1", "1", 0),
		tx(3, "X", model.Buy, "1", "1", 0),
	}
	sorted := SortTransactions(txs)
	assert.Equal(t, int64(3), sorted[0].ID)
	assert.Equal(t, int64(7), sorted[1].ID)
	assert.Equal(t, int64(7), txs[0].ID, "input is not reordered")
}

func TestCompute_ZeroPositionExcluded(t *testing.T) {
	txs := []model.Transaction{
		tx(1, "MSFT", model.Buy, "10", "100", 0),
		tx(2, "MSFT", model.Sell, "10", "105", time.Minute),
	}
	report := Engine{Method: FIFO}.Compute(txs, nil)
	assert.Empty(t, report.Holdings)
	assert.True(t, report.RealizedPnL.Equal(d("50")))
}

func TestCompute_UnrealizedPnL(t *testing.T) {
	txs := []model.Transaction{tx(1, "BTCUSDT", model.Buy, "10", "100", 0)}

	report := Engine{Method: FIFO}.Compute(txs, map[string]model.Tick{
		"BTCUSDT": liveTick("BTCUSDT", "105"),
	})
	require.Len(t, report.Holdings, 1)
	h := report.Holdings[0]
	require.True(t, h.LivePrice.Valid)
	require.True(t, h.UnrealizedPnL.Valid)
	assert.True(t, h.UnrealizedPnL.Decimal.Equal(d("50")))
	assert.True(t, report.UnrealizedPnL().Equal(d("50")))
}

func TestCompute_NoLivePrice(t *testing.T) {
	txs := []model.Transaction{tx(1, "BTCUSDT", model.Buy, "10", "100", 0)}

	report := Engine{Method: FIFO}.Compute(txs, map[string]model.Tick{})
	require.Len(t, report.Holdings, 1)
	h := report.Holdings[0]
	assert.False(t, h.LivePrice.Valid)
	assert.False(t, h.UnrealizedPnL.Valid)
	assert.True(t, h.AvgPrice.Equal(d("100")))
}

func TestCompute_OversellIsViolation(t *testing.T) {
	txs := []model.Transaction{
		tx(1, "AAPL", model.Buy, "5", "100", 0),
		tx(2, "AAPL", model.Sell, "6", "100", time.Minute),
		tx(3, "AAPL", model.Buy, "1", "100", 2*time.Minute),
		tx(4, "MSFT", model.Buy, "2", "300", 0),
	}
	report := Engine{Method: FIFO}.Compute(txs, nil)

	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, "AAPL", v.Symbol)
	assert.Equal(t, int64(2), v.TransactionID)
	assert.True(t, errors.Is(v, ErrInsufficientLots))

	// AAPL is excluded, MSFT still reported.
	require.Len(t, report.Holdings, 1)
	assert.Equal(t, "MSFT", report.Holdings[0].Symbol)
}

func TestCompute_SellWithoutLots(t *testing.T) {
	report := Engine{Method: FIFO}.Compute([]model.Transaction{
		tx(1, "ETHUSDT", model.Sell, "1", "3000", 0),
	}, nil)
	require.Len(t, report.Violations, 1)
	assert.Empty(t, report.Holdings)
}

func TestCompute_InvalidTransaction(t *testing.T) {
	report := Engine{Method: FIFO}.Compute([]model.Transaction{
		tx(1, "ETHUSDT", model.Buy, "0", "3000", 0),
	}, nil)
	require.Len(t, report.Violations, 1)
	assert.True(t, errors.Is(report.Violations[0], model.ErrInvalidTransaction))
}

func TestCompute_HoldingsSortedAndNormalized(t *testing.T) {
	report := Engine{Method: FIFO}.Compute([]model.Transaction{
		tx(1, "msft", model.Buy, "1", "1", 0),
		tx(2, "AAPL", model.Buy, "1", "1", 0),
		tx(3, "MSFT", model.Buy, "1", "1", time.Second),
	}, nil)
	require.Len(t, report.Holdings, 2)
	assert.Equal(t, "AAPL", report.Holdings[0].Symbol)
	assert.Equal(t, "MSFT", report.Holdings[1].Symbol)
	assert.True(t, report.Holdings[1].Quantity.Equal(d("2")))
}

func TestWeightedAverage(t *testing.T) {
	txs := []model.Transaction{
		tx(1, "AAPL", model.Buy, "10", "100", 0),
		tx(2, "AAPL", model.Buy, "10", "110", time.Minute),
		tx(3, "AAPL", model.Sell, "5", "120", 2*time.Minute),
	}
	positions, violations := BuildPositions(txs, WeightedAverage)
	require.Empty(t, violations)

	pos := positions["AAPL"]
	require.Len(t, pos.Lots, 1)
	assert.True(t, pos.Quantity().Equal(d("15")))
	assert.True(t, pos.AvgPrice().Equal(d("105")), "avg = %s", pos.AvgPrice())
	assert.True(t, pos.RealizedPnL.Equal(d("75")))

	// FIFO on the same ledger keeps the newer lot's price weight.
	fifo, _ := BuildPositions(txs, FIFO)
	assert.Equal(t, "106.66666667", fifo["AAPL"].AvgPrice().Round(8).String())
}

func TestLotQuantityMatchesNetFlow(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var txs []model.Transaction
		net := decimal.Zero
		for i := 0; i < 40; i++ {
			qty := decimal.NewFromInt(int64(rng.Intn(20) + 1))
			price := decimal.NewFromInt(int64(rng.Intn(50) + 50))
			side := model.Buy
			if rng.Intn(3) == 0 && net.GreaterThanOrEqual(qty) {
				side = model.Sell
				net = net.Sub(qty)
			} else {
				net = net.Add(qty)
			}
			txs = append(txs, model.Transaction{
				ID: int64(i + 1), Symbol: "SYM", Side: side,
				Quantity: qty, Price: price, Timestamp: t0.Add(time.Duration(i) * time.Second),
			})
		}
		for _, m := range []CostBasisMethod{FIFO, WeightedAverage} {
			positions, violations := BuildPositions(txs, m)
			require.Empty(t, violations)
			got := decimal.Zero
			if pos, ok := positions["SYM"]; ok {
				got = pos.Quantity()
			}
			require.True(t, got.Equal(net), "%s round %d: lots %s, net %s", m, round, got, net)
		}
	}
}

func TestParseCostBasisMethod(t *testing.T) {
	cases := map[string]CostBasisMethod{
		"FIFO":             FIFO,
		"fifo":             FIFO,
		"WEIGHTED_AVERAGE": WeightedAverage,
		"average":          WeightedAverage,
	}
	for in, want := range cases {
		got, err := ParseCostBasisMethod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCostBasisMethod("LIFO")
	assert.Error(t, err)
	assert.Equal(t, "WEIGHTED_AVERAGE", WeightedAverage.String())
}
