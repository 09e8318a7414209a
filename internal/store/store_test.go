package store

import (
	"context"
	"testing"

	"optra/internal/backtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRunLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := &RunRecord{
		ID:         "run-1",
		Kind:       KindBacktest,
		Symbol:     "BTCUSDT",
		Timeframe:  "1h",
		StrategyID: "ma_crossover",
		Status:     backtest.RunStatusPending,
		Config:     datatypes.JSON(`{"initial_capital":10000}`),
	}
	require.NoError(t, st.CreateRun(ctx, rec))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, KindBacktest, got.Kind)
	assert.Equal(t, backtest.RunStatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.JSONEq(t, `{"initial_capital":10000}`, string(got.Config))

	require.NoError(t, st.UpdateRunStatus(ctx, "run-1", backtest.RunStatusRunning, ""))
	got, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	metrics := backtest.Metrics{Trades: 3, TotalReturn: 0.05}
	require.NoError(t, st.FinishRun(ctx, "run-1", 1.25, metrics, map[string]any{"note": "ok"}))
	got, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusDone, got.Status)
	assert.Equal(t, 1.25, got.Fitness)
	require.NotNil(t, got.CompletedAt)
	assert.Contains(t, string(got.Metrics), `"total_return":0.05`)
	assert.JSONEq(t, `{"note":"ok"}`, string(got.Payload))
}

func TestStoreFailedRunSetsCompletedAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &RunRecord{ID: "run-f", Kind: KindOptimize, Status: backtest.RunStatusRunning}))
	require.NoError(t, st.UpdateRunStatus(ctx, "run-f", backtest.RunStatusFailed, "数据不足"))

	got, err := st.GetRun(ctx, "run-f")
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusFailed, got.Status)
	assert.Equal(t, "数据不足", got.Message)
	assert.NotNil(t, got.CompletedAt)
}

func TestStoreTradesAndEquityRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &RunRecord{ID: "run-t", Kind: KindBacktest, Status: backtest.RunStatusDone}))

	trades := []backtest.Trade{
		{Symbol: "BTCUSDT", Side: backtest.SideLong, EntryTime: 200, ExitTime: 300, EntryPrice: 100, ExitPrice: 105, Size: 1, PnL: 5, PnLPct: 0.05, HoldingMs: 100, ExitReason: backtest.ExitReasonTarget},
		{Symbol: "BTCUSDT", Side: backtest.SideShort, EntryTime: 100, ExitTime: 150, EntryPrice: 110, ExitPrice: 112, Size: 1, PnL: -2, PnLPct: -0.018, HoldingMs: 50, ExitReason: backtest.ExitReasonStop},
	}
	require.NoError(t, st.SaveTrades(ctx, "run-t", trades))

	got, err := st.TradesByRun(ctx, "run-t")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// 按开仓时间升序返回
	assert.Equal(t, int64(100), got[0].EntryTime)
	assert.Equal(t, string(backtest.SideShort), got[0].Side)
	assert.Equal(t, 5.0, got[1].PnL)
	assert.Equal(t, backtest.ExitReasonTarget, got[1].ExitReason)

	points := []backtest.EquityPoint{
		{TS: 100, Equity: 10000, Drawdown: 0},
		{TS: 200, Equity: 9900, Drawdown: 0.01},
	}
	require.NoError(t, st.SaveEquity(ctx, "run-t", points))
	equity, err := st.EquityByRun(ctx, "run-t")
	require.NoError(t, err)
	require.Len(t, equity, 2)
	assert.Equal(t, 9900.0, equity[1].Equity)
	assert.Equal(t, 0.01, equity[1].Drawdown)

	// 空集写入直接通过
	assert.NoError(t, st.SaveTrades(ctx, "run-t", nil))
	assert.NoError(t, st.SaveEquity(ctx, "run-t", nil))
}

func TestStoreListRunsFiltersByKind(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &RunRecord{ID: "a", Kind: KindBacktest, Status: backtest.RunStatusDone}))
	require.NoError(t, st.CreateRun(ctx, &RunRecord{ID: "b", Kind: KindOptimize, Status: backtest.RunStatusDone}))
	require.NoError(t, st.CreateRun(ctx, &RunRecord{ID: "c", Kind: KindBacktest, Status: backtest.RunStatusFailed}))

	all, err := st.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	backtests, err := st.ListRuns(ctx, KindBacktest, 10)
	require.NoError(t, err)
	require.Len(t, backtests, 2)
	for _, r := range backtests {
		assert.Equal(t, KindBacktest, r.Kind)
	}

	one, err := st.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestStoreGetRunMissing(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetRun(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestStoreOpenRejectsEmptyRoot(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
