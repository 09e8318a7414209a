package montecarlo

import (
	"context"
	"sort"
	"testing"

	"optra/internal/backtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mcConfig(paths int) Config {
	return Config{NumPaths: paths, ConfidenceLevel: 0.95, Seed: 42}
}

func TestSimulateReturnsTwoTradeDistribution(t *testing.T) {
	// 收益 [+1%, -2%]，每条路径抽 2 笔：四种等概率组合的终值为
	// +0.0201、-0.0102、-0.0102、-0.0396，期望 ≈ -0.009975，亏损概率 0.75
	report, err := SimulateReturns(context.Background(), []float64{0.01, -0.02}, 10000, mcConfig(10000))
	require.NoError(t, err)

	assert.Equal(t, 10000, report.NumPaths)
	assert.Equal(t, 2, report.NumTrades)
	assert.InDelta(t, -0.009975, report.Stats.MeanTerminal, 0.002)
	assert.InDelta(t, 0.75, report.Stats.ProbLoss, 0.02)
	assert.InDelta(t, -0.0396, report.Stats.MinTerminal, 1e-9)
	assert.InDelta(t, 0.0201, report.Stats.MaxTerminal, 1e-9)
}

func TestSimulateReturnsDeterministic(t *testing.T) {
	returns := []float64{0.02, -0.01, 0.015, -0.03, 0.01}
	run := func(parallelism int) Report {
		cfg := mcConfig(500)
		cfg.Parallelism = parallelism
		report, err := SimulateReturns(context.Background(), returns, 10000, cfg)
		require.NoError(t, err)
		return report
	}

	r1 := run(1)
	r2 := run(8)
	assert.Equal(t, r1.Terminals, r2.Terminals)
	assert.Equal(t, r1.Stats, r2.Stats)
	assert.Equal(t, r1.SamplePaths, r2.SamplePaths)
}

func TestSimulateReturnsTerminalsSorted(t *testing.T) {
	report, err := SimulateReturns(context.Background(), []float64{0.05, -0.04, 0.02}, 10000, mcConfig(300))
	require.NoError(t, err)

	assert.Len(t, report.Terminals, 300)
	assert.True(t, sort.Float64sAreSorted(report.Terminals))
	assert.GreaterOrEqual(t, report.Stats.VaR, 0.0)
	assert.GreaterOrEqual(t, report.Stats.CVaR, 0.0)
	// CVaR 是尾部均值，不小于 VaR
	assert.GreaterOrEqual(t, report.Stats.CVaR, report.Stats.VaR-1e-12)
	assert.LessOrEqual(t, report.Stats.P5, report.Stats.MedianTerminal)
	assert.LessOrEqual(t, report.Stats.MedianTerminal, report.Stats.P95)
}

func TestSimulateReturnsSamplePaths(t *testing.T) {
	cfg := mcConfig(100)
	cfg.MaxStoredPaths = 7
	report, err := SimulateReturns(context.Background(), []float64{0.01, -0.02, 0.03}, 10000, cfg)
	require.NoError(t, err)

	require.Len(t, report.SamplePaths, 7)
	for _, path := range report.SamplePaths {
		require.Len(t, path, 4)
		assert.Equal(t, 10000.0, path[0])
	}
}

func TestSimulateFromTrades(t *testing.T) {
	trades := []backtest.Trade{
		{PnLPct: 0.01},
		{PnLPct: -0.005},
		{PnLPct: 0.02},
	}
	report, err := Simulate(context.Background(), trades, 5000, mcConfig(200))
	require.NoError(t, err)
	assert.Equal(t, 3, report.NumTrades)
	assert.Equal(t, 5000.0, report.InitialCapital)
}

func TestSimulateReturnsErrors(t *testing.T) {
	t.Run("too few trades", func(t *testing.T) {
		_, err := SimulateReturns(context.Background(), []float64{0.01}, 10000, mcConfig(100))
		assert.ErrorIs(t, err, backtest.ErrInsufficientTrades)
	})

	t.Run("bad capital", func(t *testing.T) {
		_, err := SimulateReturns(context.Background(), []float64{0.01, 0.02}, 0, mcConfig(100))
		assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := SimulateReturns(ctx, []float64{0.01, 0.02}, 10000, mcConfig(100))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSummarizeAllProfitablePaths(t *testing.T) {
	report, err := SimulateReturns(context.Background(), []float64{0.01, 0.02}, 10000, mcConfig(400))
	require.NoError(t, err)

	assert.Zero(t, report.Stats.ProbLoss)
	assert.Zero(t, report.Stats.VaR)
	assert.Zero(t, report.Stats.CVaR)
	assert.Greater(t, report.Stats.MinTerminal, 0.0)
}
