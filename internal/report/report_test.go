package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"optra/internal/backtest"
	"optra/internal/montecarlo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBacktestProducesHTML(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	result := backtest.Result{
		Trades: []backtest.Trade{
			{PnL: 120, PnLPct: 0.012},
			{PnL: -45, PnLPct: -0.004},
		},
		Equity: []backtest.EquityPoint{
			{TS: 1700000000000, Equity: 10000, Drawdown: 0},
			{TS: 1700003600000, Equity: 10120, Drawdown: 0},
			{TS: 1700007200000, Equity: 10075, Drawdown: 0.0044},
		},
	}
	metrics := backtest.Metrics{FinalEquity: 10075, TotalReturn: 0.0075, Trades: 2, MaxDrawdown: 0.0044}

	path, err := w.WriteBacktest("run-42", result, metrics)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backtest_run-42.html"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(raw)
	assert.Contains(t, html, "Equity Curve")
	assert.Contains(t, html, "Drawdown")
	assert.Contains(t, html, "Trade PnL")
}

func TestWriteMonteCarloProducesHTML(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	mc := montecarlo.Report{
		NumPaths:        100,
		NumTrades:       5,
		ConfidenceLevel: 0.95,
		InitialCapital:  10000,
		Terminals:       []float64{-0.05, -0.02, 0.01, 0.03, 0.08},
		SamplePaths:     [][]float64{{10000, 10100, 10050}, {10000, 9900, 10020}},
	}
	path, err := w.WriteMonteCarlo("run-7", mc)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "montecarlo_run-7.html"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Terminal Return Distribution")
	assert.Contains(t, string(raw), "Sample Equity Paths")
}

func TestNewWriterRejectsEmptyDir(t *testing.T) {
	_, err := NewWriter("")
	assert.Error(t, err)
}

func TestHistogram(t *testing.T) {
	labels, counts := histogram([]float64{-0.1, 0, 0.05, 0.1}, 4)
	require.Len(t, labels, 4)
	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 4, total)

	t.Run("degenerate single value", func(t *testing.T) {
		labels, counts := histogram([]float64{0.02, 0.02}, 10)
		require.Len(t, labels, 1)
		assert.Equal(t, []int{2}, counts)
	})

	t.Run("empty input", func(t *testing.T) {
		labels, counts := histogram(nil, 10)
		assert.Nil(t, labels)
		assert.Nil(t, counts)
	})
}
