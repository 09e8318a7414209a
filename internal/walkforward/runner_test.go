package walkforward

import (
	"context"
	"sync"
	"testing"

	"optra/internal/backtest"
	"optra/internal/market"
	"optra/internal/optimize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wfBars(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		ts := int64(i+1) * 3600_000
		out[i] = market.Candle{OpenTime: ts, CloseTime: ts + 3599_999, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1}
	}
	return out
}

// 记录每次回测调用的切片形状，验证样本内外隔离。
type callRecorder struct {
	mu    sync.Mutex
	calls []struct {
		first, last int64
		bars        int
	}
}

func (r *callRecorder) fn(sharpe func(params backtest.ParamSet) float64) BacktestFunc {
	return func(ctx context.Context, bars []market.Candle, params backtest.ParamSet) (backtest.Result, backtest.Metrics, error) {
		r.mu.Lock()
		r.calls = append(r.calls, struct {
			first, last int64
			bars        int
		}{bars[0].OpenTime, bars[len(bars)-1].OpenTime, len(bars)})
		r.mu.Unlock()
		m := backtest.Metrics{Sharpe: backtest.DefinedMetric(sharpe(params))}
		m.TotalReturn = sharpe(params)
		return backtest.Result{}, m, nil
	}
}

func sharpeFitness() optimize.FitnessFunc {
	return func(m backtest.Metrics) float64 { return m.Sharpe.Or(0) }
}

func wfConfig() Config {
	return Config{
		WindowSize:       40,
		StepSize:         30,
		OutOfSampleRatio: 0.25,
		Optimize: optimize.Options{
			Method: optimize.MethodGrid,
			Budget: 100,
			Seed:   5,
		},
	}
}

func wfSpace() optimize.Space {
	return optimize.Space{"k": {Values: []float64{1, 2, 3}}}
}

func TestRunnerWindowLayout(t *testing.T) {
	rec := &callRecorder{}
	runner, err := NewRunner(rec.fn(func(p backtest.ParamSet) float64 { return p["k"] }), sharpeFitness())
	require.NoError(t, err)

	// 100 根 bar，窗口 40、步长 30：起点 0/30/60，90 起不足一个整窗
	report, err := runner.Run(context.Background(), wfBars(100), wfSpace(), wfConfig())
	require.NoError(t, err)
	require.Len(t, report.Periods, 3)

	hour := int64(3600_000)
	for i, p := range report.Periods {
		start := int64(i * 30)
		assert.Equal(t, i, p.Index)
		// isLen = round(40×0.75) = 30，oosLen = 10
		assert.Equal(t, (start+1)*hour, p.ISStart)
		assert.Equal(t, (start+30)*hour, p.ISEnd)
		assert.Equal(t, (start+31)*hour, p.OOSStart)
		assert.Equal(t, (start+40)*hour, p.OOSEnd)
		assert.Equal(t, p.ISStart, p.WindowStart)
		assert.Equal(t, p.OOSEnd, p.WindowEnd)
		// 网格最优是 k=3
		assert.Equal(t, backtest.ParamSet{"k": 3}, p.Params)
	}
}

func TestRunnerInSampleOutOfSampleIsolation(t *testing.T) {
	rec := &callRecorder{}
	runner, err := NewRunner(rec.fn(func(p backtest.ParamSet) float64 { return p["k"] }), sharpeFitness())
	require.NoError(t, err)

	cfg := wfConfig()
	cfg.Optimize.Parallelism = 1
	_, err = runner.Run(context.Background(), wfBars(100), wfSpace(), cfg)
	require.NoError(t, err)

	isCalls, oosCalls := 0, 0
	for _, c := range rec.calls {
		switch c.bars {
		case 30:
			isCalls++
		case 10:
			oosCalls++
		default:
			t.Fatalf("意外的切片长度 %d", c.bars)
		}
	}
	// 每个窗口网格 3 次样本内评估 + 1 次样本外验证
	assert.Equal(t, 9, isCalls)
	assert.Equal(t, 3, oosCalls)

	// 样本外切片必须紧跟样本内切片之后，二者不重叠
	for _, c := range rec.calls {
		if c.bars == 10 {
			assert.Equal(t, int64(0), (c.first/3600_000-31)%30)
		}
	}
}

func TestRunnerDegradation(t *testing.T) {
	t.Run("defined when both sharpes defined", func(t *testing.T) {
		d := degradation(backtest.DefinedMetric(2.0), backtest.DefinedMetric(1.0))
		require.True(t, d.Defined)
		assert.InDelta(t, 0.5, d.Value, 1e-9)
	})

	t.Run("oos undefined counts as zero", func(t *testing.T) {
		d := degradation(backtest.DefinedMetric(2.0), backtest.UndefinedMetric())
		require.True(t, d.Defined)
		assert.InDelta(t, 1.0, d.Value, 1e-9)
	})

	t.Run("undefined when is sharpe undefined or zero", func(t *testing.T) {
		assert.False(t, degradation(backtest.UndefinedMetric(), backtest.DefinedMetric(1)).Defined)
		assert.False(t, degradation(backtest.DefinedMetric(0), backtest.DefinedMetric(1)).Defined)
		assert.False(t, degradation(backtest.InfiniteMetric(), backtest.DefinedMetric(1)).Defined)
	})

	t.Run("negative is sharpe normalizes by magnitude", func(t *testing.T) {
		d := degradation(backtest.DefinedMetric(-1.0), backtest.DefinedMetric(-2.0))
		require.True(t, d.Defined)
		assert.InDelta(t, 1.0, d.Value, 1e-9)
	})
}

func TestRunnerAvgDegradationSkipsUndefined(t *testing.T) {
	periods := []Period{
		{Degradation: backtest.DefinedMetric(0.4)},
		{Degradation: backtest.UndefinedMetric()},
		{Degradation: backtest.DefinedMetric(0.2)},
	}
	avg := averageDegradation(periods)
	require.True(t, avg.Defined)
	assert.InDelta(t, 0.3, avg.Value, 1e-9)

	assert.False(t, averageDegradation([]Period{{Degradation: backtest.UndefinedMetric()}}).Defined)
}

func TestRunnerValidation(t *testing.T) {
	rec := &callRecorder{}
	runner, err := NewRunner(rec.fn(func(backtest.ParamSet) float64 { return 1 }), sharpeFitness())
	require.NoError(t, err)

	t.Run("insufficient bars", func(t *testing.T) {
		_, err := runner.Run(context.Background(), wfBars(39), wfSpace(), wfConfig())
		assert.ErrorIs(t, err, backtest.ErrInsufficientData)
	})

	t.Run("bad ratio", func(t *testing.T) {
		cfg := wfConfig()
		cfg.OutOfSampleRatio = 1.0
		_, err := runner.Run(context.Background(), wfBars(100), wfSpace(), cfg)
		assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
	})

	t.Run("bad step", func(t *testing.T) {
		cfg := wfConfig()
		cfg.StepSize = 0
		_, err := runner.Run(context.Background(), wfBars(100), wfSpace(), cfg)
		assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
	})

	t.Run("nil dependencies", func(t *testing.T) {
		_, err := NewRunner(nil, sharpeFitness())
		assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
		_, err = NewRunner(rec.fn(func(backtest.ParamSet) float64 { return 1 }), nil)
		assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
	})
}

func TestRunnerCancelledContext(t *testing.T) {
	rec := &callRecorder{}
	runner, err := NewRunner(rec.fn(func(backtest.ParamSet) float64 { return 1 }), sharpeFitness())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := runner.Run(ctx, wfBars(100), wfSpace(), wfConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Periods)
}
