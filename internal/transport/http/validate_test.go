package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBacktestBody = `{
	"symbol": "BTCUSDT",
	"timeframe": "1h",
	"start_ts": 1700000000000,
	"end_ts": 1701000000000,
	"strategy_id": "ma_crossover",
	"params": {"fast_period": 10, "slow_period": 30}
}`

func TestValidateBacktestBody(t *testing.T) {
	assert.NoError(t, validateBacktestBody([]byte(validBacktestBody)))

	t.Run("missing required field", func(t *testing.T) {
		err := validateBacktestBody([]byte(`{"symbol":"BTCUSDT","timeframe":"1h","start_ts":1,"end_ts":2}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strategy_id")
	})

	t.Run("wrong field type", func(t *testing.T) {
		err := validateBacktestBody([]byte(`{"symbol":1,"timeframe":"1h","start_ts":1,"end_ts":2,"strategy_id":"x"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "symbol")
	})

	t.Run("non numeric param", func(t *testing.T) {
		err := validateBacktestBody([]byte(`{"symbol":"BTCUSDT","timeframe":"1h","start_ts":1,"end_ts":2,"strategy_id":"x","params":{"fast_period":"ten"}}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fast_period")
	})

	t.Run("params not object", func(t *testing.T) {
		err := validateBacktestBody([]byte(`{"symbol":"BTCUSDT","timeframe":"1h","start_ts":1,"end_ts":2,"strategy_id":"x","params":[1,2]}`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		assert.Error(t, validateBacktestBody([]byte(`{"symbol":`)))
	})
}

func TestValidateOptimizeBody(t *testing.T) {
	valid := `{
		"backtest": ` + validBacktestBody + `,
		"method": "grid",
		"space": {"fast_period": {"values": [5, 10]}}
	}`
	assert.NoError(t, validateOptimizeBody([]byte(valid)))

	t.Run("nested backtest required", func(t *testing.T) {
		err := validateOptimizeBody([]byte(`{"method":"grid"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backtest.symbol")
	})

	t.Run("method must be string", func(t *testing.T) {
		err := validateOptimizeBody([]byte(`{"backtest":` + validBacktestBody + `,"method":7}`))
		assert.Error(t, err)
	})

	t.Run("space must be object", func(t *testing.T) {
		err := validateOptimizeBody([]byte(`{"backtest":` + validBacktestBody + `,"space":"all"}`))
		assert.Error(t, err)
	})
}

func TestValidateWalkForwardBody(t *testing.T) {
	valid := `{
		"optimize": {"backtest": ` + validBacktestBody + `},
		"window_size": 500,
		"step_size": 100
	}`
	assert.NoError(t, validateWalkForwardBody([]byte(valid)))

	t.Run("window size must be numeric", func(t *testing.T) {
		bad := `{"optimize":{"backtest":` + validBacktestBody + `},"window_size":"big"}`
		err := validateWalkForwardBody([]byte(bad))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "window_size")
	})

	t.Run("missing nested backtest", func(t *testing.T) {
		err := validateWalkForwardBody([]byte(`{"window_size":500}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "optimize.backtest")
	})
}
