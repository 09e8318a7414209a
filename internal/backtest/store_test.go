package backtest

import (
	"context"
	"testing"

	"optra/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeCandles(start int64, step int64, n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		ts := start + int64(i)*step
		out[i] = market.Candle{
			OpenTime:  ts,
			CloseTime: ts + step - 1,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100.5,
			Volume:    10,
			Trades:    5,
		}
	}
	return out
}

func TestStoreInsertAndRange(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	hour := int64(3600_000)
	candles := storeCandles(hour, hour, 10)

	n, err := st.InsertCandles(ctx, "BTCUSDT", "1h", candles)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// 重复写入为覆盖语义，不报错
	n, err = st.InsertCandles(ctx, "BTCUSDT", "1h", candles[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := st.RangeCandles(ctx, "BTCUSDT", "1h", hour, 10*hour)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.True(t, market.Ascending(got))
	assert.Equal(t, candles[0], got[0])

	manifest, err := st.Manifest(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", manifest.Symbol)
	assert.Equal(t, int64(10), manifest.Rows)
	assert.Equal(t, hour, manifest.MinTime)
	assert.Equal(t, 10*hour, manifest.MaxTime)
}

func TestStoreCheckIntegrity(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	tf, _ := ParseTimeframe("1h")
	hour := int64(3600_000)

	// 写入 1~5 和 8~10，留下 6~7 的缺口
	_, err = st.InsertCandles(ctx, "ETHUSDT", "1h", storeCandles(hour, hour, 5))
	require.NoError(t, err)
	_, err = st.InsertCandles(ctx, "ETHUSDT", "1h", storeCandles(8*hour, hour, 3))
	require.NoError(t, err)

	report, err := st.CheckIntegrity(ctx, "ETHUSDT", "1h", tf, hour, 10*hour)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Expected)
	assert.Equal(t, int64(8), report.Present)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, Gap{From: 6 * hour, To: 7 * hour}, report.Gaps[0])
	assert.False(t, report.Complete())

	// 补齐缺口后报告应为完整
	_, err = st.InsertCandles(ctx, "ETHUSDT", "1h", storeCandles(6*hour, hour, 2))
	require.NoError(t, err)
	report, err = st.CheckIntegrity(ctx, "ETHUSDT", "1h", tf, hour, 10*hour)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Empty(t, report.Gaps)
}

func TestStoreRejectsBadArgs(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.RangeCandles(context.Background(), "", "1h", 1, 2)
	assert.Error(t, err)
	_, err = st.RangeCandles(context.Background(), "BTCUSDT", "1h", 0, 0)
	assert.Error(t, err)

	_, err = NewStore("")
	assert.Error(t, err)
}
