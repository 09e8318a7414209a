package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, time.Hour, tf.Duration)
	assert.Equal(t, 8760.0, tf.BarsPerYear)

	_, err = ParseTimeframe("2h")
	assert.Error(t, err)
}

func TestSupportedTimeframesSorted(t *testing.T) {
	keys := SupportedTimeframes()
	assert.Contains(t, keys, "5m")
	assert.Contains(t, keys, "1d")
	assert.Len(t, keys, 6)
}

func TestAlignRange(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	hour := int64(3600_000)

	t.Run("aligns down to grid", func(t *testing.T) {
		start, end := tf.AlignRange(hour+123, 3*hour+456)
		assert.Equal(t, hour, start)
		assert.Equal(t, 3*hour, end)
	})

	t.Run("swaps reversed bounds", func(t *testing.T) {
		start, end := tf.AlignRange(5*hour, 2*hour)
		assert.Equal(t, 2*hour, start)
		assert.Equal(t, 5*hour, end)
	})
}

func TestExpectedCandles(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	hour := int64(3600_000)

	assert.Equal(t, int64(1), tf.ExpectedCandles(hour, hour))
	assert.Equal(t, int64(25), tf.ExpectedCandles(0, 24*hour))
	assert.Equal(t, int64(0), tf.ExpectedCandles(hour, 0))
}
