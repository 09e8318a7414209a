package optimize

import (
	"math/rand"
	"testing"

	"optra/internal/backtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpaceGridOrder(t *testing.T) {
	space := Space{
		"b": {Values: []float64{10, 20}},
		"a": {Values: []float64{1, 2}},
	}

	grid, err := space.Grid()
	require.NoError(t, err)
	require.Len(t, grid, 4)

	// 参数名排序后展开，外层是 a、内层是 b
	assert.Equal(t, backtest.ParamSet{"a": 1, "b": 10}, grid[0])
	assert.Equal(t, backtest.ParamSet{"a": 1, "b": 20}, grid[1])
	assert.Equal(t, backtest.ParamSet{"a": 2, "b": 10}, grid[2])
	assert.Equal(t, backtest.ParamSet{"a": 2, "b": 20}, grid[3])
}

func TestSpaceGridSize(t *testing.T) {
	size, err := gridSpace().GridSize()
	require.NoError(t, err)
	assert.Equal(t, int64(24), size)

	_, err = Space{"x": {Min: 0, Max: 1}}.GridSize()
	assert.ErrorIs(t, err, backtest.ErrInvalidConfig)
}

func TestSpaceValidate(t *testing.T) {
	assert.ErrorIs(t, Space{}.Validate(), backtest.ErrInvalidConfig)
	assert.ErrorIs(t, Space{"x": {Min: 5, Max: 1}}.Validate(), backtest.ErrInvalidConfig)
	assert.NoError(t, Space{"x": {Min: 1, Max: 5}}.Validate())
}

func TestDomainClamp(t *testing.T) {
	cont := Domain{Min: 1, Max: 10}
	assert.Equal(t, 1.0, cont.Clamp(-3))
	assert.Equal(t, 10.0, cont.Clamp(42))
	assert.Equal(t, 7.5, cont.Clamp(7.5))

	disc := Domain{Values: []float64{5, 10, 20}}
	assert.Equal(t, 5.0, disc.Clamp(6))
	assert.Equal(t, 10.0, disc.Clamp(13))
	assert.Equal(t, 20.0, disc.Clamp(100))
}

func TestDomainSampleStaysInDomain(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	cont := Domain{Min: 2, Max: 8}
	for i := 0; i < 200; i++ {
		v := cont.Sample(rng)
		assert.GreaterOrEqual(t, v, 2.0)
		assert.Less(t, v, 8.0)
	}

	disc := Domain{Values: []float64{3, 6, 9}}
	for i := 0; i < 50; i++ {
		assert.Contains(t, disc.Values, disc.Sample(rng))
	}
}
