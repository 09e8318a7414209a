package backtest

import (
	"context"
	"testing"
	"time"

	"optra/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource 在固定网格上按需生成 K 线，模拟交易所分页接口。
type fakeSource struct {
	step  int64
	first int64
	last  int64
	calls int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	f.calls++
	var out []market.Candle
	cursor := req.Start
	if cursor < f.first {
		cursor = f.first
	}
	for len(out) < req.Limit && cursor <= f.last {
		if req.End > 0 && cursor > req.End {
			break
		}
		out = append(out, market.Candle{
			OpenTime:  cursor,
			CloseTime: cursor + f.step - 1,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Volume:    1,
		})
		cursor += f.step
	}
	return out, nil
}

func newFetchService(t *testing.T, src CandleSource) (*Service, *Store) {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(ServiceConfig{
		Store:           st,
		Sources:         map[string]CandleSource{"fake": src},
		DefaultExchange: "fake",
		RateLimitPerMin: 600000,
		MaxBatch:        4,
		MaxConcurrent:   1,
	})
	require.NoError(t, err)
	return svc, st
}

func waitForJob(t *testing.T, svc *Service, id string) FetchJob {
	t.Helper()
	var snap FetchJob
	require.Eventually(t, func() bool {
		s, ok := svc.JobSnapshot(id)
		if !ok {
			return false
		}
		snap = s
		return s.Status != JobStatusPending && s.Status != JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestServiceFetchFillsEmptyStore(t *testing.T) {
	hour := int64(3600_000)
	src := &fakeSource{step: hour, first: hour, last: 100 * hour}
	svc, st := newFetchService(t, src)

	job, err := svc.SubmitFetch(FetchParams{Symbol: "BTCUSDT", Timeframe: "1h", Start: hour, End: 10 * hour})
	require.NoError(t, err)
	assert.Equal(t, int64(10), job.Total)

	snap := waitForJob(t, svc, job.ID)
	assert.Equal(t, JobStatusDone, snap.Status)
	assert.Empty(t, snap.Missing)
	// MaxBatch=4，10 根至少分 3 页
	assert.GreaterOrEqual(t, src.calls, 3)

	candles, err := st.RangeCandles(context.Background(), "BTCUSDT", "1h", hour, 10*hour)
	require.NoError(t, err)
	assert.Len(t, candles, 10)
	assert.True(t, market.Ascending(candles))
}

func TestServiceFetchSkipsCompleteRange(t *testing.T) {
	hour := int64(3600_000)
	src := &fakeSource{step: hour, first: hour, last: 100 * hour}
	svc, st := newFetchService(t, src)

	seed := make([]market.Candle, 5)
	for i := range seed {
		ts := int64(i+1) * hour
		seed[i] = market.Candle{OpenTime: ts, CloseTime: ts + hour - 1, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
	}
	_, err := st.InsertCandles(context.Background(), "ETHUSDT", "1h", seed)
	require.NoError(t, err)

	job, err := svc.SubmitFetch(FetchParams{Symbol: "ETHUSDT", Timeframe: "1h", Start: hour, End: 5 * hour})
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Zero(t, src.calls)
}

func TestServiceFetchReportsPartial(t *testing.T) {
	hour := int64(3600_000)
	// 数据源只有 1~6h，区间要到 10h
	src := &fakeSource{step: hour, first: hour, last: 6 * hour}
	svc, _ := newFetchService(t, src)

	job, err := svc.SubmitFetch(FetchParams{Symbol: "BTCUSDT", Timeframe: "1h", Start: hour, End: 10 * hour})
	require.NoError(t, err)

	snap := waitForJob(t, svc, job.ID)
	assert.Equal(t, JobStatusPartial, snap.Status)
	assert.NotEmpty(t, snap.Missing)
	assert.NotEmpty(t, snap.Warnings)
}

func TestServiceEnsureRange(t *testing.T) {
	hour := int64(3600_000)
	src := &fakeSource{step: hour, first: hour, last: 100 * hour}
	svc, _ := newFetchService(t, src)
	ctx := context.Background()

	require.NoError(t, svc.EnsureRange(ctx, "BTCUSDT", "1h", hour, 8*hour))

	// 二次调用区间已完整，不再触达数据源
	calls := src.calls
	require.NoError(t, svc.EnsureRange(ctx, "BTCUSDT", "1h", hour, 8*hour))
	assert.Equal(t, calls, src.calls)

	candles, err := svc.RangeCandles(ctx, "BTCUSDT", "1h", hour, 8*hour)
	require.NoError(t, err)
	assert.Len(t, candles, 8)
}

func TestServiceSubmitFetchValidation(t *testing.T) {
	hour := int64(3600_000)
	src := &fakeSource{step: hour, first: hour, last: 10 * hour}
	svc, _ := newFetchService(t, src)

	_, err := svc.SubmitFetch(FetchParams{Timeframe: "1h", Start: hour, End: 2 * hour})
	assert.Error(t, err)

	_, err = svc.SubmitFetch(FetchParams{Symbol: "BTCUSDT", Timeframe: "7h", Start: hour, End: 2 * hour})
	assert.Error(t, err)

	_, err = svc.SubmitFetch(FetchParams{Symbol: "BTCUSDT", Timeframe: "1h", Exchange: "nope", Start: hour, End: 2 * hour})
	assert.Error(t, err)

	_, err = svc.SubmitFetch(FetchParams{Symbol: "BTCUSDT", Timeframe: "1h", Start: hour, End: hour})
	assert.Error(t, err)
}
