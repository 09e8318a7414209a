package app

import (
	"context"
	"fmt"

	"optra/internal/backtest"
	"optra/internal/config"
	"optra/internal/logger"
	"optra/internal/market"
	"optra/internal/regime"
	"optra/internal/report"
	"optra/internal/store"
	"optra/internal/strategy"
)

// App 装配全部子系统：行情缓存、拉取服务、策略 registry、
// 结果库与报表输出。核心计算保持纯函数，这里只做编排与落盘。
type App struct {
	cfg *config.Config

	candles  *backtest.Store
	fetch    *backtest.Service
	registry *strategy.Registry
	results  *store.Store
	reports  *report.Writer
	regime   *regime.Classifier

	sem     chan struct{}
	baseCtx context.Context
}

// New 按配置装配应用。
func New(cfg *config.Config) (*App, error) {
	candles, err := backtest.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线缓存失败: %w", err)
	}
	fetch, err := backtest.NewService(backtest.ServiceConfig{
		Store: candles,
		Sources: map[string]backtest.CandleSource{
			"binance": backtest.NewBinanceSource(cfg.Data.BinanceBaseURL),
		},
		DefaultExchange: cfg.Data.DefaultExchange,
		RateLimitPerMin: cfg.Data.RateLimitPerMin,
		MaxBatch:        cfg.Data.MaxBatch,
		MaxConcurrent:   cfg.Data.MaxConcurrent,
	})
	if err != nil {
		return nil, err
	}
	registry, err := strategy.NewRegistry(cfg.Strategies.Path)
	if err != nil {
		return nil, err
	}
	results, err := store.Open(cfg.Data.ResultsRoot)
	if err != nil {
		return nil, err
	}
	reports, err := report.NewWriter(cfg.Report.OutputDir)
	if err != nil {
		return nil, err
	}
	classifier := &regime.Classifier{
		Window:        cfg.Regime.Window,
		Thresholds:    cfg.Regime.Thresholds,
		Annualization: backtest.DefaultAnnualization,
	}
	return &App{
		cfg:      cfg,
		candles:  candles,
		fetch:    fetch,
		registry: registry,
		results:  results,
		reports:  reports,
		regime:   classifier,
		sem:      make(chan struct{}, cfg.Backtest.MaxConcurrent),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于后台任务取消。
func (a *App) SetContext(ctx context.Context) {
	if ctx != nil {
		a.baseCtx = ctx
		a.fetch.SetContext(ctx)
	}
}

func (a *App) ctx() context.Context {
	if a.baseCtx == nil {
		return context.Background()
	}
	return a.baseCtx
}

// Close 释放全部持久化资源。
func (a *App) Close() {
	if err := a.candles.Close(); err != nil {
		logger.Warnf("关闭 K 线缓存失败: %v", err)
	}
	if err := a.results.Close(); err != nil {
		logger.Warnf("关闭结果库失败: %v", err)
	}
}

// Config 返回装配配置。
func (a *App) Config() *config.Config { return a.cfg }

// Fetch 返回数据拉取服务。
func (a *App) Fetch() *backtest.Service { return a.fetch }

// Registry 返回策略 registry。
func (a *App) Registry() *strategy.Registry { return a.registry }

// Results 返回结果库。
func (a *App) Results() *store.Store { return a.results }

// loadBars 确保区间完整后从本地缓存一次性读入内存。
// 热循环中不再发生任何 I/O。
func (a *App) loadBars(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error) {
	if err := a.fetch.EnsureRange(ctx, symbol, timeframe, start, end); err != nil {
		return nil, err
	}
	bars, err := a.fetch.RangeCandles(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s [%d,%d] 区间无数据", backtest.ErrInsufficientData, symbol, timeframe, start, end)
	}
	return bars, nil
}

// ClassifyRegime 对指定区间做市场状态标注。
func (a *App) ClassifyRegime(ctx context.Context, symbol, timeframe string, start, end int64) ([]regime.Label, error) {
	bars, err := a.loadBars(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	tf, err := backtest.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	classifier := *a.regime
	classifier.Annualization = tf.BarsPerYear
	return classifier.Classify(bars), nil
}
