package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"optra/internal/backtest"
	"optra/internal/logger"
	"optra/internal/market"
	"optra/internal/montecarlo"
	"optra/internal/optimize"
	"optra/internal/store"
	"optra/internal/walkforward"

	"github.com/google/uuid"
)

// BacktestRequest 一次回测请求。零值字段回退到配置缺省。
type BacktestRequest struct {
	Symbol         string            `json:"symbol"`
	Timeframe      string            `json:"timeframe"`
	StartTS        int64             `json:"start_ts"`
	EndTS          int64             `json:"end_ts"`
	InitialCapital float64           `json:"initial_capital"`
	RiskPerTrade   float64           `json:"risk_per_trade"`
	MaxPositions   int               `json:"max_positions"`
	FeeRate        float64           `json:"fee_rate"`
	SlippageBps    float64           `json:"slippage_bps"`
	StrategyID     string            `json:"strategy_id"`
	Params         backtest.ParamSet `json:"params"`
	Seed           int64             `json:"seed"`
}

// OptimizeRequest 参数搜索请求。Space 为空时取策略模板声明的空间。
type OptimizeRequest struct {
	Backtest    BacktestRequest            `json:"backtest"`
	Method      string                     `json:"method"`
	Budget      int                        `json:"budget"`
	Fitness     string                     `json:"fitness"`
	Parallelism int                        `json:"parallelism"`
	Genetic     optimize.GeneticConfig     `json:"genetic"`
	Space       map[string]optimize.Domain `json:"space"`
}

// WalkForwardRequest 滚动验证请求。
type WalkForwardRequest struct {
	Optimize         OptimizeRequest `json:"optimize"`
	WindowSize       int             `json:"window_size"`
	StepSize         int             `json:"step_size"`
	OutOfSampleRatio float64         `json:"out_of_sample_ratio"`
}

// MonteCarloRequest 对既有回测结果做自举仿真。
type MonteCarloRequest struct {
	RunID           string  `json:"run_id"`
	NumPaths        int     `json:"num_paths"`
	ConfidenceLevel float64 `json:"confidence_level"`
	Seed            int64   `json:"seed"`
}

// backtestConfig 将请求与配置缺省合并为不可变的 run 配置。
func (a *App) backtestConfig(req BacktestRequest) backtest.Config {
	d := a.cfg.Backtest
	cfg := backtest.Config{
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartTS:        req.StartTS,
		EndTS:          req.EndTS,
		InitialCapital: req.InitialCapital,
		RiskPerTrade:   req.RiskPerTrade,
		MaxPositions:   req.MaxPositions,
		FeeRate:        req.FeeRate,
		SlippageBps:    req.SlippageBps,
		StrategyID:     req.StrategyID,
		Params:         req.Params.Clone(),
		Seed:           req.Seed,
	}
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = d.InitialCapital
	}
	if cfg.RiskPerTrade <= 0 {
		cfg.RiskPerTrade = d.RiskPerTrade
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = d.MaxPositions
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = d.FeeRate
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = d.SlippageBps
	}
	return cfg
}

// executeBacktest 单次完整回测：解析策略 → 仿真 → 绩效汇总。
// 是 (cfg, bars) 的纯函数，可被并行评估安全复用。
func (a *App) executeBacktest(ctx context.Context, cfg backtest.Config, bars []market.Candle) (backtest.Result, backtest.Metrics, error) {
	gen, merged, err := a.registry.Resolve(cfg.StrategyID, cfg.Params)
	if err != nil {
		return backtest.Result{}, backtest.Metrics{}, err
	}
	cfg.Params = merged
	if cfg.Annualization <= 0 {
		if tf, err := backtest.ParseTimeframe(cfg.Timeframe); err == nil {
			cfg.Annualization = tf.BarsPerYear
		}
	}
	sim := backtest.Simulator{}
	result, err := sim.Run(ctx, cfg, bars, gen)
	if err != nil {
		return backtest.Result{}, backtest.Metrics{}, err
	}
	metrics := backtest.Summarize(result.Trades, result.Equity, cfg.InitialCapital, cfg.Annualization)
	return result, metrics, nil
}

func (a *App) createRun(kind string, cfg backtest.Config, extra any) (store.RunRecord, error) {
	configJSON, err := json.Marshal(map[string]any{"backtest": cfg, "request": extra})
	if err != nil {
		return store.RunRecord{}, err
	}
	rec := store.RunRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		Symbol:     cfg.Symbol,
		Timeframe:  cfg.Timeframe,
		StrategyID: cfg.StrategyID,
		Status:     backtest.RunStatusPending,
		Config:     configJSON,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := a.results.CreateRun(a.ctx(), &rec); err != nil {
		return store.RunRecord{}, fmt.Errorf("创建任务记录失败: %w", err)
	}
	return rec, nil
}

// markRunning/markFailed 为状态落盘；失败只记日志，不影响计算结果。
func (a *App) markRunning(id string) {
	if err := a.results.UpdateRunStatus(a.ctx(), id, backtest.RunStatusRunning, ""); err != nil {
		logger.Warnf("[run %s] 状态更新失败: %v", id, err)
	}
}

func (a *App) markFailed(id string, cause error) {
	logger.Errorf("[run %s] 执行失败: %v", id, cause)
	if err := a.results.UpdateRunStatus(a.ctx(), id, backtest.RunStatusFailed, cause.Error()); err != nil {
		logger.Warnf("[run %s] 状态更新失败: %v", id, err)
	}
}

func (a *App) acquire() func() {
	a.sem <- struct{}{}
	return func() { <-a.sem }
}

// StartBacktest 提交后台回测，立即返回任务记录。
func (a *App) StartBacktest(req BacktestRequest) (store.RunRecord, error) {
	cfg := a.backtestConfig(req)
	if err := cfg.Validate(); err != nil {
		return store.RunRecord{}, err
	}
	if _, ok := a.registry.Template(cfg.StrategyID); !ok {
		return store.RunRecord{}, fmt.Errorf("%w: 未注册的策略 %q", backtest.ErrInvalidConfig, cfg.StrategyID)
	}
	rec, err := a.createRun(store.KindBacktest, cfg, req)
	if err != nil {
		return store.RunRecord{}, err
	}
	go a.runBacktest(rec.ID, cfg)
	return rec, nil
}

func (a *App) runBacktest(runID string, cfg backtest.Config) {
	defer a.acquire()()
	a.markRunning(runID)
	ctx := a.ctx()

	bars, err := a.loadBars(ctx, cfg.Symbol, cfg.Timeframe, cfg.StartTS, cfg.EndTS)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	result, metrics, err := a.executeBacktest(ctx, cfg, bars)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	logger.Infof("[run %s] 回测完成：trades=%d return=%.4f", runID, metrics.Trades, metrics.TotalReturn)
	a.persistBacktest(runID, result, metrics)
}

// persistBacktest 结果落盘与报表输出。结果已经算出，
// 这里任何失败都只记日志。
func (a *App) persistBacktest(runID string, result backtest.Result, metrics backtest.Metrics) {
	ctx := a.ctx()
	if err := a.results.FinishRun(ctx, runID, metrics.TotalReturn, metrics, nil); err != nil {
		logger.Warnf("[run %s] 结果落盘失败: %v", runID, err)
	}
	if err := a.results.SaveTrades(ctx, runID, result.Trades); err != nil {
		logger.Warnf("[run %s] 成交落盘失败: %v", runID, err)
	}
	if err := a.results.SaveEquity(ctx, runID, result.Equity); err != nil {
		logger.Warnf("[run %s] 资金曲线落盘失败: %v", runID, err)
	}
	if _, err := a.reports.WriteBacktest(runID, result, metrics); err != nil {
		logger.Warnf("[run %s] 报表输出失败: %v", runID, err)
	}
}

// optimizeSpace 解析参数空间：请求显式给出优先，否则取策略模板声明。
func (a *App) optimizeSpace(strategyID string, override map[string]optimize.Domain) (optimize.Space, error) {
	if len(override) > 0 {
		return optimize.Space(override), nil
	}
	tpl, ok := a.registry.Template(strategyID)
	if !ok {
		return nil, fmt.Errorf("%w: 未注册的策略 %q", backtest.ErrInvalidConfig, strategyID)
	}
	if len(tpl.Space) == 0 {
		return nil, fmt.Errorf("%w: 策略 %s 未声明参数空间且请求未提供", backtest.ErrInvalidConfig, strategyID)
	}
	space := make(optimize.Space, len(tpl.Space))
	for name, d := range tpl.Space {
		space[name] = optimize.Domain{Values: d.Values, Min: d.Min, Max: d.Max}
	}
	return space, nil
}

func (a *App) optimizeOptions(req OptimizeRequest, seed int64) optimize.Options {
	opts := a.cfg.OptimizeDefaults()
	if req.Method != "" {
		opts.Method = req.Method
	}
	if req.Budget > 0 {
		opts.Budget = req.Budget
	}
	if req.Fitness != "" {
		opts.Fitness = req.Fitness
	}
	if req.Parallelism > 0 {
		opts.Parallelism = req.Parallelism
	}
	if req.Genetic != (optimize.GeneticConfig{}) {
		opts.Genetic = req.Genetic
	}
	opts.Seed = seed
	return opts
}

// StartOptimize 提交后台参数搜索。
func (a *App) StartOptimize(req OptimizeRequest) (store.RunRecord, error) {
	cfg := a.backtestConfig(req.Backtest)
	if err := cfg.Validate(); err != nil {
		return store.RunRecord{}, err
	}
	space, err := a.optimizeSpace(cfg.StrategyID, req.Space)
	if err != nil {
		return store.RunRecord{}, err
	}
	if err := space.Validate(); err != nil {
		return store.RunRecord{}, err
	}
	opts := a.optimizeOptions(req, cfg.Seed)
	fitness, err := optimize.ResolveFitness(opts.Fitness, opts.Weights)
	if err != nil {
		return store.RunRecord{}, err
	}
	rec, err := a.createRun(store.KindOptimize, cfg, req)
	if err != nil {
		return store.RunRecord{}, err
	}
	go a.runOptimize(rec.ID, cfg, space, opts, fitness)
	return rec, nil
}

func (a *App) runOptimize(runID string, cfg backtest.Config, space optimize.Space, opts optimize.Options, fitness optimize.FitnessFunc) {
	defer a.acquire()()
	a.markRunning(runID)
	ctx := a.ctx()

	bars, err := a.loadBars(ctx, cfg.Symbol, cfg.Timeframe, cfg.StartTS, cfg.EndTS)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	opt, err := optimize.New(a.evaluatorFor(cfg, bars), fitness, opts.Parallelism)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	outcome, err := opt.Optimize(ctx, space, opts)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	logger.Infof("[run %s] 优化完成：method=%s evals=%d best=%.6f params=%s", runID, outcome.Method, outcome.Evaluations, outcome.Fitness, outcome.Params.Key())

	if err := a.results.FinishRun(ctx, runID, outcome.Fitness, outcome.Metrics, outcome); err != nil {
		logger.Warnf("[run %s] 结果落盘失败: %v", runID, err)
	}
	if err := a.results.SaveTrades(ctx, runID, outcome.Result.Trades); err != nil {
		logger.Warnf("[run %s] 最优成交落盘失败: %v", runID, err)
	}
	if err := a.results.SaveEquity(ctx, runID, outcome.Result.Equity); err != nil {
		logger.Warnf("[run %s] 最优资金曲线落盘失败: %v", runID, err)
	}
	if _, err := a.reports.WriteBacktest(runID, outcome.Result, outcome.Metrics); err != nil {
		logger.Warnf("[run %s] 报表输出失败: %v", runID, err)
	}
}

// evaluatorFor 构造优化器的评估闭包：候选参数替换后跑完整回测。
func (a *App) evaluatorFor(cfg backtest.Config, bars []market.Candle) optimize.Evaluator {
	return func(ctx context.Context, params backtest.ParamSet) (backtest.Result, backtest.Metrics, error) {
		c := cfg
		c.Params = params
		return a.executeBacktest(ctx, c, bars)
	}
}

// StartWalkForward 提交后台滚动验证。
func (a *App) StartWalkForward(req WalkForwardRequest) (store.RunRecord, error) {
	cfg := a.backtestConfig(req.Optimize.Backtest)
	if err := cfg.Validate(); err != nil {
		return store.RunRecord{}, err
	}
	space, err := a.optimizeSpace(cfg.StrategyID, req.Optimize.Space)
	if err != nil {
		return store.RunRecord{}, err
	}
	wfCfg := a.cfg.WalkForwardDefaults()
	if req.WindowSize > 0 {
		wfCfg.WindowSize = req.WindowSize
	}
	if req.StepSize > 0 {
		wfCfg.StepSize = req.StepSize
	}
	if req.OutOfSampleRatio > 0 {
		wfCfg.OutOfSampleRatio = req.OutOfSampleRatio
	}
	wfCfg.Optimize = a.optimizeOptions(req.Optimize, cfg.Seed)
	fitness, err := optimize.ResolveFitness(wfCfg.Optimize.Fitness, wfCfg.Optimize.Weights)
	if err != nil {
		return store.RunRecord{}, err
	}
	rec, err := a.createRun(store.KindWalkForward, cfg, req)
	if err != nil {
		return store.RunRecord{}, err
	}
	go a.runWalkForward(rec.ID, cfg, space, wfCfg, fitness)
	return rec, nil
}

func (a *App) runWalkForward(runID string, cfg backtest.Config, space optimize.Space, wfCfg walkforward.Config, fitness optimize.FitnessFunc) {
	defer a.acquire()()
	a.markRunning(runID)
	ctx := a.ctx()

	bars, err := a.loadBars(ctx, cfg.Symbol, cfg.Timeframe, cfg.StartTS, cfg.EndTS)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	backtestFn := func(ctx context.Context, window []market.Candle, params backtest.ParamSet) (backtest.Result, backtest.Metrics, error) {
		c := cfg
		c.Params = params
		return a.executeBacktest(ctx, c, window)
	}
	runner, err := walkforward.NewRunner(backtestFn, fitness)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	reportOut, err := runner.Run(ctx, bars, space, wfCfg)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	logger.Infof("[run %s] walk-forward 完成：windows=%d", runID, len(reportOut.Periods))
	if err := a.results.FinishRun(ctx, runID, reportOut.AvgDegradation.Or(0), nil, reportOut); err != nil {
		logger.Warnf("[run %s] 结果落盘失败: %v", runID, err)
	}
}

// StartMonteCarlo 对已完成的回测 run 做自举仿真。
func (a *App) StartMonteCarlo(req MonteCarloRequest) (store.RunRecord, error) {
	parent, err := a.results.GetRun(a.ctx(), req.RunID)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("读取 run %s 失败: %w", req.RunID, err)
	}
	if parent.Status != backtest.RunStatusDone {
		return store.RunRecord{}, fmt.Errorf("%w: run %s 状态为 %s，需已完成", backtest.ErrInvalidConfig, req.RunID, parent.Status)
	}
	trades, err := a.results.TradesByRun(a.ctx(), req.RunID)
	if err != nil {
		return store.RunRecord{}, err
	}
	if len(trades) < 2 {
		return store.RunRecord{}, fmt.Errorf("%w: run %s 仅 %d 笔成交", backtest.ErrInsufficientTrades, req.RunID, len(trades))
	}
	var parentCfg struct {
		Backtest backtest.Config `json:"backtest"`
	}
	if err := json.Unmarshal(parent.Config, &parentCfg); err != nil {
		return store.RunRecord{}, fmt.Errorf("解析 run %s 配置失败: %w", req.RunID, err)
	}

	mcCfg := a.cfg.MonteCarloDefaults()
	if req.NumPaths > 0 {
		mcCfg.NumPaths = req.NumPaths
	}
	if req.ConfidenceLevel > 0 {
		mcCfg.ConfidenceLevel = req.ConfidenceLevel
	}
	mcCfg.Seed = req.Seed

	rec, err := a.createRun(store.KindMonteCarlo, parentCfg.Backtest, req)
	if err != nil {
		return store.RunRecord{}, err
	}
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PnLPct
	}
	go a.runMonteCarlo(rec.ID, returns, parentCfg.Backtest.InitialCapital, mcCfg)
	return rec, nil
}

func (a *App) runMonteCarlo(runID string, returns []float64, initialCapital float64, mcCfg montecarlo.Config) {
	defer a.acquire()()
	a.markRunning(runID)
	ctx := a.ctx()

	mcReport, err := montecarlo.SimulateReturns(ctx, returns, initialCapital, mcCfg)
	if err != nil {
		a.markFailed(runID, err)
		return
	}
	logger.Infof("[run %s] 蒙特卡洛完成：paths=%d P(loss)=%.2f", runID, mcReport.NumPaths, mcReport.Stats.ProbLoss)
	if err := a.results.FinishRun(ctx, runID, mcReport.Stats.MeanTerminal, mcReport.Stats, mcReport); err != nil {
		logger.Warnf("[run %s] 结果落盘失败: %v", runID, err)
	}
	if _, err := a.reports.WriteMonteCarlo(runID, mcReport); err != nil {
		logger.Warnf("[run %s] 报表输出失败: %v", runID, err)
	}
}
