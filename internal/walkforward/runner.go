package walkforward

import (
	"context"
	"fmt"
	"math"

	"optra/internal/backtest"
	"optra/internal/logger"
	"optra/internal/market"
	"optra/internal/optimize"
)

// Config 滚动窗口配置。窗口与步长均以 bar 数计。
type Config struct {
	WindowSize       int              `json:"window_size" mapstructure:"window_size"`
	StepSize         int              `json:"step_size" mapstructure:"step_size"`
	OutOfSampleRatio float64          `json:"out_of_sample_ratio" mapstructure:"out_of_sample_ratio"`
	Optimize         optimize.Options `json:"optimize"`
}

func (c Config) validate() error {
	if c.WindowSize < 2 {
		return fmt.Errorf("%w: window_size 需 >= 2", backtest.ErrInvalidConfig)
	}
	if c.StepSize < 1 {
		return fmt.Errorf("%w: step_size 需 >= 1", backtest.ErrInvalidConfig)
	}
	if c.OutOfSampleRatio <= 0 || c.OutOfSampleRatio >= 1 {
		return fmt.Errorf("%w: out_of_sample_ratio 需在 (0,1)", backtest.ErrInvalidConfig)
	}
	return nil
}

// Period 单个窗口的完整记录，序列只追加不修改。
type Period struct {
	Index       int               `json:"index"`
	WindowStart int64             `json:"window_start"`
	WindowEnd   int64             `json:"window_end"`
	ISStart     int64             `json:"is_start"`
	ISEnd       int64             `json:"is_end"`
	OOSStart    int64             `json:"oos_start"`
	OOSEnd      int64             `json:"oos_end"`
	Params      backtest.ParamSet `json:"params"`
	ISFitness   float64           `json:"is_fitness"`
	ISMetrics   backtest.Metrics  `json:"is_metrics"`
	OOSMetrics  backtest.Metrics  `json:"oos_metrics"`
	// Degradation = (isSharpe − oosSharpe)/|isSharpe|；isSharpe 为 0 或未定义时本身未定义。
	Degradation backtest.Metric `json:"degradation"`
}

// Report 一次 walk-forward 的汇总。
type Report struct {
	Periods []Period `json:"periods"`
	// AvgDegradation 仅对有定义的窗口求均值；全部未定义时未定义。
	AvgDegradation backtest.Metric `json:"avg_degradation"`
}

// BacktestFunc 在指定 bar 切片上以给定参数执行一次完整回测。
// 与优化器的 Evaluator 相同，必须是纯函数。
type BacktestFunc func(ctx context.Context, bars []market.Candle, params backtest.ParamSet) (backtest.Result, backtest.Metrics, error)

// Runner 滚动优化-验证执行器。
// 优化只见样本内数据；样本外仅用于以既定参数评估，绝不参与拟合。
type Runner struct {
	backtest BacktestFunc
	fitness  optimize.FitnessFunc
}

func NewRunner(backtestFn BacktestFunc, fitness optimize.FitnessFunc) (*Runner, error) {
	if backtestFn == nil {
		return nil, fmt.Errorf("%w: backtest 函数不能为空", backtest.ErrInvalidConfig)
	}
	if fitness == nil {
		return nil, fmt.Errorf("%w: fitness 不能为空", backtest.ErrInvalidConfig)
	}
	return &Runner{backtest: backtestFn, fitness: fitness}, nil
}

// Run 在 bars 上滑动窗口。窗口不足一个完整 WindowSize 时干净停止，
// 不会偷偷评估残缺的尾窗。取消时返回已完成的窗口与 ctx 错误。
func (r *Runner) Run(ctx context.Context, bars []market.Candle, space optimize.Space, cfg Config) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}
	if len(bars) < cfg.WindowSize {
		return Report{}, fmt.Errorf("%w: 数据量 %d 不足一个窗口 %d", backtest.ErrInsufficientData, len(bars), cfg.WindowSize)
	}
	isLen := int(math.Round(float64(cfg.WindowSize) * (1 - cfg.OutOfSampleRatio)))
	oosLen := cfg.WindowSize - isLen
	if isLen < 1 || oosLen < 1 {
		return Report{}, fmt.Errorf("%w: 窗口 %d 在比例 %.2f 下无法同时容纳样本内/外", backtest.ErrInvalidConfig, cfg.WindowSize, cfg.OutOfSampleRatio)
	}

	var report Report
	index := 0
	for start := 0; start+cfg.WindowSize <= len(bars); start += cfg.StepSize {
		if err := ctx.Err(); err != nil {
			logger.Warnf("[walkforward] 第 %d 个窗口前被取消，返回已完成部分", index)
			return report, err
		}
		isBars := bars[start : start+isLen]
		oosBars := bars[start+isLen : start+cfg.WindowSize]

		period, err := r.runWindow(ctx, index, isBars, oosBars, space, cfg)
		if err != nil {
			return report, fmt.Errorf("窗口 %d 执行失败: %w", index, err)
		}
		report.Periods = append(report.Periods, period)
		index++
	}
	report.AvgDegradation = averageDegradation(report.Periods)
	logger.Infof("[walkforward] 完成 %d 个窗口", len(report.Periods))
	return report, nil
}

func (r *Runner) runWindow(ctx context.Context, index int, isBars, oosBars []market.Candle, space optimize.Space, cfg Config) (Period, error) {
	evaluator := func(ctx context.Context, params backtest.ParamSet) (backtest.Result, backtest.Metrics, error) {
		return r.backtest(ctx, isBars, params)
	}
	opt, err := optimize.New(evaluator, r.fitness, cfg.Optimize.Parallelism)
	if err != nil {
		return Period{}, err
	}
	opts := cfg.Optimize
	// 每个窗口独立派生种子，整个序列仍由顶层 seed 唯一决定。
	opts.Seed = cfg.Optimize.Seed + int64(index)
	outcome, err := opt.Optimize(ctx, space, opts)
	if err != nil {
		return Period{}, err
	}

	_, oosMetrics, err := r.backtest(ctx, oosBars, outcome.Params)
	if err != nil {
		return Period{}, err
	}

	return Period{
		Index:       index,
		WindowStart: isBars[0].OpenTime,
		WindowEnd:   oosBars[len(oosBars)-1].OpenTime,
		ISStart:     isBars[0].OpenTime,
		ISEnd:       isBars[len(isBars)-1].OpenTime,
		OOSStart:    oosBars[0].OpenTime,
		OOSEnd:      oosBars[len(oosBars)-1].OpenTime,
		Params:      outcome.Params,
		ISFitness:   outcome.Fitness,
		ISMetrics:   outcome.Metrics,
		OOSMetrics:  oosMetrics,
		Degradation: degradation(outcome.Metrics.Sharpe, oosMetrics.Sharpe),
	}, nil
}

// degradation 样本外相对样本内的 Sharpe 衰减比例。
func degradation(is, oos backtest.Metric) backtest.Metric {
	if !is.Defined || is.Infinite || is.Value == 0 {
		return backtest.UndefinedMetric()
	}
	oosValue := oos.Or(0)
	return backtest.DefinedMetric((is.Value - oosValue) / math.Abs(is.Value))
}

func averageDegradation(periods []Period) backtest.Metric {
	sum := 0.0
	n := 0
	for _, p := range periods {
		if p.Degradation.Defined && !p.Degradation.Infinite {
			sum += p.Degradation.Value
			n++
		}
	}
	if n == 0 {
		return backtest.UndefinedMetric()
	}
	return backtest.DefinedMetric(sum / float64(n))
}
