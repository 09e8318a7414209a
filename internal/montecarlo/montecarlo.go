package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"optra/internal/backtest"
	"optra/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Config 自举仿真配置。
type Config struct {
	NumPaths        int     `json:"num_paths" mapstructure:"num_paths"`
	ConfidenceLevel float64 `json:"confidence_level" mapstructure:"confidence_level"`
	Seed            int64   `json:"seed" mapstructure:"seed"`
	Parallelism     int     `json:"parallelism" mapstructure:"parallelism"`
	// MaxStoredPaths 保留完整资金路径的条数（用于图表），0 取默认值。
	MaxStoredPaths int `json:"max_stored_paths" mapstructure:"max_stored_paths"`
}

func (c Config) normalized() Config {
	if c.NumPaths <= 0 {
		c.NumPaths = 1000
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = 0.95
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.GOMAXPROCS(0)
	}
	if c.MaxStoredPaths <= 0 {
		c.MaxStoredPaths = 20
	}
	return c
}

// Stats 终值分布统计。VaR/CVaR 以损失为正数表述。
type Stats struct {
	MeanTerminal   float64 `json:"mean_terminal"`
	MedianTerminal float64 `json:"median_terminal"`
	StdTerminal    float64 `json:"std_terminal"`
	MinTerminal    float64 `json:"min_terminal"`
	MaxTerminal    float64 `json:"max_terminal"`
	VaR            float64 `json:"var"`
	CVaR           float64 `json:"cvar"`
	ProbLoss       float64 `json:"prob_loss"`
	P5             float64 `json:"p5"`
	P95            float64 `json:"p95"`
}

// Report 一次蒙特卡洛仿真的全部输出。
// Terminals 为各路径终值收益率（相对初始资金），已排序。
type Report struct {
	NumPaths        int         `json:"num_paths"`
	NumTrades       int         `json:"num_trades"`
	ConfidenceLevel float64     `json:"confidence_level"`
	InitialCapital  float64     `json:"initial_capital"`
	Stats           Stats       `json:"stats"`
	Terminals       []float64   `json:"terminals"`
	SamplePaths     [][]float64 `json:"sample_paths,omitempty"`
}

// Simulate 对已完成回测的成交序列做自举重排。
// 量化的是顺序/抽样风险，不是策略本身的风险。
func Simulate(ctx context.Context, trades []backtest.Trade, initialCapital float64, cfg Config) (Report, error) {
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.PnLPct
	}
	return SimulateReturns(ctx, returns, initialCapital, cfg)
}

// SimulateReturns 在给定单笔收益率序列上做有放回自举。
// 每条路径抽取 len(returns) 笔并按复利叠加到初始资金上。
// 路径 i 的随机源固定为 seed+i，结果与并行度无关。
func SimulateReturns(ctx context.Context, returns []float64, initialCapital float64, cfg Config) (Report, error) {
	if len(returns) < 2 {
		return Report{}, fmt.Errorf("%w: 蒙特卡洛要求至少 2 笔成交，当前 %d", backtest.ErrInsufficientTrades, len(returns))
	}
	if initialCapital <= 0 {
		return Report{}, fmt.Errorf("%w: initial_capital 需 > 0", backtest.ErrInvalidConfig)
	}
	cfg = cfg.normalized()
	logger.Infof("[montecarlo] 启动：trades=%d paths=%d confidence=%.2f seed=%d", len(returns), cfg.NumPaths, cfg.ConfidenceLevel, cfg.Seed)

	terminals := make([]float64, cfg.NumPaths)
	stored := cfg.MaxStoredPaths
	if stored > cfg.NumPaths {
		stored = cfg.NumPaths
	}
	samplePaths := make([][]float64, stored)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)
	for i := 0; i < cfg.NumPaths; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
			equity := initialCapital
			var path []float64
			if i < stored {
				path = make([]float64, 0, len(returns)+1)
				path = append(path, equity)
			}
			for range returns {
				r := returns[rng.Intn(len(returns))]
				equity *= 1 + r
				if path != nil {
					path = append(path, equity)
				}
			}
			terminals[i] = equity/initialCapital - 1
			if path != nil {
				samplePaths[i] = path
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sort.Float64s(terminals)
	return Report{
		NumPaths:        cfg.NumPaths,
		NumTrades:       len(returns),
		ConfidenceLevel: cfg.ConfidenceLevel,
		InitialCapital:  initialCapital,
		Stats:           summarize(terminals, cfg.ConfidenceLevel),
		Terminals:       terminals,
		SamplePaths:     samplePaths,
	}, nil
}

// summarize 汇总已排序的终值收益率。
func summarize(sorted []float64, confidence float64) Stats {
	n := len(sorted)
	sum := 0.0
	losses := 0
	for _, v := range sorted {
		sum += v
		if v < 0 {
			losses++
		}
	}
	mean := sum / float64(n)
	variance := 0.0
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	std := 0.0
	if n > 1 {
		std = math.Sqrt(variance / float64(n-1))
	}

	// VaR 取 (1−confidence) 分位处的损失；CVaR 为该分位以下的平均损失。
	cutoff := int(math.Floor(float64(n) * (1 - confidence)))
	if cutoff >= n {
		cutoff = n - 1
	}
	quantile := sorted[cutoff]
	varLoss := math.Max(0, -quantile)
	cvarLoss := varLoss
	if cutoff > 0 {
		tailSum := 0.0
		for _, v := range sorted[:cutoff] {
			tailSum += v
		}
		cvarLoss = math.Max(0, -(tailSum / float64(cutoff)))
	}

	return Stats{
		MeanTerminal:   mean,
		MedianTerminal: percentile(sorted, 0.5),
		StdTerminal:    std,
		MinTerminal:    sorted[0],
		MaxTerminal:    sorted[n-1],
		VaR:            varLoss,
		CVaR:           cvarLoss,
		ProbLoss:       float64(losses) / float64(n),
		P5:             percentile(sorted, 0.05),
		P95:            percentile(sorted, 0.95),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)-1) * p))
	return sorted[idx]
}
