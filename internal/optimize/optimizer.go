package optimize

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"strings"

	"optra/internal/backtest"
	"optra/internal/logger"

	"golang.org/x/sync/errgroup"
)

// 支持的搜索方法。
const (
	MethodGrid    = "grid"
	MethodRandom  = "random"
	MethodGenetic = "genetic"
)

// Evaluator 对一组参数执行一次完整回测并产出绩效指标。
// 必须是 (参数, 种子) 的纯函数：相同输入恒得相同输出，
// 这是并行评估下结果可复现的唯一前提。
type Evaluator func(ctx context.Context, params backtest.ParamSet) (backtest.Result, backtest.Metrics, error)

// Options 一次优化的全部配置。
type Options struct {
	Method      string                `json:"method"`
	Budget      int                   `json:"budget"`
	Seed        int64                 `json:"seed"`
	Parallelism int                   `json:"parallelism"`
	Fitness     string                `json:"fitness"`
	Weights     MultiObjectiveWeights `json:"weights"`
	Genetic     GeneticConfig         `json:"genetic"`
}

// Outcome 优化结果：全程见过的最优个体。
type Outcome struct {
	Method      string            `json:"method"`
	Params      backtest.ParamSet `json:"params"`
	Fitness     float64           `json:"fitness"`
	Metrics     backtest.Metrics  `json:"metrics"`
	Result      backtest.Result   `json:"-"`
	Evaluations int               `json:"evaluations"`
}

// Optimizer 驱动回测管线在参数空间上搜索。
type Optimizer struct {
	eval        Evaluator
	fitness     FitnessFunc
	parallelism int
}

// New 构造优化器。parallelism <= 0 时取 GOMAXPROCS。
func New(eval Evaluator, fitness FitnessFunc, parallelism int) (*Optimizer, error) {
	if eval == nil {
		return nil, fmt.Errorf("%w: evaluator 不能为空", backtest.ErrInvalidConfig)
	}
	if fitness == nil {
		return nil, fmt.Errorf("%w: fitness 不能为空", backtest.ErrInvalidConfig)
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Optimizer{eval: eval, fitness: fitness, parallelism: parallelism}, nil
}

// Optimize 按指定方法搜索参数空间。
func (o *Optimizer) Optimize(ctx context.Context, space Space, opts Options) (Outcome, error) {
	if err := space.Validate(); err != nil {
		return Outcome{}, err
	}
	switch strings.ToLower(strings.TrimSpace(opts.Method)) {
	case MethodGrid, "":
		return o.grid(ctx, space, opts)
	case MethodRandom:
		return o.random(ctx, space, opts)
	case MethodGenetic:
		return o.genetic(ctx, space, opts)
	default:
		return Outcome{}, fmt.Errorf("%w: 未知搜索方法 %q", backtest.ErrInvalidConfig, opts.Method)
	}
}

// grid 穷举离散笛卡尔积。规模超出 budget 时在任何评估开始前失败。
func (o *Optimizer) grid(ctx context.Context, space Space, opts Options) (Outcome, error) {
	size, err := space.GridSize()
	if err != nil {
		return Outcome{}, err
	}
	if opts.Budget > 0 && size > int64(opts.Budget) {
		return Outcome{}, fmt.Errorf("%w: 网格规模 %d 超出预算 %d", backtest.ErrBudgetExceeded, size, opts.Budget)
	}
	candidates, err := space.Grid()
	if err != nil {
		return Outcome{}, err
	}
	logger.Infof("[optimize] grid 搜索启动，候选 %d 组", len(candidates))
	return o.evaluateAll(ctx, MethodGrid, candidates)
}

// random 独立均匀抽样 budget 组参数（有放回）。
func (o *Optimizer) random(ctx context.Context, space Space, opts Options) (Outcome, error) {
	budget := opts.Budget
	if budget <= 0 {
		return Outcome{}, fmt.Errorf("%w: random 搜索要求 budget > 0", backtest.ErrInvalidConfig)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	candidates := make([]backtest.ParamSet, budget)
	for i := range candidates {
		candidates[i] = space.Sample(rng)
	}
	logger.Infof("[optimize] random 搜索启动，抽样 %d 组（seed=%d）", budget, opts.Seed)
	return o.evaluateAll(ctx, MethodRandom, candidates)
}

type evalOutput struct {
	result  backtest.Result
	metrics backtest.Metrics
	fitness float64
}

// evalBatch 并行评估候选集，按下标写回结果。
// 候选顺序在进入本函数前已经确定，并行度不影响输出。
func (o *Optimizer) evalBatch(ctx context.Context, candidates []backtest.ParamSet) ([]evalOutput, error) {
	outputs := make([]evalOutput, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, params := range candidates {
		i, params := i, params
		g.Go(func() error {
			result, metrics, err := o.eval(gctx, params)
			if err != nil {
				return fmt.Errorf("参数 %s 评估失败: %w", params.Key(), err)
			}
			outputs[i] = evalOutput{result: result, metrics: metrics, fitness: o.fitness(metrics)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// evaluateAll 评估全部候选并返回最优者；并列时取下标最小（最早出现）。
func (o *Optimizer) evaluateAll(ctx context.Context, method string, candidates []backtest.ParamSet) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{}, fmt.Errorf("%w: 无候选参数", backtest.ErrInvalidConfig)
	}
	outputs, err := o.evalBatch(ctx, candidates)
	if err != nil {
		return Outcome{}, err
	}
	best := 0
	for i := 1; i < len(outputs); i++ {
		if outputs[i].fitness > outputs[best].fitness {
			best = i
		}
	}
	return Outcome{
		Method:      method,
		Params:      candidates[best].Clone(),
		Fitness:     outputs[best].fitness,
		Metrics:     outputs[best].metrics,
		Result:      outputs[best].result,
		Evaluations: len(candidates),
	}, nil
}
