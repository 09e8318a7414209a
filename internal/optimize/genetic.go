package optimize

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"optra/internal/backtest"
	"optra/internal/logger"
)

// GeneticConfig 遗传搜索配置。
type GeneticConfig struct {
	Population    int     `json:"population" mapstructure:"population"`
	Generations   int     `json:"generations" mapstructure:"generations"`
	EliteSize     int     `json:"elite_size" mapstructure:"elite_size"`
	TournamentK   int     `json:"tournament_k" mapstructure:"tournament_k"`
	CrossoverRate float64 `json:"crossover_rate" mapstructure:"crossover_rate"`
	MutationRate  float64 `json:"mutation_rate" mapstructure:"mutation_rate"`
	// PerturbScale 连续域变异的乘性扰动幅度（±比例）。
	PerturbScale float64 `json:"perturb_scale" mapstructure:"perturb_scale"`
}

// DefaultGeneticConfig 返回默认遗传参数。
func DefaultGeneticConfig() GeneticConfig {
	return GeneticConfig{
		Population:    30,
		Generations:   50,
		EliteSize:     2,
		TournamentK:   3,
		CrossoverRate: 0.8,
		MutationRate:  0.1,
		PerturbScale:  0.2,
	}
}

func (c GeneticConfig) normalized() (GeneticConfig, error) {
	d := DefaultGeneticConfig()
	if c.Population <= 0 {
		c.Population = d.Population
	}
	if c.Generations <= 0 {
		c.Generations = d.Generations
	}
	if c.EliteSize < 0 {
		c.EliteSize = 0
	}
	if c.EliteSize >= c.Population {
		return c, fmt.Errorf("%w: elite_size 需小于 population", backtest.ErrInvalidConfig)
	}
	if c.TournamentK <= 0 {
		c.TournamentK = d.TournamentK
	}
	if c.TournamentK > c.Population {
		c.TournamentK = c.Population
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return c, fmt.Errorf("%w: crossover_rate 需在 [0,1]", backtest.ErrInvalidConfig)
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return c, fmt.Errorf("%w: mutation_rate 需在 [0,1]", backtest.ErrInvalidConfig)
	}
	if c.PerturbScale <= 0 {
		c.PerturbScale = d.PerturbScale
	}
	return c, nil
}

// individual 种群个体。fitness 赋值后对象不再变更：
// 交叉与变异总是产生新个体，绝不原地修改父代参数。
type individual struct {
	params    backtest.ParamSet
	fitness   float64
	metrics   backtest.Metrics
	result    backtest.Result
	evaluated bool
	born      int // 全局创建序号，同分时早出生者胜
}

// genetic 固定代数的遗传搜索。所有随机操作（初始化、选择、
// 交叉、变异）都在主 goroutine 上用同一个 rng 顺序执行，
// 并行只发生在纯函数评估阶段，因此相同 seed 恒得相同结果。
func (o *Optimizer) genetic(ctx context.Context, space Space, opts Options) (Outcome, error) {
	cfg, err := opts.Genetic.normalized()
	if err != nil {
		return Outcome{}, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	names := space.Names()

	born := 0
	newIndividual := func(params backtest.ParamSet) *individual {
		ind := &individual{params: params, born: born}
		born++
		return ind
	}

	population := make([]*individual, cfg.Population)
	for i := range population {
		population[i] = newIndividual(space.Sample(rng))
	}
	logger.Infof("[optimize] genetic 搜索启动：population=%d generations=%d seed=%d", cfg.Population, cfg.Generations, opts.Seed)

	var best *individual
	evaluations := 0

	for gen := 0; gen < cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			if best == nil {
				return Outcome{}, err
			}
			logger.Warnf("[optimize] genetic 第 %d 代前被取消，返回已完成的最优结果", gen)
			break
		}
		n, err := o.evaluatePopulation(ctx, population)
		if err != nil {
			return Outcome{}, err
		}
		evaluations += n

		// 按适应度降序；同分按出生序，保证排序确定。
		sort.SliceStable(population, func(a, b int) bool {
			if population[a].fitness != population[b].fitness {
				return population[a].fitness > population[b].fitness
			}
			return population[a].born < population[b].born
		})
		if best == nil || population[0].fitness > best.fitness {
			best = population[0]
		}
		logger.Debugf("[optimize] genetic 第 %d 代：best=%.6f 全程最优=%.6f", gen, population[0].fitness, best.fitness)

		if gen == cfg.Generations-1 {
			break
		}
		population = o.nextGeneration(population, space, names, cfg, rng, newIndividual)
	}

	if best == nil {
		return Outcome{}, fmt.Errorf("%w: genetic 未完成任何评估", backtest.ErrInsufficientData)
	}
	return Outcome{
		Method:      MethodGenetic,
		Params:      best.params.Clone(),
		Fitness:     best.fitness,
		Metrics:     best.metrics,
		Result:      best.result,
		Evaluations: evaluations,
	}, nil
}

// evaluatePopulation 并行评估尚未评估的个体，返回评估次数。
func (o *Optimizer) evaluatePopulation(ctx context.Context, population []*individual) (int, error) {
	var pending []*individual
	var candidates []backtest.ParamSet
	for _, ind := range population {
		if !ind.evaluated {
			pending = append(pending, ind)
			candidates = append(candidates, ind.params)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	outputs, err := o.evalBatch(ctx, candidates)
	if err != nil {
		return 0, err
	}
	for i, ind := range pending {
		ind.fitness = outputs[i].fitness
		ind.metrics = outputs[i].metrics
		ind.result = outputs[i].result
		ind.evaluated = true
	}
	return len(pending), nil
}

// nextGeneration 生成下一代：精英原样保留（保证全程最优单调不降），
// 其余席位由锦标赛选择 + 均匀交叉 + 变异填充。
func (o *Optimizer) nextGeneration(sorted []*individual, space Space, names []string, cfg GeneticConfig, rng *rand.Rand, newIndividual func(backtest.ParamSet) *individual) []*individual {
	next := make([]*individual, 0, cfg.Population)
	next = append(next, sorted[:cfg.EliteSize]...)
	for len(next) < cfg.Population {
		pa := tournament(sorted, cfg.TournamentK, rng)
		pb := tournament(sorted, cfg.TournamentK, rng)
		child := crossover(pa.params, pb.params, names, cfg.CrossoverRate, rng)
		mutate(child, space, names, cfg, rng)
		next = append(next, newIndividual(child))
	}
	return next
}

// tournament 随机抽 k 个个体，保留最优。
func tournament(population []*individual, k int, rng *rand.Rand) *individual {
	best := population[rng.Intn(len(population))]
	for i := 1; i < k; i++ {
		challenger := population[rng.Intn(len(population))]
		if challenger.fitness > best.fitness ||
			(challenger.fitness == best.fitness && challenger.born < best.born) {
			best = challenger
		}
	}
	return best
}

// crossover 以 rate 概率做逐参数均匀交叉，否则克隆父代 A。
// 返回的永远是新 map，与父代不共享底层存储。
func crossover(pa, pb backtest.ParamSet, names []string, rate float64, rng *rand.Rand) backtest.ParamSet {
	child := pa.Clone()
	if rng.Float64() >= rate {
		return child
	}
	for _, name := range names {
		if rng.Float64() < 0.5 {
			if v, ok := pb[name]; ok {
				child[name] = v
			}
		}
	}
	return child
}

// mutate 逐参数以 mutationRate 概率变异：离散域重抽样，
// 连续域做有界乘性扰动并收敛到域内。
func mutate(params backtest.ParamSet, space Space, names []string, cfg GeneticConfig, rng *rand.Rand) {
	for _, name := range names {
		if rng.Float64() >= cfg.MutationRate {
			continue
		}
		d := space[name]
		if d.Discrete() {
			params[name] = d.Sample(rng)
			continue
		}
		perturb := 1 + (rng.Float64()*2-1)*cfg.PerturbScale
		params[name] = d.Clamp(params[name] * perturb)
	}
}
