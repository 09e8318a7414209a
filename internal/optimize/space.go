package optimize

import (
	"fmt"
	"math/rand"
	"sort"

	"optra/internal/backtest"
)

// Domain 单个参数的取值域。Values 非空时为离散域，
// 否则为 [Min,Max] 连续域。
type Domain struct {
	Values []float64 `json:"values,omitempty"`
	Min    float64   `json:"min,omitempty"`
	Max    float64   `json:"max,omitempty"`
}

// Discrete 是否为离散域。
func (d Domain) Discrete() bool { return len(d.Values) > 0 }

func (d Domain) validate(name string) error {
	if d.Discrete() {
		return nil
	}
	if d.Max < d.Min {
		return fmt.Errorf("%w: 参数 %s 的连续域要求 min <= max", backtest.ErrInvalidConfig, name)
	}
	return nil
}

// Sample 从域内均匀抽取一个值。
func (d Domain) Sample(rng *rand.Rand) float64 {
	if d.Discrete() {
		return d.Values[rng.Intn(len(d.Values))]
	}
	if d.Max == d.Min {
		return d.Min
	}
	return d.Min + rng.Float64()*(d.Max-d.Min)
}

// Clamp 把值收敛到域内。离散域取最接近的候选值。
func (d Domain) Clamp(v float64) float64 {
	if d.Discrete() {
		best := d.Values[0]
		for _, candidate := range d.Values[1:] {
			if abs(candidate-v) < abs(best-v) {
				best = candidate
			}
		}
		return best
	}
	if v < d.Min {
		return d.Min
	}
	if v > d.Max {
		return d.Max
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Space 参数名 → 取值域。
type Space map[string]Domain

// Validate 检查空间定义。
func (s Space) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: 参数空间为空", backtest.ErrInvalidConfig)
	}
	for name, d := range s {
		if err := d.validate(name); err != nil {
			return err
		}
		if d.Discrete() && len(d.Values) == 0 {
			return fmt.Errorf("%w: 参数 %s 无候选值", backtest.ErrInvalidConfig, name)
		}
	}
	return nil
}

// Names 返回排序后的参数名。所有遍历都走该顺序，保证确定性。
func (s Space) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GridSize 计算离散网格的笛卡尔积规模。
// 遇到连续域返回错误：网格搜索只接受离散域。
func (s Space) GridSize() (int64, error) {
	total := int64(1)
	for _, name := range s.Names() {
		d := s[name]
		if !d.Discrete() {
			return 0, fmt.Errorf("%w: 参数 %s 为连续域，网格搜索要求全部离散", backtest.ErrInvalidConfig, name)
		}
		total *= int64(len(d.Values))
	}
	return total, nil
}

// Grid 展开完整笛卡尔积，顺序由排序后的参数名决定。
func (s Space) Grid() ([]backtest.ParamSet, error) {
	size, err := s.GridSize()
	if err != nil {
		return nil, err
	}
	names := s.Names()
	out := make([]backtest.ParamSet, 0, size)
	current := make(backtest.ParamSet, len(names))
	var walk func(idx int)
	walk = func(idx int) {
		if idx == len(names) {
			out = append(out, current.Clone())
			return
		}
		name := names[idx]
		for _, v := range s[name].Values {
			current[name] = v
			walk(idx + 1)
		}
	}
	walk(0)
	return out, nil
}

// Sample 均匀抽取一个完整参数集。
func (s Space) Sample(rng *rand.Rand) backtest.ParamSet {
	params := make(backtest.ParamSet, len(s))
	for _, name := range s.Names() {
		params[name] = s[name].Sample(rng)
	}
	return params
}
