package optimize

import (
	"fmt"
	"strings"

	"optra/internal/backtest"
)

// FitnessFunc 把一次回测的绩效指标折算成适应度标量。
// 不同适应度函数下的得分不可互相比较。
type FitnessFunc func(m backtest.Metrics) float64

// MultiObjectiveWeights 多目标混合权重。
// 默认权重沿用历史配置，未经独立验证，允许按需覆盖。
type MultiObjectiveWeights struct {
	Return   float64 `json:"return" mapstructure:"return"`
	Sharpe   float64 `json:"sharpe" mapstructure:"sharpe"`
	Drawdown float64 `json:"drawdown" mapstructure:"drawdown"`
	WinRate  float64 `json:"win_rate" mapstructure:"win_rate"`
}

// DefaultMultiObjectiveWeights 返回默认混合权重。
func DefaultMultiObjectiveWeights() MultiObjectiveWeights {
	return MultiObjectiveWeights{Return: 2, Sharpe: 0.5, Drawdown: -3, WinRate: 0.5}
}

// 支持的适应度函数名。
const (
	FitnessReturn         = "return"
	FitnessSharpe         = "sharpe"
	FitnessCalmar         = "calmar"
	FitnessMultiObjective = "multi_objective"
)

// ResolveFitness 按名称返回适应度函数。
// 未定义的比率指标（如无波动时的 Sharpe）按 0 计入适应度。
func ResolveFitness(name string, weights MultiObjectiveWeights) (FitnessFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FitnessReturn, "":
		return func(m backtest.Metrics) float64 { return m.TotalReturn }, nil
	case FitnessSharpe:
		return func(m backtest.Metrics) float64 { return m.Sharpe.Or(0) }, nil
	case FitnessCalmar:
		return func(m backtest.Metrics) float64 { return m.Calmar.Or(0) }, nil
	case FitnessMultiObjective:
		w := weights
		return func(m backtest.Metrics) float64 {
			return w.Return*m.TotalReturn +
				w.Sharpe*m.Sharpe.Or(0) +
				w.Drawdown*m.MaxDrawdown +
				w.WinRate*m.WinRate
		}, nil
	default:
		return nil, fmt.Errorf("%w: 未知适应度函数 %q", backtest.ErrInvalidConfig, name)
	}
}
