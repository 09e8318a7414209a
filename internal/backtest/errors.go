package backtest

import (
	"encoding/json"
	"errors"
	"math"
)

// 核心错误分类：全部为同步、可恢复错误，由检测到问题的调用方直接返回。
// 失败的 run 不产生任何结果，不存在"半成品"输出。
var (
	// ErrInsufficientData 输入 K 线为空或不足以完成计算。
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidConfig 配置非法（如 max_positions < 1）。
	ErrInvalidConfig = errors.New("invalid config")
	// ErrBudgetExceeded 网格规模在任何评估开始前即超出调用方上限。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInsufficientTrades 蒙特卡洛要求至少 2 笔已平仓交易。
	ErrInsufficientTrades = errors.New("insufficient trades")
)

// Metric 表示一个可能无定义的比率指标。
// 分母合法为零时 Defined=false，绝不悄悄折算成 0 或 ±Inf；
// profit factor 无亏损时 Defined=true 且 Infinite=true。
type Metric struct {
	Value    float64
	Defined  bool
	Infinite bool
}

// DefinedMetric 构造一个有定义的指标值。
func DefinedMetric(v float64) Metric {
	return Metric{Value: v, Defined: true}
}

// UndefinedMetric 表示分母为零导致无定义的指标。
func UndefinedMetric() Metric {
	return Metric{}
}

// InfiniteMetric 表示"无穷大"哨兵（如零亏损时的 profit factor）。
func InfiniteMetric() Metric {
	return Metric{Defined: true, Infinite: true}
}

// Or 在指标无定义时返回给定缺省值（适应度函数等需要标量的场景）。
func (m Metric) Or(fallback float64) float64 {
	if !m.Defined || m.Infinite {
		return fallback
	}
	return m.Value
}

type metricJSON struct {
	Value    *float64 `json:"value,omitempty"`
	Defined  bool     `json:"defined"`
	Infinite bool     `json:"infinite,omitempty"`
}

func (m Metric) MarshalJSON() ([]byte, error) {
	out := metricJSON{Defined: m.Defined, Infinite: m.Infinite}
	if m.Defined && !m.Infinite {
		v := m.Value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Defined = false
		} else {
			out.Value = &v
		}
	}
	return json.Marshal(out)
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	var raw metricJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Defined = raw.Defined
	m.Infinite = raw.Infinite
	if raw.Value != nil {
		m.Value = *raw.Value
	} else {
		m.Value = 0
	}
	return nil
}
