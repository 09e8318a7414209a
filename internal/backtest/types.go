package backtest

import (
	"fmt"
	"sort"
	"strings"

	"optra/internal/market"
)

// Side 持仓方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

const (
	ExitReasonStop      = "stop_hit"
	ExitReasonTarget    = "target_hit"
	ExitReasonTime      = "time_exit"
	ExitReasonEndOfData = "end_of_data"
)

// ParamSet 一组策略参数（参数名 → 数值）。
type ParamSet map[string]float64

// Clone 返回独立副本。种群个体之间绝不共享底层 map。
func (p ParamSet) Clone() ParamSet {
	if p == nil {
		return nil
	}
	out := make(ParamSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get 读取参数，缺失时返回 fallback。
func (p ParamSet) Get(name string, fallback float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return fallback
}

// Key 返回参数集的确定性字符串表示（按名称排序），用于去重与日志。
func (p ParamSet) Key() string {
	if len(p) == 0 {
		return ""
	}
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for i, k := range names {
		if i > 0 {
			sb.WriteByte('|')
		}
		fmt.Fprintf(&sb, "%s=%g", k, p[k])
	}
	return sb.String()
}

// Config 单次回测的完整参数快照，run 内不可变。
type Config struct {
	Symbol         string   `json:"symbol"`
	Timeframe      string   `json:"timeframe"`
	StartTS        int64    `json:"start_ts"`
	EndTS          int64    `json:"end_ts"`
	InitialCapital float64  `json:"initial_capital"`
	RiskPerTrade   float64  `json:"risk_per_trade"`
	MaxPositions   int      `json:"max_positions"`
	FeeRate        float64  `json:"fee_rate"`
	SlippageBps    float64  `json:"slippage_bps"`
	StrategyID     string   `json:"strategy_id"`
	Params         ParamSet `json:"params"`
	Annualization  float64  `json:"annualization,omitempty"`
	Seed           int64    `json:"seed"`
}

// Validate 检查仿真前置条件。
func (c Config) Validate() error {
	if c.MaxPositions < 1 {
		return fmt.Errorf("%w: max_positions 需 >= 1，当前 %d", ErrInvalidConfig, c.MaxPositions)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial_capital 需 > 0", ErrInvalidConfig)
	}
	if c.RiskPerTrade < 0 || c.RiskPerTrade > 1 {
		return fmt.Errorf("%w: risk_per_trade 需在 [0,1]", ErrInvalidConfig)
	}
	return nil
}

// Intent 策略发出的方向性开仓意图。
// StopLoss/TakeProfit 为可选的绝对价位；为零时由仿真器按参数推导。
type Intent struct {
	Direction  Side    `json:"direction"`
	Confidence float64 `json:"confidence"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// SignalGenerator 信号生成接口。仿真器只依赖该接口，
// 任何符合约定的实现（含测试桩）都必须得到正确结果。
// 传入的切片只包含截至当前 bar 的数据，严禁实现方越界保存引用后回看未来。
type SignalGenerator interface {
	Generate(candles []market.Candle) []Intent
}

// GeneratorFunc 便捷适配器。
type GeneratorFunc func(candles []market.Candle) []Intent

func (f GeneratorFunc) Generate(candles []market.Candle) []Intent { return f(candles) }

// Position 仿真期间的持仓状态，逐 bar 更新，平仓时转换为 Trade。
type Position struct {
	Side       Side
	EntryTime  int64
	EntryPrice float64
	Size       float64
	StopLoss   float64
	TakeProfit float64
	BarsHeld   int
	entryFee   float64
}

// UnrealizedPnL 按当前价计算浮动盈亏（不含手续费）。
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Size
	}
	return (price - p.EntryPrice) * p.Size
}

// Trade 已平仓交易，生成后不可变。
type Trade struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Size       float64 `json:"size"`
	PnL        float64 `json:"pnl"`
	PnLPct     float64 `json:"pnl_pct"`
	HoldingMs  int64   `json:"holding_ms"`
	ExitReason string  `json:"exit_reason"`
}

// EquityPoint 资金曲线上的一个点，每根 bar 恰好一个。
// Drawdown = (runningPeak-equity)/runningPeak，恒 >= 0。
type EquityPoint struct {
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// Result 一次仿真的全部输出。
type Result struct {
	Trades []Trade       `json:"trades"`
	Equity []EquityPoint `json:"equity"`
}

// FinalEquity 返回曲线末端资金；空曲线返回 0。
func (r Result) FinalEquity() float64 {
	if len(r.Equity) == 0 {
		return 0
	}
	return r.Equity[len(r.Equity)-1].Equity
}
