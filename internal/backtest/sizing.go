package backtest

import "github.com/shopspring/decimal"

// Sizer 可插拔的仓位计算：返回开仓数量（标的单位），<=0 表示放弃本次信号。
type Sizer interface {
	Size(equity, price, riskPerTrade, confidence float64) float64
}

// RiskSizer 默认实现：名义价值 = 当前权益 × risk_per_trade，数量 = 名义/价格。
// QtyStep > 0 时数量向下取整到最近的 step（交易所最小下单粒度），
// 用 decimal 避免二进制浮点在步进取整上的边界抖动。
type RiskSizer struct {
	QtyStep float64
}

func (s RiskSizer) Size(equity, price, riskPerTrade, confidence float64) float64 {
	if equity <= 0 || price <= 0 || riskPerTrade <= 0 {
		return 0
	}
	qty := equity * riskPerTrade / price
	if s.QtyStep <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(s.QtyStep)
	if step.IsZero() {
		return qty
	}
	rounded := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step)
	out, _ := rounded.Float64()
	return out
}

// SizerFunc 便捷适配器。
type SizerFunc func(equity, price, riskPerTrade, confidence float64) float64

func (f SizerFunc) Size(equity, price, riskPerTrade, confidence float64) float64 {
	return f(equity, price, riskPerTrade, confidence)
}
