package backtest

import "optra/internal/market"

// ExitDecision 退出判定结果。Price 为成交价（止损/止盈价或收盘价）。
type ExitDecision struct {
	Exit   bool
	Price  float64
	Reason string
}

// ExitRule 可插拔的退出条件：止损/止盈/持仓时间等。
// 每根 bar 对每个持仓调用一次，先于新信号处理。
type ExitRule interface {
	Check(pos Position, candle market.Candle) ExitDecision
}

// StopTargetExit 默认退出规则：bar 内触及止损/止盈即按该价位成交，
// 二者同 bar 触发时按保守口径先判止损；超过 MaxHoldBars 按收盘价离场。
type StopTargetExit struct {
	MaxHoldBars int // <=0 表示不启用时间退出
}

func (e StopTargetExit) Check(pos Position, candle market.Candle) ExitDecision {
	switch pos.Side {
	case SideLong:
		if pos.StopLoss > 0 && candle.Low <= pos.StopLoss {
			return ExitDecision{Exit: true, Price: pos.StopLoss, Reason: ExitReasonStop}
		}
		if pos.TakeProfit > 0 && candle.High >= pos.TakeProfit {
			return ExitDecision{Exit: true, Price: pos.TakeProfit, Reason: ExitReasonTarget}
		}
	case SideShort:
		if pos.StopLoss > 0 && candle.High >= pos.StopLoss {
			return ExitDecision{Exit: true, Price: pos.StopLoss, Reason: ExitReasonStop}
		}
		if pos.TakeProfit > 0 && candle.Low <= pos.TakeProfit {
			return ExitDecision{Exit: true, Price: pos.TakeProfit, Reason: ExitReasonTarget}
		}
	}
	if e.MaxHoldBars > 0 && pos.BarsHeld >= e.MaxHoldBars {
		return ExitDecision{Exit: true, Price: candle.Close, Reason: ExitReasonTime}
	}
	return ExitDecision{}
}

// ExitRuleFunc 便捷适配器。
type ExitRuleFunc func(pos Position, candle market.Candle) ExitDecision

func (f ExitRuleFunc) Check(pos Position, candle market.Candle) ExitDecision {
	return f(pos, candle)
}
