package backtest

import "math"

// DefaultAnnualization 年化因子缺省值（日线 252 个交易周期）。
const DefaultAnnualization = 252

// Metrics 单次回测的绩效汇总，由 Trades + Equity 派生，不独立于 run 存在。
type Metrics struct {
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	MaxDrawdown    float64 `json:"max_drawdown"`

	Sharpe       Metric `json:"sharpe"`
	Sortino      Metric `json:"sortino"`
	Calmar       Metric `json:"calmar"`
	ProfitFactor Metric `json:"profit_factor"`

	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
	LargestWin  float64 `json:"largest_win"`
	LargestLoss float64 `json:"largest_loss"`

	MaxConsecWins   int `json:"max_consec_wins"`
	MaxConsecLosses int `json:"max_consec_losses"`
}

// Summarize 将交易与资金曲线归并为绩效指标。annualization<=0 时取 252。
// 所有分母可能为零的比率都显式处理：分母合法为零 → Metric{Defined:false}，
// 零亏损时 profit factor 返回 Infinite 哨兵，绝不混同于真实的 0。
func Summarize(trades []Trade, equity []EquityPoint, initialCapital float64, annualization float64) Metrics {
	if annualization <= 0 {
		annualization = DefaultAnnualization
	}
	m := Metrics{
		InitialCapital: initialCapital,
		FinalEquity:    initialCapital,
		Sharpe:         UndefinedMetric(),
		Sortino:        UndefinedMetric(),
		Calmar:         UndefinedMetric(),
		ProfitFactor:   UndefinedMetric(),
	}
	if len(equity) > 0 {
		m.FinalEquity = equity[len(equity)-1].Equity
	}
	if initialCapital > 0 {
		m.TotalReturn = m.FinalEquity/initialCapital - 1
	}
	for _, p := range equity {
		if p.Drawdown > m.MaxDrawdown {
			m.MaxDrawdown = p.Drawdown
		}
	}

	// 逐 bar 收益率 → Sharpe / Sortino
	returns := barReturns(equity)
	if len(returns) >= 2 {
		mean, std := meanStd(returns)
		if std > 0 {
			m.Sharpe = DefinedMetric(mean / std * math.Sqrt(annualization))
		}
		var downside []float64
		for _, r := range returns {
			if r < 0 {
				downside = append(downside, r)
			}
		}
		if len(downside) > 0 {
			dd := downsideDeviation(downside)
			if dd > 0 {
				m.Sortino = DefinedMetric(mean / dd * math.Sqrt(annualization))
			}
		}
	}
	if m.MaxDrawdown > 0 {
		m.Calmar = DefinedMetric(m.TotalReturn / m.MaxDrawdown)
	}

	// 交易统计
	m.Trades = len(trades)
	var grossWin, grossLoss float64
	var curWins, curLosses int
	for _, t := range trades {
		if t.PnL >= 0 {
			m.Wins++
			grossWin += t.PnL
			if t.PnL > m.LargestWin {
				m.LargestWin = t.PnL
			}
			curWins++
			curLosses = 0
		} else {
			m.Losses++
			grossLoss += -t.PnL
			if t.PnL < m.LargestLoss {
				m.LargestLoss = t.PnL
			}
			curLosses++
			curWins = 0
		}
		if curWins > m.MaxConsecWins {
			m.MaxConsecWins = curWins
		}
		if curLosses > m.MaxConsecLosses {
			m.MaxConsecLosses = curLosses
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.Trades)
	}
	if m.Wins > 0 {
		m.AvgWin = grossWin / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = -grossLoss / float64(m.Losses)
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = DefinedMetric(grossWin / grossLoss)
	case grossWin > 0:
		// 有盈利、零亏损："无穷大"哨兵而非除零
		m.ProfitFactor = InfiniteMetric()
	}
	return m
}

func barReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i].Equity/prev-1)
	}
	return out
}

// meanStd 返回均值与样本标准差（n-1）。
func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// downsideDeviation 只对负收益计算的波动（Sortino 分母）。
func downsideDeviation(downside []float64) float64 {
	var ss float64
	for _, r := range downside {
		ss += r * r
	}
	return math.Sqrt(ss / float64(len(downside)))
}
