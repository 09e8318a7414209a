package backtest

import (
	"context"
	"fmt"

	"optra/internal/market"
)

// Simulator 将历史 K 线 + 信号生成器推演为已平仓交易与资金曲线。
// 纯计算：不触碰存储、不产生随机数，同样输入必然得到同样输出。
type Simulator struct {
	Exit  ExitRule // 为空时使用 StopTargetExit{}
	Sizer Sizer    // 为空时使用 RiskSizer{}
}

// Run 单次前向回放。在第 i 根 bar 上只可见 candles[:i+1]，不存在未来数据。
// 每根 bar 依次：先对所有持仓判定退出，再询问策略开新仓（受 MaxPositions 限制），
// 最后按收盘价盯市并记录一个 EquityPoint。数据走完后按末价强平，原因 end_of_data。
// 保证 len(Result.Equity) == len(candles)。
func (s *Simulator) Run(ctx context.Context, cfg Config, candles []market.Candle, gen SignalGenerator) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("%w: 输入 K 线为空", ErrInsufficientData)
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if gen == nil {
		return Result{}, fmt.Errorf("%w: signal generator 不能为空", ErrInvalidConfig)
	}
	exit := s.Exit
	if exit == nil {
		exit = StopTargetExit{MaxHoldBars: int(cfg.Params.Get("max_hold_bars", 0))}
	}
	sizer := s.Sizer
	if sizer == nil {
		sizer = RiskSizer{}
	}

	st := &simState{
		cash: cfg.InitialCapital,
		peak: cfg.InitialCapital,
	}
	res := Result{Equity: make([]EquityPoint, 0, len(candles))}

	for i, candle := range candles {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		// (a) 退出判定
		remaining := st.open[:0]
		for _, pos := range st.open {
			pos.BarsHeld++
			dec := exit.Check(*pos, candle)
			if dec.Exit {
				res.Trades = append(res.Trades, st.close(cfg, *pos, dec.Price, candle.CloseTime, dec.Reason, false))
				continue
			}
			remaining = append(remaining, pos)
		}
		st.open = remaining

		// (b) 新信号
		if capacity := cfg.MaxPositions - len(st.open); capacity > 0 {
			intents := gen.Generate(candles[:i+1])
			for _, intent := range intents {
				if capacity == 0 {
					break
				}
				pos := st.openPosition(cfg, sizer, intent, candle)
				if pos == nil {
					continue
				}
				st.open = append(st.open, pos)
				capacity--
			}
		}

		// (c) 盯市
		eq := st.equity(candle.Close)
		if eq > st.peak {
			st.peak = eq
		}
		dd := 0.0
		if st.peak > 0 {
			dd = (st.peak - eq) / st.peak
		}
		res.Equity = append(res.Equity, EquityPoint{TS: candle.CloseTime, Equity: eq, Drawdown: dd})
	}

	// 数据走完：强平所有剩余持仓并修正最后一个资金点。
	if len(st.open) > 0 {
		last := candles[len(candles)-1]
		for _, pos := range st.open {
			res.Trades = append(res.Trades, st.close(cfg, *pos, last.Close, last.CloseTime, ExitReasonEndOfData, true))
		}
		st.open = nil
		eq := st.equity(last.Close)
		if eq > st.peak {
			st.peak = eq
		}
		dd := 0.0
		if st.peak > 0 {
			dd = (st.peak - eq) / st.peak
		}
		res.Equity[len(res.Equity)-1] = EquityPoint{TS: last.CloseTime, Equity: eq, Drawdown: dd}
	}
	return res, nil
}

type simState struct {
	cash float64
	peak float64
	open []*Position
}

func (st *simState) equity(price float64) float64 {
	eq := st.cash
	for _, pos := range st.open {
		eq += pos.UnrealizedPnL(price)
	}
	return eq
}

// openPosition 按收盘价（含滑点）建仓，开仓手续费立即从现金扣除。
func (st *simState) openPosition(cfg Config, sizer Sizer, intent Intent, candle market.Candle) *Position {
	if intent.Direction != SideLong && intent.Direction != SideShort {
		return nil
	}
	price := candle.Close
	slip := price * cfg.SlippageBps / 10000
	if intent.Direction == SideLong {
		price += slip
	} else {
		price -= slip
	}
	if price <= 0 {
		return nil
	}
	size := sizer.Size(st.equity(candle.Close), price, cfg.RiskPerTrade, intent.Confidence)
	if size <= 0 {
		return nil
	}
	stop, target := intent.StopLoss, intent.TakeProfit
	if stop <= 0 {
		if pct := cfg.Params.Get("stop_loss_pct", 0); pct > 0 {
			if intent.Direction == SideLong {
				stop = price * (1 - pct)
			} else {
				stop = price * (1 + pct)
			}
		}
	}
	if target <= 0 {
		if pct := cfg.Params.Get("take_profit_pct", 0); pct > 0 {
			if intent.Direction == SideLong {
				target = price * (1 + pct)
			} else {
				target = price * (1 - pct)
			}
		}
	}
	fee := size * price * cfg.FeeRate
	if fee > st.cash {
		return nil
	}
	st.cash -= fee
	return &Position{
		Side:       intent.Direction,
		EntryTime:  candle.CloseTime,
		EntryPrice: price,
		Size:       size,
		StopLoss:   stop,
		TakeProfit: target,
		entryFee:   fee,
	}
}

// close 平仓并生成不可变 Trade。PnL 已扣除开/平两侧手续费，
// 因此 Σ Trade.PnL == 最终权益 − 初始资金 恒成立。
// marketFill=true 表示按市价成交（强平/时间退出），需要计滑点。
func (st *simState) close(cfg Config, pos Position, price float64, ts int64, reason string, marketFill bool) Trade {
	if marketFill {
		slip := price * cfg.SlippageBps / 10000
		if pos.Side == SideLong {
			price -= slip
		} else {
			price += slip
		}
	}
	exitFee := pos.Size * price * cfg.FeeRate
	gross := pos.UnrealizedPnL(price)
	st.cash += gross - exitFee

	pnl := gross - exitFee - pos.entryFee
	notional := pos.EntryPrice * pos.Size
	pnlPct := 0.0
	if notional > 0 {
		pnlPct = pnl / notional
	}
	return Trade{
		Symbol:     cfg.Symbol,
		Side:       pos.Side,
		EntryTime:  pos.EntryTime,
		ExitTime:   ts,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Size:       pos.Size,
		PnL:        pnl,
		PnLPct:     pnlPct,
		HoldingMs:  ts - pos.EntryTime,
		ExitReason: reason,
	}
}
