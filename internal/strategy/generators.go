package strategy

import (
	"fmt"
	"math"
	"sort"

	"optra/internal/backtest"
	"optra/internal/market"

	"github.com/markcheno/go-talib"
)

// GeneratorFactory 按参数构造信号生成器。
type GeneratorFactory func(params backtest.ParamSet) (backtest.SignalGenerator, error)

var builtinHandlers = map[string]GeneratorFactory{
	"ma_crossover":      newMACrossover,
	"rsi_reversion":     newRSIReversion,
	"donchian_breakout": newDonchianBreakout,
}

// Handlers 返回内置 handler 名称（排序后）。
func Handlers() []string {
	out := make([]string, 0, len(builtinHandlers))
	for k := range builtinHandlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookupHandler(name string) (GeneratorFactory, error) {
	factory, ok := builtinHandlers[name]
	if !ok {
		return nil, fmt.Errorf("未知策略 handler: %s", name)
	}
	return factory, nil
}

// BuildGenerator 按 handler 名称与参数构造生成器。
func BuildGenerator(handler string, params backtest.ParamSet) (backtest.SignalGenerator, error) {
	factory, err := lookupHandler(handler)
	if err != nil {
		return nil, err
	}
	return factory(params)
}

// maCrossover 双均线交叉：快线上穿慢线做多，下穿做空。
// 每次调用只看传入切片，绝不缓存历史。
type maCrossover struct {
	fast int
	slow int
}

func newMACrossover(params backtest.ParamSet) (backtest.SignalGenerator, error) {
	fast := int(params.Get("fast_period", 10))
	slow := int(params.Get("slow_period", 30))
	if fast < 1 || slow < 2 || fast >= slow {
		return nil, fmt.Errorf("ma_crossover 要求 1 <= fast_period < slow_period，当前 fast=%d slow=%d", fast, slow)
	}
	return maCrossover{fast: fast, slow: slow}, nil
}

func (g maCrossover) Generate(candles []market.Candle) []backtest.Intent {
	if len(candles) < g.slow+1 {
		return nil
	}
	closes := market.Closes(candles)
	fastLine := talib.Ema(closes, g.fast)
	slowLine := talib.Ema(closes, g.slow)
	n := len(closes)
	fPrev, sPrev := fastLine[n-2], slowLine[n-2]
	fCur, sCur := fastLine[n-1], slowLine[n-1]
	if sPrev == 0 || sCur == 0 {
		return nil
	}
	conf := crossConfidence(fCur, sCur)
	if fPrev <= sPrev && fCur > sCur {
		return []backtest.Intent{{Direction: backtest.SideLong, Confidence: conf}}
	}
	if fPrev >= sPrev && fCur < sCur {
		return []backtest.Intent{{Direction: backtest.SideShort, Confidence: conf}}
	}
	return nil
}

// crossConfidence 以两线相对距离衡量交叉强度，压缩到 [0,1]。
func crossConfidence(fast, slow float64) float64 {
	spread := math.Abs(fast-slow) / math.Abs(slow)
	return math.Min(1, spread*100)
}

// rsiReversion RSI 超卖/超买反转。
// 只在跨入阈值区间的那根 bar 触发，避免区间内逐 bar 重复开仓。
type rsiReversion struct {
	period     int
	oversold   float64
	overbought float64
}

func newRSIReversion(params backtest.ParamSet) (backtest.SignalGenerator, error) {
	period := int(params.Get("rsi_period", 14))
	oversold := params.Get("oversold", 30)
	overbought := params.Get("overbought", 70)
	if period < 2 {
		return nil, fmt.Errorf("rsi_reversion 要求 rsi_period >= 2，当前 %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("rsi_reversion 要求 0 < oversold < overbought < 100")
	}
	return rsiReversion{period: period, oversold: oversold, overbought: overbought}, nil
}

func (g rsiReversion) Generate(candles []market.Candle) []backtest.Intent {
	if len(candles) < g.period+2 {
		return nil
	}
	closes := market.Closes(candles)
	rsi := talib.Rsi(closes, g.period)
	n := len(rsi)
	prev, cur := rsi[n-2], rsi[n-1]
	if prev >= g.oversold && cur < g.oversold {
		conf := math.Min(1, (g.oversold-cur)/g.oversold)
		return []backtest.Intent{{Direction: backtest.SideLong, Confidence: conf}}
	}
	if prev <= g.overbought && cur > g.overbought {
		conf := math.Min(1, (cur-g.overbought)/(100-g.overbought))
		return []backtest.Intent{{Direction: backtest.SideShort, Confidence: conf}}
	}
	return nil
}

// donchianBreakout 唐奇安通道突破：收盘价突破前 N 根高点做多，跌破低点做空。
type donchianBreakout struct {
	lookback int
}

func newDonchianBreakout(params backtest.ParamSet) (backtest.SignalGenerator, error) {
	lookback := int(params.Get("lookback", 20))
	if lookback < 2 {
		return nil, fmt.Errorf("donchian_breakout 要求 lookback >= 2，当前 %d", lookback)
	}
	return donchianBreakout{lookback: lookback}, nil
}

func (g donchianBreakout) Generate(candles []market.Candle) []backtest.Intent {
	if len(candles) < g.lookback+1 {
		return nil
	}
	n := len(candles)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	upper := talib.Max(highs, g.lookback)
	lower := talib.Min(lows, g.lookback)
	// 用上一根 bar 的通道作为突破基准，当前 bar 自身不参与通道计算。
	prevHigh := upper[n-2]
	prevLow := lower[n-2]
	cur := candles[n-1].Close
	if prevHigh > 0 && cur > prevHigh {
		conf := math.Min(1, (cur-prevHigh)/prevHigh*100)
		return []backtest.Intent{{Direction: backtest.SideLong, Confidence: conf}}
	}
	if prevLow > 0 && cur < prevLow {
		conf := math.Min(1, (prevLow-cur)/prevLow*100)
		return []backtest.Intent{{Direction: backtest.SideShort, Confidence: conf}}
	}
	return nil
}
