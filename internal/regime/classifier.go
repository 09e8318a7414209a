package regime

import (
	"math"

	"optra/internal/backtest"
	"optra/internal/market"

	"github.com/markcheno/go-talib"
)

const (
	VolNormal = "normal"
	VolHigh   = "high_volatility"
	VolLow    = "low_volatility"

	TrendNeutral = "neutral"
	TrendBullish = "bullish"
	TrendBearish = "bearish"
)

// DefaultWindow 默认回看窗口（单位 bar）。
const DefaultWindow = 20

// Thresholds 市场状态判定阈值，全部为单周期口径。
type Thresholds struct {
	HighVol  float64 `json:"high_vol" mapstructure:"high_vol"`   // 单周期波动率高于该值判为高波动
	LowVol   float64 `json:"low_vol" mapstructure:"low_vol"`     // 低于该值判为低波动
	TrendAbs float64 `json:"trend_abs" mapstructure:"trend_abs"` // 窗口累计对数收益绝对值高于该值判为方向性行情
}

// DefaultThresholds 返回默认阈值：高波动 2%，低波动 0.5%，趋势 0.1%。
func DefaultThresholds() Thresholds {
	return Thresholds{HighVol: 0.02, LowVol: 0.005, TrendAbs: 0.001}
}

// Label 单根 bar 的市场状态标注。
// Volatility 为窗口内对数收益标准差（单周期），AnnualizedVol 为年化值。
type Label struct {
	TS            int64   `json:"ts"`
	VolRegime     string  `json:"vol_regime"`
	TrendRegime   string  `json:"trend_regime"`
	Tag           string  `json:"tag"`
	Volatility    float64 `json:"volatility"`
	AnnualizedVol float64 `json:"annualized_vol"`
	Trend         float64 `json:"trend"`
}

// Classifier 市场状态分类器。同一输入与阈值下输出严格一致，
// 是 walk-forward 结果可复现比较的前提。
type Classifier struct {
	Window        int
	Thresholds    Thresholds
	Annualization float64
}

// NewClassifier 使用默认窗口与阈值。
func NewClassifier() *Classifier {
	return &Classifier{
		Window:        DefaultWindow,
		Thresholds:    DefaultThresholds(),
		Annualization: backtest.DefaultAnnualization,
	}
}

// Classify 对 bars 从下标 Window 起逐根标注（更早的 bar 无窗口可用，不标注）。
// 波动率取窗口内对数收益标准差，趋势取窗口累计对数收益。
func (c *Classifier) Classify(candles []market.Candle) []Label {
	window := c.Window
	if window < 2 {
		window = DefaultWindow
	}
	if len(candles) <= window {
		return nil
	}
	returns := market.LogReturns(candles)
	stds := talib.StdDev(returns, window, 1)
	sums := talib.Sum(returns, window)

	ann := c.Annualization
	if ann <= 0 {
		ann = backtest.DefaultAnnualization
	}
	sqrtAnn := math.Sqrt(ann)

	labels := make([]Label, 0, len(candles)-window)
	for i := window; i < len(candles); i++ {
		vol := stds[i-1]
		trend := sums[i-1]
		lbl := Label{
			TS:            candles[i].OpenTime,
			Volatility:    vol,
			AnnualizedVol: vol * sqrtAnn,
			Trend:         trend,
			VolRegime:     c.volRegime(vol),
			TrendRegime:   c.trendRegime(trend),
		}
		lbl.Tag = lbl.VolRegime + "/" + lbl.TrendRegime
		labels = append(labels, lbl)
	}
	return labels
}

func (c *Classifier) volRegime(vol float64) string {
	switch {
	case vol > c.Thresholds.HighVol:
		return VolHigh
	case vol < c.Thresholds.LowVol:
		return VolLow
	default:
		return VolNormal
	}
}

func (c *Classifier) trendRegime(trend float64) string {
	switch {
	case trend > c.Thresholds.TrendAbs:
		return TrendBullish
	case trend < -c.Thresholds.TrendAbs:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// Summary 统计各状态出现次数，便于报表展示。
func Summary(labels []Label) map[string]int {
	out := make(map[string]int)
	for _, lbl := range labels {
		out[lbl.Tag]++
	}
	return out
}
