package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"optra/internal/backtest"
	"optra/internal/logger"
	"optra/internal/montecarlo"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#f87171"
	colorWin           = "#34d399"
	colorLoss          = "#fb7185"

	chartWidthPx  = 1400
	chartHeightPx = 480
)

// Writer 生成 HTML 报表。
type Writer struct {
	outputDir string
}

func NewWriter(outputDir string) (*Writer, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("report output_dir 不能为空")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{outputDir: outputDir}, nil
}

func chartInit(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func titleOpts(title, subtitle string) charts.GlobalOpts {
	return charts.WithTitleOpts(opts.Title{
		Title:         title,
		Subtitle:      subtitle,
		Left:          "left",
		Top:           "10",
		TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
	})
}

// WriteBacktest 输出资金曲线 + 回撤 + 单笔盈亏三张图。
func (w *Writer) WriteBacktest(runID string, result backtest.Result, metrics backtest.Metrics) (string, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := make([]string, len(result.Equity))
	equityData := make([]opts.LineData, len(result.Equity))
	drawdownData := make([]opts.LineData, len(result.Equity))
	for i, p := range result.Equity {
		xAxis[i] = time.UnixMilli(p.TS).UTC().Format("01-02 15:04")
		equityData[i] = opts.LineData{Value: round(p.Equity, 2)}
		drawdownData[i] = opts.LineData{Value: round(p.Drawdown*100, 3)}
	}

	equity := charts.NewLine()
	equity.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(chartHeightPx)),
		titleOpts("Equity Curve", fmt.Sprintf("final=%.2f return=%.2f%% trades=%d", metrics.FinalEquity, metrics.TotalReturn*100, metrics.Trades)),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)
	equity.SetXAxis(xAxis)
	equity.AddSeries("Equity", equityData, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))

	drawdown := charts.NewLine()
	drawdown.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(300)),
		titleOpts("Drawdown %", fmt.Sprintf("max=%.2f%%", metrics.MaxDrawdown*100)),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	drawdown.SetXAxis(xAxis)
	drawdown.AddSeries("Drawdown", drawdownData, charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.25)}))

	page.AddCharts(equity, drawdown)
	if len(result.Trades) > 0 {
		page.AddCharts(tradePnLChart(result.Trades))
	}
	return w.render(page, fmt.Sprintf("backtest_%s.html", runID))
}

func tradePnLChart(trades []backtest.Trade) *charts.Bar {
	xAxis := make([]string, len(trades))
	data := make([]opts.BarData, len(trades))
	for i, t := range trades {
		xAxis[i] = fmt.Sprintf("#%d", i+1)
		color := colorWin
		if t.PnL < 0 {
			color = colorLoss
		}
		data[i] = opts.BarData{
			Value:     round(t.PnL, 4),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(300)),
		titleOpts("Trade PnL", ""),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	bar.SetXAxis(xAxis)
	bar.AddSeries("PnL", data)
	return bar
}

// WriteMonteCarlo 输出终值收益分布直方图与抽样路径。
func (w *Writer) WriteMonteCarlo(runID string, mc montecarlo.Report) (string, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	labels, counts := histogram(mc.Terminals, 40)
	histData := make([]opts.BarData, len(counts))
	for i, c := range counts {
		histData[i] = opts.BarData{Value: c}
	}
	hist := charts.NewBar()
	hist.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(chartHeightPx)),
		titleOpts("Terminal Return Distribution",
			fmt.Sprintf("paths=%d mean=%.2f%% VaR%.0f=%.2f%% CVaR=%.2f%% P(loss)=%.1f%%",
				mc.NumPaths, mc.Stats.MeanTerminal*100, mc.ConfidenceLevel*100,
				mc.Stats.VaR*100, mc.Stats.CVaR*100, mc.Stats.ProbLoss*100)),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	hist.SetXAxis(labels)
	hist.AddSeries("Paths", histData)
	page.AddCharts(hist)

	if len(mc.SamplePaths) > 0 {
		paths := charts.NewLine()
		paths.SetGlobalOptions(
			charts.WithInitializationOpts(chartInit(360)),
			titleOpts("Sample Equity Paths", fmt.Sprintf("showing %d of %d", len(mc.SamplePaths), mc.NumPaths)),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		)
		longest := 0
		for _, p := range mc.SamplePaths {
			if len(p) > longest {
				longest = len(p)
			}
		}
		xAxis := make([]string, longest)
		for i := range xAxis {
			xAxis[i] = fmt.Sprintf("%d", i)
		}
		paths.SetXAxis(xAxis)
		for i, p := range mc.SamplePaths {
			data := make([]opts.LineData, len(p))
			for j, v := range p {
				data[j] = opts.LineData{Value: round(v, 2)}
			}
			paths.AddSeries(fmt.Sprintf("path %d", i+1), data, charts.WithLineStyleOpts(opts.LineStyle{Width: 1}))
		}
		page.AddCharts(paths)
	}
	return w.render(page, fmt.Sprintf("montecarlo_%s.html", runID))
}

func (w *Writer) render(page *components.Page, filename string) (string, error) {
	path := filepath.Join(w.outputDir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return "", err
	}
	logger.Infof("[report] 已输出 %s", path)
	return path, nil
}

// histogram 等宽分桶，返回桶标签与计数。
func histogram(sorted []float64, buckets int) ([]string, []int) {
	if len(sorted) == 0 || buckets < 1 {
		return nil, nil
	}
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		return []string{fmt.Sprintf("%.2f%%", lo*100)}, []int{len(sorted)}
	}
	width := (hi - lo) / float64(buckets)
	labels := make([]string, buckets)
	counts := make([]int, buckets)
	for i := range labels {
		labels[i] = fmt.Sprintf("%.1f%%", (lo+width*float64(i))*100)
	}
	for _, v := range sorted {
		idx := int((v - lo) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}
	return labels, counts
}

func round(v float64, digits int) float64 {
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}
