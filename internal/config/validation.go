package config

import "fmt"

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Optimize.validate(); err != nil {
		return err
	}
	if err := c.WalkForward.validate(); err != nil {
		return err
	}
	if err := c.MonteCarlo.validate(); err != nil {
		return err
	}
	return c.Regime.validate()
}

func (b *BacktestConfig) validate() error {
	if b.RiskPerTrade > 1 {
		return fmt.Errorf("backtest.risk_per_trade 需在 (0,1]")
	}
	if b.FeeRate > 0.05 {
		return fmt.Errorf("backtest.fee_rate %.4f 异常偏高", b.FeeRate)
	}
	return nil
}

func (o *OptimizeConfig) validate() error {
	switch o.Method {
	case "grid", "random", "genetic":
	default:
		return fmt.Errorf("optimize.method 仅支持 grid/random/genetic，当前 %q", o.Method)
	}
	switch o.Fitness {
	case "return", "sharpe", "calmar", "multi_objective":
	default:
		return fmt.Errorf("optimize.fitness 仅支持 return/sharpe/calmar/multi_objective，当前 %q", o.Fitness)
	}
	return nil
}

func (w *WalkForwardConfig) validate() error {
	if w.OutOfSampleRatio >= 1 {
		return fmt.Errorf("walkforward.out_of_sample_ratio 需在 (0,1)")
	}
	if w.StepSize > w.WindowSize {
		return fmt.Errorf("walkforward.step_size 不应大于 window_size")
	}
	return nil
}

func (m *MonteCarloConfig) validate() error {
	if m.ConfidenceLevel >= 1 {
		return fmt.Errorf("montecarlo.confidence_level 需在 (0,1)")
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	t := r.Thresholds
	if t.LowVol >= t.HighVol {
		return fmt.Errorf("regime.thresholds 要求 low_vol < high_vol")
	}
	if t.TrendAbs < 0 {
		return fmt.Errorf("regime.thresholds.trend_abs 需 >= 0")
	}
	return nil
}
