package config

import (
	"optra/internal/optimize"
	"optra/internal/regime"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9992"
	defaultDataRoot        = "data/candles"
	defaultResultsRoot     = "data/results"
	defaultExchange        = "binance"
	defaultRateLimitPerMin = 1100
	defaultMaxBatch        = 1000
	defaultMaxConcurrent   = 2

	defaultInitialCapital    = 10000
	defaultRiskPerTrade      = 0.02
	defaultMaxPositions      = 3
	defaultFeeRate           = 0.0004
	defaultSlippageBps       = 1.0
	defaultRunConcurrency    = 2
	defaultOptimizeMethod    = "grid"
	defaultOptimizeBudget    = 2000
	defaultOptimizeFitness   = "sharpe"
	defaultWFWindowSize      = 500
	defaultWFStepSize        = 100
	defaultWFOOSRatio        = 0.25
	defaultMCPaths           = 1000
	defaultMCConfidence      = 0.95
	defaultStrategiesPath    = "configs/strategies.yaml"
	defaultReportOutputDir   = "data/reports"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultAppEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = defaultAppHTTPAddr
	}

	if c.Data.Root == "" {
		c.Data.Root = defaultDataRoot
	}
	if c.Data.ResultsRoot == "" {
		c.Data.ResultsRoot = defaultResultsRoot
	}
	if c.Data.DefaultExchange == "" {
		c.Data.DefaultExchange = defaultExchange
	}
	if c.Data.RateLimitPerMin <= 0 {
		c.Data.RateLimitPerMin = defaultRateLimitPerMin
	}
	if c.Data.MaxBatch <= 0 {
		c.Data.MaxBatch = defaultMaxBatch
	}
	if c.Data.MaxConcurrent <= 0 {
		c.Data.MaxConcurrent = defaultMaxConcurrent
	}

	if c.Backtest.InitialCapital <= 0 {
		c.Backtest.InitialCapital = defaultInitialCapital
	}
	if c.Backtest.RiskPerTrade <= 0 {
		c.Backtest.RiskPerTrade = defaultRiskPerTrade
	}
	if c.Backtest.MaxPositions <= 0 {
		c.Backtest.MaxPositions = defaultMaxPositions
	}
	if c.Backtest.FeeRate < 0 {
		c.Backtest.FeeRate = defaultFeeRate
	}
	if c.Backtest.SlippageBps < 0 {
		c.Backtest.SlippageBps = defaultSlippageBps
	}
	if c.Backtest.MaxConcurrent <= 0 {
		c.Backtest.MaxConcurrent = defaultRunConcurrency
	}

	if c.Optimize.Method == "" {
		c.Optimize.Method = defaultOptimizeMethod
	}
	if c.Optimize.Budget <= 0 {
		c.Optimize.Budget = defaultOptimizeBudget
	}
	if c.Optimize.Fitness == "" {
		c.Optimize.Fitness = defaultOptimizeFitness
	}
	if c.Optimize.Weights == (optimize.MultiObjectiveWeights{}) {
		c.Optimize.Weights = optimize.DefaultMultiObjectiveWeights()
	}

	if c.WalkForward.WindowSize <= 0 {
		c.WalkForward.WindowSize = defaultWFWindowSize
	}
	if c.WalkForward.StepSize <= 0 {
		c.WalkForward.StepSize = defaultWFStepSize
	}
	if c.WalkForward.OutOfSampleRatio <= 0 {
		c.WalkForward.OutOfSampleRatio = defaultWFOOSRatio
	}

	if c.MonteCarlo.NumPaths <= 0 {
		c.MonteCarlo.NumPaths = defaultMCPaths
	}
	if c.MonteCarlo.ConfidenceLevel <= 0 {
		c.MonteCarlo.ConfidenceLevel = defaultMCConfidence
	}

	if c.Regime.Window <= 0 {
		c.Regime.Window = regime.DefaultWindow
	}
	if c.Regime.Thresholds == (regime.Thresholds{}) {
		c.Regime.Thresholds = regime.DefaultThresholds()
	}

	if c.Strategies.Path == "" {
		c.Strategies.Path = defaultStrategiesPath
	}
	if c.Report.OutputDir == "" {
		c.Report.OutputDir = defaultReportOutputDir
	}
}
