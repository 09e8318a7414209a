package config

import (
	"fmt"

	"optra/internal/montecarlo"
	"optra/internal/optimize"
	"optra/internal/regime"
	"optra/internal/walkforward"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config 服务全量配置。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Data        DataConfig        `mapstructure:"data"`
	Backtest    BacktestConfig    `mapstructure:"backtest"`
	Optimize    OptimizeConfig    `mapstructure:"optimize"`
	WalkForward WalkForwardConfig `mapstructure:"walkforward"`
	MonteCarlo  MonteCarloConfig  `mapstructure:"montecarlo"`
	Regime      RegimeConfig      `mapstructure:"regime"`
	Strategies  StrategiesConfig  `mapstructure:"strategies"`
	Report      ReportConfig      `mapstructure:"report"`
}

// AppConfig 进程级配置。
type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`
	LogPath  string `mapstructure:"log_path"`
}

// DataConfig 行情数据层配置。
type DataConfig struct {
	Root            string `mapstructure:"root"`
	ResultsRoot     string `mapstructure:"results_root"`
	DefaultExchange string `mapstructure:"default_exchange"`
	BinanceBaseURL  string `mapstructure:"binance_base_url"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	MaxBatch        int    `mapstructure:"max_batch"`
	MaxConcurrent   int    `mapstructure:"max_concurrent"`
}

// BacktestConfig 回测缺省参数，请求未指定时生效。
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	RiskPerTrade   float64 `mapstructure:"risk_per_trade"`
	MaxPositions   int     `mapstructure:"max_positions"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	MaxConcurrent  int     `mapstructure:"max_concurrent"`
}

// OptimizeConfig 参数搜索缺省配置。
type OptimizeConfig struct {
	Method      string                         `mapstructure:"method"`
	Budget      int                            `mapstructure:"budget"`
	Fitness     string                         `mapstructure:"fitness"`
	Parallelism int                            `mapstructure:"parallelism"`
	Weights     optimize.MultiObjectiveWeights `mapstructure:"weights"`
	Genetic     optimize.GeneticConfig         `mapstructure:"genetic"`
}

// WalkForwardConfig 滚动验证缺省配置。
type WalkForwardConfig struct {
	WindowSize       int     `mapstructure:"window_size"`
	StepSize         int     `mapstructure:"step_size"`
	OutOfSampleRatio float64 `mapstructure:"out_of_sample_ratio"`
}

// MonteCarloConfig 蒙特卡洛缺省配置。
type MonteCarloConfig struct {
	NumPaths        int     `mapstructure:"num_paths"`
	ConfidenceLevel float64 `mapstructure:"confidence_level"`
}

// RegimeConfig 市场状态分类配置。
type RegimeConfig struct {
	Window     int               `mapstructure:"window"`
	Thresholds regime.Thresholds `mapstructure:"thresholds"`
}

// StrategiesConfig 策略 registry 配置。
type StrategiesConfig struct {
	Path string `mapstructure:"path"`
}

// ReportConfig HTML 报表输出配置。
type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// Load 读取并校验配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path 不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败 (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WalkForwardDefaults 转换为执行器配置（不含优化器部分）。
func (c *Config) WalkForwardDefaults() walkforward.Config {
	return walkforward.Config{
		WindowSize:       c.WalkForward.WindowSize,
		StepSize:         c.WalkForward.StepSize,
		OutOfSampleRatio: c.WalkForward.OutOfSampleRatio,
	}
}

// MonteCarloDefaults 转换为仿真配置。
func (c *Config) MonteCarloDefaults() montecarlo.Config {
	return montecarlo.Config{
		NumPaths:        c.MonteCarlo.NumPaths,
		ConfidenceLevel: c.MonteCarlo.ConfidenceLevel,
	}
}

// OptimizeDefaults 转换为优化器选项。
func (c *Config) OptimizeDefaults() optimize.Options {
	return optimize.Options{
		Method:      c.Optimize.Method,
		Budget:      c.Optimize.Budget,
		Fitness:     c.Optimize.Fitness,
		Parallelism: c.Optimize.Parallelism,
		Weights:     c.Optimize.Weights,
		Genetic:     c.Optimize.Genetic,
	}
}
