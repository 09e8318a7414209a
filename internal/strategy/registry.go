package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"optra/internal/backtest"
	"optra/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DomainSpec 描述单个参数的取值范围。
// Values 非空时为离散域；否则为 [Min,Max] 连续域。
type DomainSpec struct {
	Values []float64 `mapstructure:"values" yaml:"values,omitempty" json:"values,omitempty"`
	Min    float64   `mapstructure:"min" yaml:"min,omitempty" json:"min,omitempty"`
	Max    float64   `mapstructure:"max" yaml:"max,omitempty" json:"max,omitempty"`
}

// Discrete 是否为离散域。
func (d DomainSpec) Discrete() bool { return len(d.Values) > 0 }

// Template 描述单个已注册策略。
type Template struct {
	ID          string                 `mapstructure:"id" yaml:"id"`
	Description string                 `mapstructure:"description" yaml:"description"`
	Handler     string                 `mapstructure:"handler" yaml:"handler"`
	Version     int                    `mapstructure:"version" yaml:"version"`
	Defaults    map[string]float64     `mapstructure:"defaults" yaml:"defaults"`
	Space       map[string]DomainSpec  `mapstructure:"space" yaml:"space"`
	Schema      map[string]interface{} `mapstructure:"schema" yaml:"schema"`

	schemaCompiled *jsonschema.Schema
}

// FileConfig 映射 strategies.yaml。
type FileConfig struct {
	Strategies map[string]Template `mapstructure:"strategies" yaml:"strategies"`
}

// Snapshot 公开的策略快照。
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]Template
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理策略模板：加载、校验、热更新。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取策略配置文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry 需要配置文件路径")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取策略配置失败: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("策略配置重载失败: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot 返回当前策略集副本。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Template 返回指定 ID 的策略模板。
func (r *Registry) Template(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[strings.TrimSpace(id)]
	return tpl, ok
}

// IDs 返回已注册策略 ID（排序后）。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Templates))
	for id := range r.snapshot.Templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve 校验参数并返回可执行的信号生成器。
// 模板 defaults 会先合入缺失项，再做 schema 校验。
func (r *Registry) Resolve(id string, params backtest.ParamSet) (backtest.SignalGenerator, backtest.ParamSet, error) {
	tpl, ok := r.Template(id)
	if !ok {
		return nil, nil, fmt.Errorf("未注册的策略: %s", id)
	}
	merged := mergeDefaults(tpl.Defaults, params)
	if err := tpl.ValidateParams(merged); err != nil {
		return nil, nil, fmt.Errorf("策略 %s 参数校验失败: %w", id, err)
	}
	gen, err := BuildGenerator(tpl.Handler, merged)
	if err != nil {
		return nil, nil, err
	}
	return gen, merged, nil
}

func (r *Registry) reload() error {
	cfg, err := readStrategyFile(r.path)
	if err != nil {
		return err
	}
	templates := make(map[string]Template)
	for name, tpl := range cfg.Strategies {
		norm := normalizeTemplate(name, tpl)
		if _, err := lookupHandler(norm.Handler); err != nil {
			logger.Warnf("策略 %s 引用未知 handler %q，已跳过", norm.ID, norm.Handler)
			continue
		}
		templates[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("策略 registry 已加载 %d 个模板（来源 %s）", len(templates), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("strategy listener")
			cb(snap)
		}(fn)
	}
}

func normalizeTemplate(name string, tpl Template) Template {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	if tpl.Handler == "" {
		tpl.Handler = tpl.ID
	}
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	if len(tpl.Schema) > 0 {
		if compiled, err := compileSchema(tpl.Schema); err != nil {
			logger.Errorf("策略 %s schema 编译失败: %v", tpl.ID, err)
		} else {
			tpl.schemaCompiled = compiled
		}
	}
	return tpl
}

func mergeDefaults(defaults map[string]float64, params backtest.ParamSet) backtest.ParamSet {
	merged := params.Clone()
	if merged == nil {
		merged = make(backtest.ParamSet, len(defaults))
	}
	for k, v := range defaults {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: make(map[string]Template, len(src.Templates)),
	}
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func compileSchema(data map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func readStrategyFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("读取策略配置失败: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("解析策略配置失败: %w", err)
	}
	return cfg, nil
}

// ValidateParams 按模板 schema 校验参数集；无 schema 时直接通过。
func (t Template) ValidateParams(params backtest.ParamSet) error {
	if t.schemaCompiled == nil {
		return nil
	}
	obj := make(map[string]any, len(params))
	for k, v := range params {
		obj[k] = v
	}
	return t.schemaCompiled.Validate(obj)
}
