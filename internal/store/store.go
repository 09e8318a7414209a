package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"optra/internal/backtest"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

// 任务类型。
const (
	KindBacktest    = "backtest"
	KindOptimize    = "optimize"
	KindWalkForward = "walkforward"
	KindMonteCarlo  = "montecarlo"
)

// RunRecord 一次任务（回测/优化/walk-forward/蒙特卡洛）的持久化记录。
// Config 为完整参数快照，Payload 为任务产出的汇总 JSON。
type RunRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Kind        string `gorm:"size:24;index"`
	Symbol      string `gorm:"size:32;index"`
	Timeframe   string `gorm:"size:8"`
	StrategyID  string `gorm:"size:64"`
	Status      string `gorm:"size:16;index"`
	Message     string
	Fitness     float64
	Config      datatypes.JSON
	Metrics     datatypes.JSON
	Payload     datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (RunRecord) TableName() string { return "runs" }

// TradeRecord 已平仓交易明细。
type TradeRecord struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	RunID      string `gorm:"size:64;index"`
	Symbol     string `gorm:"size:32"`
	Side       string `gorm:"size:8"`
	EntryTime  int64
	ExitTime   int64
	EntryPrice float64
	ExitPrice  float64
	Size       float64
	PnL        float64
	PnLPct     float64
	HoldingMs  int64
	ExitReason string `gorm:"size:16"`
}

func (TradeRecord) TableName() string { return "trades" }

// EquityRecord 资金曲线采样点。
type EquityRecord struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	RunID    string `gorm:"size:64;index"`
	TS       int64
	Equity   float64
	Drawdown float64
}

func (EquityRecord) TableName() string { return "equity_points" }

// Store 基于 gorm 的结果库。
// 写入失败只影响落盘，不影响已算出的结果，由调用方捕获并记日志。
type Store struct {
	db *gorm.DB
}

// Open 打开（或创建）结果库并迁移表结构。
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "results.db")
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开结果库失败: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &TradeRecord{}, &EquityRecord{}); err != nil {
		return nil, fmt.Errorf("结果库迁移失败: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun 写入新任务记录。
func (s *Store) CreateRun(ctx context.Context, rec *RunRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// UpdateRunStatus 更新任务状态与附加信息。
func (s *Store) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	updates := map[string]any{"status": status, "message": message}
	if status == backtest.RunStatusDone || status == backtest.RunStatusFailed {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return s.db.WithContext(ctx).Model(&RunRecord{}).Where("id = ?", id).Updates(updates).Error
}

// FinishRun 任务完成时一次性写入指标与产出。
func (s *Store) FinishRun(ctx context.Context, id string, fitness float64, metrics, payload any) error {
	metricsJSON, err := marshalJSON(metrics)
	if err != nil {
		return err
	}
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.db.WithContext(ctx).Model(&RunRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":       backtest.RunStatusDone,
		"message":      "",
		"fitness":      fitness,
		"metrics":      metricsJSON,
		"payload":      payloadJSON,
		"completed_at": &now,
	}).Error
}

// SaveTrades 批量写入成交明细。
func (s *Store) SaveTrades(ctx context.Context, runID string, trades []backtest.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	records := make([]TradeRecord, len(trades))
	for i, t := range trades {
		records[i] = TradeRecord{
			RunID:      runID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Size:       t.Size,
			PnL:        t.PnL,
			PnLPct:     t.PnLPct,
			HoldingMs:  t.HoldingMs,
			ExitReason: t.ExitReason,
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(records, 500).Error
}

// SaveEquity 批量写入资金曲线。
func (s *Store) SaveEquity(ctx context.Context, runID string, points []backtest.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	records := make([]EquityRecord, len(points))
	for i, p := range points {
		records[i] = EquityRecord{RunID: runID, TS: p.TS, Equity: p.Equity, Drawdown: p.Drawdown}
	}
	return s.db.WithContext(ctx).CreateInBatches(records, 1000).Error
}

// GetRun 按 ID 读取任务。
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	return rec, err
}

// ListRuns 按类型倒序列出任务；kind 为空时不过滤。
func (s *Store) ListRuns(ctx context.Context, kind string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []RunRecord
	err := q.Find(&out).Error
	return out, err
}

// TradesByRun 读取某次任务的全部成交。
func (s *Store) TradesByRun(ctx context.Context, runID string) ([]TradeRecord, error) {
	var out []TradeRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("entry_time ASC").Find(&out).Error
	return out, err
}

// EquityByRun 读取某次任务的资金曲线。
func (s *Store) EquityByRun(ctx context.Context, runID string) ([]EquityRecord, error) {
	var out []EquityRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC").Find(&out).Error
	return out, err
}

func marshalJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
