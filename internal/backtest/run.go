package backtest

// 任务生命周期状态：pending → running → done/failed。
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)
