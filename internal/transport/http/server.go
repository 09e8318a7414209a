package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"optra/internal/app"
	"optra/internal/backtest"
	"optra/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server 提供 Gin 接口：数据拉取、回测/优化/验证任务与结果查询。
type Server struct {
	addr   string
	app    *app.App
	router *gin.Engine
	srv    *http.Server
}

func NewServer(addr string, application *app.App) (*Server, error) {
	if application == nil {
		return nil, errors.New("app 不能为空")
	}
	if addr == "" {
		addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, app: application, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	data := s.router.Group("/api/data")
	data.POST("/fetch", s.handleFetch)
	data.GET("/fetch/:id", s.handleFetchStatus)
	data.GET("/jobs", s.handleJobs)
	data.GET("/manifest", s.handleManifest)
	data.GET("/candles", s.handleCandles)

	s.router.GET("/api/strategies", s.handleStrategies)
	s.router.GET("/api/regime", s.handleRegime)

	api := s.router.Group("/api")
	api.POST("/backtest/runs", s.handleBacktestStart)
	api.POST("/optimize/runs", s.handleOptimizeStart)
	api.POST("/walkforward/runs", s.handleWalkForwardStart)
	api.POST("/montecarlo/runs", s.handleMonteCarloStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/trades", s.handleRunTrades)
	api.GET("/runs/:id/equity", s.handleRunEquity)
}

// Start 阻塞运行 HTTP 服务，直到 ctx 取消。
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP 服务监听 %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// writeError 按错误分类映射状态码。
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backtest.ErrInvalidConfig), errors.Is(err, backtest.ErrBudgetExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, backtest.ErrInsufficientData), errors.Is(err, backtest.ErrInsufficientTrades):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleFetch(c *gin.Context) {
	var req struct {
		Exchange  string `json:"exchange"`
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		StartTS   int64  `json:"start_ts" binding:"required"`
		EndTS     int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.app.Fetch().SubmitFetch(backtest.FetchParams{
		Exchange:  req.Exchange,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     req.StartTS,
		End:       req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	job, ok := s.app.Fetch().JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.app.Fetch().JobsSnapshot()})
}

func (s *Server) handleManifest(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	manifest, err := s.app.Fetch().ManifestInfo(c.Request.Context(), symbol, timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": manifest})
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	candles, err := s.app.Fetch().RangeCandles(c.Request.Context(), symbol, timeframe, start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(candles), "candles": candles})
}

func (s *Server) handleStrategies(c *gin.Context) {
	snap := s.app.Registry().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":    snap.Version,
		"loaded_at":  snap.LoadedAt,
		"strategies": snap.Templates,
	})
}

func (s *Server) handleRegime(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	labels, err := s.app.ClassifyRegime(c.Request.Context(), symbol, timeframe, start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(labels), "labels": labels})
}

func (s *Server) handleBacktestStart(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateBacktestBody(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req app.BacktestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.app.StartBacktest(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": rec})
}

func (s *Server) handleOptimizeStart(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateOptimizeBody(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req app.OptimizeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.app.StartOptimize(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": rec})
}

func (s *Server) handleWalkForwardStart(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateWalkForwardBody(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req app.WalkForwardRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.app.StartWalkForward(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": rec})
}

func (s *Server) handleMonteCarloStart(c *gin.Context) {
	var req app.MonteCarloRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id 不能为空"})
		return
	}
	rec, err := s.app.StartMonteCarlo(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": rec})
}

func (s *Server) handleRunList(c *gin.Context) {
	kind := c.Query("kind")
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := s.app.Results().ListRuns(c.Request.Context(), kind, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(runs), "runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	rec, err := s.app.Results().GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": rec})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	trades, err := s.app.Results().TradesByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "trades": trades})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	points, err := s.app.Results().EquityByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(points), "equity": points})
}
