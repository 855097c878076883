package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProbeMetrics 讀取統計
//
// 所有方法允許 nil receiver，未啟用指標時掃描器等元件可直接呼叫。
type ProbeMetrics struct {
	mu sync.RWMutex

	startTime time.Time
	taskName  string
	taskState TaskState

	totalReads     atomic.Uint64
	timeoutErrors  atomic.Uint64
	protocolErrors atomic.Uint64

	lastValueBits atomic.Uint64
	hasLastValue  atomic.Bool

	// 歷史記錄 (用於計算速率)
	readHistory []readSample
	maxHistory  int

	server *http.Server
	logger *zap.Logger
}

type readSample struct {
	timestamp time.Time
	reads     uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Task      string    `json:"task"`
	TaskState string    `json:"task_state"`

	TotalReads     uint64  `json:"total_reads"`
	TimeoutErrors  uint64  `json:"timeout_errors"`
	ProtocolErrors uint64  `json:"protocol_errors"`
	ErrorRate      float64 `json:"error_rate"`
	ReadsPerSec    float64 `json:"reads_per_sec"`

	LastValue *float64 `json:"last_value,omitempty"`
}

// NewProbeMetrics 建立指標收集器
func NewProbeMetrics(logger *zap.Logger) *ProbeMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeMetrics{
		startTime:  time.Now(),
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
		logger:     logger,
	}
}

// RecordRead 記錄一次讀取
func (m *ProbeMetrics) RecordRead(err error) {
	if m == nil {
		return
	}
	m.totalReads.Add(1)
	switch {
	case err == nil:
	case IsProtocolError(err):
		m.protocolErrors.Add(1)
	default:
		m.timeoutErrors.Add(1)
	}
}

// SetLastValue 記錄最新的監測值
func (m *ProbeMetrics) SetLastValue(v float64) {
	if m == nil {
		return
	}
	m.lastValueBits.Store(math.Float64bits(v))
	m.hasLastValue.Store(true)
}

// TrackTask 記錄目前作業
func (m *ProbeMetrics) TrackTask(t *Task) {
	if m == nil || t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskName = t.Name
	m.taskState = t.State()
}

// Start 啟動 HTTP 指標伺服器與背景收集
func (m *ProbeMetrics) Start(ctx context.Context, endpoint string, port int, session *Session) error {
	go m.collectLoop(ctx, session)

	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)

	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{Addr: addr, Handler: mux}
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 關閉指標伺服器
func (m *ProbeMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *ProbeMetrics) collectLoop(ctx context.Context, session *Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session != nil {
				m.TrackTask(session.Current())
			}
			m.collect()
		}
	}
}

// collect 記錄讀取速率樣本
func (m *ProbeMetrics) collect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readHistory = append(m.readHistory, readSample{
		timestamp: time.Now(),
		reads:     m.totalReads.Load(),
	})
	if len(m.readHistory) > m.maxHistory {
		m.readHistory = m.readHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *ProbeMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalReads := m.totalReads.Load()
	timeouts := m.timeoutErrors.Load()
	protocol := m.protocolErrors.Load()

	snapshot := MetricsSnapshot{
		Timestamp:      time.Now(),
		Uptime:         time.Since(m.startTime).String(),
		Task:           m.taskName,
		TaskState:      m.taskState.String(),
		TotalReads:     totalReads,
		TimeoutErrors:  timeouts,
		ProtocolErrors: protocol,
	}

	if totalReads > 0 {
		snapshot.ErrorRate = float64(timeouts+protocol) / float64(totalReads) * 100
	}

	if len(m.readHistory) >= 2 {
		first := m.readHistory[0]
		last := m.readHistory[len(m.readHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.ReadsPerSec = float64(last.reads-first.reads) / duration
		}
	}

	if m.hasLastValue.Load() {
		v := math.Float64frombits(m.lastValueBits.Load())
		snapshot.LastValue = &v
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *ProbeMetrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP modbusprobe_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE modbusprobe_uptime_seconds gauge\n")
	fmt.Fprintf(w, "modbusprobe_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	fmt.Fprintf(w, "# HELP modbusprobe_task_running Whether a task holds the serial port\n")
	fmt.Fprintf(w, "# TYPE modbusprobe_task_running gauge\n")
	running := 0
	if snapshot.TaskState == TaskStateRunning.String() {
		running = 1
	}
	fmt.Fprintf(w, "modbusprobe_task_running{task=%q} %d\n\n", snapshot.Task, running)

	fmt.Fprintf(w, "# HELP modbusprobe_reads_total Total number of register reads\n")
	fmt.Fprintf(w, "# TYPE modbusprobe_reads_total counter\n")
	fmt.Fprintf(w, "modbusprobe_reads_total %d\n\n", snapshot.TotalReads)

	fmt.Fprintf(w, "# HELP modbusprobe_read_errors_total Read errors by kind\n")
	fmt.Fprintf(w, "# TYPE modbusprobe_read_errors_total counter\n")
	fmt.Fprintf(w, "modbusprobe_read_errors_total{kind=\"timeout\"} %d\n", snapshot.TimeoutErrors)
	fmt.Fprintf(w, "modbusprobe_read_errors_total{kind=\"exception\"} %d\n\n", snapshot.ProtocolErrors)

	fmt.Fprintf(w, "# HELP modbusprobe_reads_per_second Reads per second\n")
	fmt.Fprintf(w, "# TYPE modbusprobe_reads_per_second gauge\n")
	fmt.Fprintf(w, "modbusprobe_reads_per_second %f\n", snapshot.ReadsPerSec)

	if snapshot.LastValue != nil {
		fmt.Fprintf(w, "\n# HELP modbusprobe_monitor_value Last monitored value after scaling\n")
		fmt.Fprintf(w, "# TYPE modbusprobe_monitor_value gauge\n")
		fmt.Fprintf(w, "modbusprobe_monitor_value %f\n", *snapshot.LastValue)
	}
}

// handleHealth 處理 /health 請求
func (m *ProbeMetrics) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *ProbeMetrics) handleReady(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	state := m.taskState
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if state != TaskStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
