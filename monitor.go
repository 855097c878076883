package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SampleHistory 固定容量的取樣歷史，滿了之後淘汰最舊的一筆
type SampleHistory struct {
	mu      sync.RWMutex
	samples []MonitorSample
	head    int
	size    int
}

// NewSampleHistory 建立取樣歷史
func NewSampleHistory(capacity int) *SampleHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleHistory{samples: make([]MonitorSample, capacity)}
}

// Add 加入一筆取樣
func (h *SampleHistory) Add(s MonitorSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[(h.head+h.size)%len(h.samples)] = s
	if h.size < len(h.samples) {
		h.size++
	} else {
		h.head = (h.head + 1) % len(h.samples)
	}
}

// Len 目前筆數
func (h *SampleHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap 容量
func (h *SampleHistory) Cap() int {
	return len(h.samples)
}

// Samples 由舊到新的取樣複本
func (h *SampleHistory) Samples() []MonitorSample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]MonitorSample, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.samples[(h.head+i)%len(h.samples)]
	}
	return out
}

// Last 最新一筆
func (h *SampleHistory) Last() (MonitorSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return MonitorSample{}, false
	}
	return h.samples[(h.head+h.size-1)%len(h.samples)], true
}

// SampleSink 取樣輸出 (例如 MQTT 發佈)
type SampleSink interface {
	PublishSample(s MonitorSample) error
}

// MonitorParams 監測參數
type MonitorParams struct {
	Slave    uint8
	Register uint16
	Type     RegisterType
	Scale    float64
	Interval time.Duration
	// OnSample 每筆取樣 (含錯誤取樣) 記錄後呼叫 (可為 nil)
	OnSample func(s MonitorSample)
}

// Monitor 連續監測單一暫存器
type Monitor struct {
	transport Transport
	params    MonitorParams
	history   *SampleHistory
	sinks     []SampleSink
	logger    *zap.Logger
	metrics   *ProbeMetrics
}

// NewMonitor 建立監測器
func NewMonitor(t Transport, params MonitorParams, history *SampleHistory, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.Interval <= 0 {
		params.Interval = time.Second
	}
	if history == nil {
		history = NewSampleHistory(100)
	}
	return &Monitor{
		transport: t,
		params:    params,
		history:   history,
		logger:    logger,
	}
}

// AddSink 加入取樣輸出
func (m *Monitor) AddSink(s SampleSink) {
	m.sinks = append(m.sinks, s)
}

// WithMetrics 記錄讀取統計
func (m *Monitor) WithMetrics(pm *ProbeMetrics) *Monitor {
	m.metrics = pm
	return m
}

// History 取樣歷史
func (m *Monitor) History() *SampleHistory {
	return m.history
}

// Run 持續讀取直到 ctx 取消
//
// 讀取錯誤記錄為錯誤取樣後繼續；取消只在讀取之間生效，返回 ctx 錯誤。
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("開始監測",
		zap.Uint8("slave", m.params.Slave),
		zap.Uint16("register", m.params.Register),
		zap.String("type", m.params.Type.String()),
		zap.Float64("scale", m.params.Scale),
		zap.Duration("interval", m.params.Interval),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.record(m.sample())

		if err := sleepContext(ctx, m.params.Interval); err != nil {
			return err
		}
	}
}

// sample 讀取一次
func (m *Monitor) sample() MonitorSample {
	raw, _, err := timedRead(m.transport, m.params.Type, m.params.Register, m.params.Slave)
	m.metrics.RecordRead(err)

	s := MonitorSample{Timestamp: time.Now()}
	if err != nil {
		s.Err = err
		s.Formatted = "ERROR"
		return s
	}

	s.Raw = raw
	s.Scaled, s.Formatted = ApplyScale(raw, m.params.Scale)
	return s
}

func (m *Monitor) record(s MonitorSample) {
	m.history.Add(s)

	if s.OK() {
		m.metrics.SetLastValue(s.Scaled)
		m.logger.Debug("取樣",
			zap.Uint16("raw", s.Raw),
			zap.String("value", s.Formatted),
		)
		for _, sink := range m.sinks {
			if err := sink.PublishSample(s); err != nil {
				m.logger.Warn("發佈取樣失敗", zap.Error(err))
			}
		}
	} else {
		m.logger.Warn("讀取失敗", zap.Uint16("register", m.params.Register), zap.Error(s.Err))
	}

	if m.params.OnSample != nil {
		m.params.OnSample(s)
	}
}
