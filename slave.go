package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SlaveState 模擬從站狀態
type SlaveState int32

const (
	SlaveStateStopped SlaveState = iota
	SlaveStateStarting
	SlaveStateRunning
	SlaveStateStopping
)

func (s SlaveState) String() string {
	switch s {
	case SlaveStateStopped:
		return "stopped"
	case SlaveStateStarting:
		return "starting"
	case SlaveStateRunning:
		return "running"
	case SlaveStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SimulatorStats 模擬從站統計資訊 (允許 nil)
type SimulatorStats struct {
	StartTime       time.Time
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	LastRequestTime atomic.Int64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
}

func (st *SimulatorStats) record(bytesIn, bytesOut int, hasError bool) {
	if st == nil {
		return
	}
	st.RequestCount.Add(1)
	st.LastRequestTime.Store(time.Now().UnixNano())
	st.BytesReceived.Add(uint64(bytesIn))
	st.BytesSent.Add(uint64(bytesOut))
	if hasError {
		st.ErrorCount.Add(1)
	}
}

// Slave 在序列埠上模擬的 RTU 溫度控制器
//
// mbserver 不檢查站號，任何位址的請求都會回應。
type Slave struct {
	serial SerialConfig
	cfg    SimulatorConfig

	state atomic.Int32

	registers *RegisterMap
	scenario  *ScenarioEngine
	handler   *RequestHandler
	server    *mbserver.Server

	stats SimulatorStats

	scenarioStop context.CancelFunc
	updaterDone  chan struct{}

	logger *zap.Logger
}

// SlaveOption Slave 配置選項
type SlaveOption func(*Slave)

// WithRegisters 設定自訂暫存器
func WithRegisters(rm *RegisterMap) SlaveOption {
	return func(s *Slave) {
		s.registers = rm
	}
}

// WithSlaveLogger 設定日誌
func WithSlaveLogger(logger *zap.Logger) SlaveOption {
	return func(s *Slave) {
		s.logger = logger
	}
}

// NewSlave 建立模擬從站
func NewSlave(serialCfg SerialConfig, cfg SimulatorConfig, opts ...SlaveOption) (*Slave, error) {
	s := &Slave{
		serial: serialCfg,
		cfg:    cfg,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger, _ = zap.NewProduction()
	}

	if s.registers == nil {
		rm, err := TemperatureRegisterMap(cfg)
		if err != nil {
			return nil, err
		}
		s.registers = rm
	}

	s.scenario = NewScenarioEngine(ParseScenarioType(cfg.Scenario), ScenarioParamsFromConfig(cfg))
	s.handler = NewRequestHandler(s.registers, s.scenario, &s.stats, s.logger)

	return s, nil
}

// Start 開啟序列埠並開始回應請求
func (s *Slave) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateStopped), int32(SlaveStateStarting)) {
		return fmt.Errorf("模擬從站 %s 已經在運行中", s.serial.Port)
	}

	s.server = mbserver.NewServer()
	s.handler.Register(s.server)

	s.stats.StartTime = time.Now()
	err := s.server.ListenRTU(&serial.Config{
		Address:  s.serial.Port,
		BaudRate: s.serial.BaudRate,
		DataBits: s.serial.DataBits,
		StopBits: s.serial.StopBits,
		Parity:   s.serial.Parity,
		Timeout:  s.serial.Timeout,
	})
	if err != nil {
		s.state.Store(int32(SlaveStateStopped))
		return &ConnectionError{Port: s.serial.Port, Err: err}
	}

	// 啟動場景更新
	s.scenario.Update(s.registers)
	scenarioCtx, cancel := context.WithCancel(ctx)
	s.scenarioStop = cancel
	s.updaterDone = make(chan struct{})
	go s.runScenarioUpdater(scenarioCtx)

	s.state.Store(int32(SlaveStateRunning))

	scenarioType, _ := s.scenario.GetScenario()
	s.logger.Info("模擬從站已啟動",
		zap.String("serial", s.serial.String()),
		zap.Uint16("register", s.cfg.Register),
		zap.String("type", s.cfg.Type),
		zap.String("scenario", scenarioType.String()),
	)

	return nil
}

// Stop 停止模擬從站
func (s *Slave) Stop() error {
	if !s.state.CompareAndSwap(int32(SlaveStateRunning), int32(SlaveStateStopping)) {
		return nil // 已經停止
	}

	if s.scenarioStop != nil {
		s.scenarioStop()
		<-s.updaterDone
	}

	if s.server != nil {
		s.server.Close()
	}

	s.state.Store(int32(SlaveStateStopped))

	s.logger.Info("模擬從站已停止",
		zap.String("port", s.serial.Port),
		zap.Duration("uptime", time.Since(s.stats.StartTime)),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
		zap.Uint64("errors", s.stats.ErrorCount.Load()),
	)

	return nil
}

// State 取得當前狀態
func (s *Slave) State() SlaveState {
	return SlaveState(s.state.Load())
}

// Stats 取得統計資訊
func (s *Slave) Stats() *SimulatorStats {
	return &s.stats
}

// Registers 取得暫存器映射
func (s *Slave) Registers() *RegisterMap {
	return s.registers
}

// ApplyScenario 執行中切換場景，溫度先回到基準值再由新場景接手
func (s *Slave) ApplyScenario(t ScenarioType) {
	s.scenario.Reset(s.registers)
	s.scenario.SetScenario(t, ScenarioParamsFromConfig(s.cfg))
	s.scenario.Update(s.registers)
	s.logger.Info("套用場景", zap.String("scenario", t.String()))
}

// Scenario 目前的場景
func (s *Slave) Scenario() ScenarioType {
	t, _ := s.scenario.GetScenario()
	return t
}

// runScenarioUpdater 依更新間隔推進場景
func (s *Slave) runScenarioUpdater(ctx context.Context) {
	defer close(s.updaterDone)

	interval := s.cfg.UpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scenario.Update(s.registers)
			if temp, err := s.registers.GetValue(RegisterNameTemperature); err == nil {
				s.logger.Debug("溫度更新", zap.String("value", FormatScaled(temp, s.cfg.Scale)))
			}
		}
	}
}
