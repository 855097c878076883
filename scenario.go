package main

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ScenarioType 模擬場景類型
type ScenarioType int

const (
	ScenarioSteady ScenarioType = iota
	ScenarioDrift
	ScenarioNoise
	ScenarioFault
)

func (s ScenarioType) String() string {
	switch s {
	case ScenarioSteady:
		return "steady"
	case ScenarioDrift:
		return "drift"
	case ScenarioNoise:
		return "noise"
	case ScenarioFault:
		return "fault"
	default:
		return "unknown"
	}
}

// ParseScenarioType 解析場景類型，無法辨識時為 steady
func ParseScenarioType(s string) ScenarioType {
	switch s {
	case "steady":
		return ScenarioSteady
	case "drift":
		return ScenarioDrift
	case "noise":
		return ScenarioNoise
	case "fault":
		return ScenarioFault
	default:
		return ScenarioSteady
	}
}

// LookupScenarioType 嚴格解析場景名稱
func LookupScenarioType(name string) (ScenarioType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range ListScenarioTypes() {
		if t.String() == name {
			return t, true
		}
	}
	return ScenarioSteady, false
}

// alarmMargin 溫度超過設定點多少度時觸發警報線圈
const alarmMargin = 5.0

// ScenarioParams 場景參數
type ScenarioParams struct {
	BaseValue float64
	Amplitude float64
	Period    time.Duration
	Noise     float64
	JitterMin time.Duration
	JitterMax time.Duration
	FaultRate float64
}

// ScenarioParamsFromConfig 由模擬器配置取得場景參數
func ScenarioParamsFromConfig(cfg SimulatorConfig) ScenarioParams {
	return ScenarioParams{
		BaseValue: cfg.BaseValue,
		Amplitude: cfg.Amplitude,
		Period:    cfg.Period,
		Noise:     cfg.Noise,
		JitterMin: cfg.JitterMin,
		JitterMax: cfg.JitterMax,
		FaultRate: cfg.FaultRate,
	}
}

// ScenarioHandler 場景處理介面
type ScenarioHandler interface {
	Type() ScenarioType
	Update(registers *RegisterMap, params ScenarioParams)
	Reset(registers *RegisterMap, params ScenarioParams)
}

// FaultProfile 由請求處理器套用的通訊異常
type FaultProfile interface {
	FaultProfile() (jitterMin, jitterMax time.Duration, rate float64)
}

// 場景處理器工廠；每個模擬器取得自己的處理器實例
var (
	scenarioFactories   = make(map[ScenarioType]func() ScenarioHandler)
	scenarioFactoriesMu sync.RWMutex
)

func init() {
	RegisterScenarioHandler(ScenarioSteady, func() ScenarioHandler { return &SteadyScenario{} })
	RegisterScenarioHandler(ScenarioDrift, func() ScenarioHandler { return &DriftScenario{} })
	RegisterScenarioHandler(ScenarioNoise, func() ScenarioHandler { return &NoiseScenario{} })
	RegisterScenarioHandler(ScenarioFault, func() ScenarioHandler { return &FaultScenario{} })
}

// RegisterScenarioHandler 註冊場景處理器
func RegisterScenarioHandler(t ScenarioType, factory func() ScenarioHandler) {
	scenarioFactoriesMu.Lock()
	defer scenarioFactoriesMu.Unlock()
	scenarioFactories[t] = factory
}

// NewScenarioHandler 建立場景處理器
func NewScenarioHandler(t ScenarioType) ScenarioHandler {
	scenarioFactoriesMu.RLock()
	defer scenarioFactoriesMu.RUnlock()

	factory, ok := scenarioFactories[t]
	if !ok {
		return nil
	}
	return factory()
}

// ListScenarioTypes 列出所有場景類型
func ListScenarioTypes() []ScenarioType {
	return []ScenarioType{
		ScenarioSteady,
		ScenarioDrift,
		ScenarioNoise,
		ScenarioFault,
	}
}

// --- Steady Scenario ---

// SteadyScenario 固定溫度
type SteadyScenario struct{}

func (s *SteadyScenario) Type() ScenarioType {
	return ScenarioSteady
}

func (s *SteadyScenario) Update(registers *RegisterMap, params ScenarioParams) {
	registers.SetValue(RegisterNameTemperature, params.BaseValue)
}

func (s *SteadyScenario) Reset(registers *RegisterMap, params ScenarioParams) {
	registers.SetValue(RegisterNameTemperature, params.BaseValue)
}

// --- Drift Scenario ---

// DriftScenario 以正弦波緩慢漂移
type DriftScenario struct {
	startTime time.Time
}

func (s *DriftScenario) Type() ScenarioType {
	return ScenarioDrift
}

func (s *DriftScenario) Update(registers *RegisterMap, params ScenarioParams) {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
	registers.SetValue(RegisterNameTemperature, s.valueAt(time.Since(s.startTime), params))
}

func (s *DriftScenario) valueAt(elapsed time.Duration, params ScenarioParams) float64 {
	amplitude := params.Amplitude
	if amplitude == 0 {
		amplitude = 2.0
	}
	period := params.Period
	if period <= 0 {
		period = 5 * time.Minute
	}
	phase := 2 * math.Pi * elapsed.Seconds() / period.Seconds()
	return params.BaseValue + amplitude*math.Sin(phase)
}

func (s *DriftScenario) Reset(registers *RegisterMap, params ScenarioParams) {
	s.startTime = time.Time{}
	registers.SetValue(RegisterNameTemperature, params.BaseValue)
}

// --- Noise Scenario ---

// NoiseScenario 隨機漫步，限制在基準值 ± 振幅之內
type NoiseScenario struct {
	current float64
	started bool
}

func (s *NoiseScenario) Type() ScenarioType {
	return ScenarioNoise
}

func (s *NoiseScenario) Update(registers *RegisterMap, params ScenarioParams) {
	if !s.started {
		s.current = params.BaseValue
		s.started = true
	}

	noise := params.Noise
	if noise == 0 {
		noise = 0.3
	}
	amplitude := params.Amplitude
	if amplitude == 0 {
		amplitude = 2.0
	}

	s.current += (rand.Float64()*2 - 1) * noise
	s.current = math.Max(params.BaseValue-amplitude, math.Min(params.BaseValue+amplitude, s.current))
	registers.SetValue(RegisterNameTemperature, s.current)
}

func (s *NoiseScenario) Reset(registers *RegisterMap, params ScenarioParams) {
	s.started = false
	registers.SetValue(RegisterNameTemperature, params.BaseValue)
}

// --- Fault Scenario ---

// FaultScenario 溫度漂移，同時讓請求處理器加入延遲與異常回應
type FaultScenario struct {
	mu        sync.RWMutex
	drift     DriftScenario
	jitterMin time.Duration
	jitterMax time.Duration
	rate      float64
}

func (s *FaultScenario) Type() ScenarioType {
	return ScenarioFault
}

func (s *FaultScenario) Update(registers *RegisterMap, params ScenarioParams) {
	s.mu.Lock()
	s.jitterMin = params.JitterMin
	s.jitterMax = params.JitterMax
	if s.jitterMax == 0 {
		s.jitterMin = 50 * time.Millisecond
		s.jitterMax = 300 * time.Millisecond
	}
	s.rate = params.FaultRate
	if s.rate == 0 {
		s.rate = 0.1 // 預設 10%
	}
	s.mu.Unlock()

	s.drift.Update(registers, params)
}

func (s *FaultScenario) Reset(registers *RegisterMap, params ScenarioParams) {
	s.mu.Lock()
	s.jitterMin, s.jitterMax, s.rate = 0, 0, 0
	s.mu.Unlock()
	s.drift.Reset(registers, params)
}

// FaultProfile 取得延遲範圍與異常比例
func (s *FaultScenario) FaultProfile() (time.Duration, time.Duration, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jitterMin, s.jitterMax, s.rate
}

// ScenarioEngine 場景引擎 (管理場景切換和更新)
type ScenarioEngine struct {
	mu sync.RWMutex

	currentType    ScenarioType
	currentHandler ScenarioHandler
	params         ScenarioParams
}

// NewScenarioEngine 建立場景引擎
func NewScenarioEngine(t ScenarioType, params ScenarioParams) *ScenarioEngine {
	return &ScenarioEngine{
		currentType:    t,
		currentHandler: NewScenarioHandler(t),
		params:         params,
	}
}

// SetScenario 設定場景
func (e *ScenarioEngine) SetScenario(t ScenarioType, params ScenarioParams) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentType = t
	e.currentHandler = NewScenarioHandler(t)
	e.params = params
}

// GetScenario 取得當前場景
func (e *ScenarioEngine) GetScenario() (ScenarioType, ScenarioParams) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentType, e.params
}

// Faults 目前場景的通訊異常設定，沒有時 rate 為 0
func (e *ScenarioEngine) Faults() (time.Duration, time.Duration, float64) {
	e.mu.RLock()
	handler := e.currentHandler
	e.mu.RUnlock()

	if fp, ok := handler.(FaultProfile); ok {
		return fp.FaultProfile()
	}
	return 0, 0, 0
}

// Update 更新暫存器並重新計算警報線圈
func (e *ScenarioEngine) Update(registers *RegisterMap) {
	e.mu.RLock()
	handler := e.currentHandler
	params := e.params
	e.mu.RUnlock()

	if handler != nil {
		handler.Update(registers, params)
	}
	updateAlarm(registers)
}

// Reset 重設為 steady
func (e *ScenarioEngine) Reset(registers *RegisterMap) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentHandler != nil {
		e.currentHandler.Reset(registers, e.params)
	}

	e.currentType = ScenarioSteady
	e.currentHandler = NewScenarioHandler(ScenarioSteady)
}

func updateAlarm(registers *RegisterMap) {
	temp, err := registers.GetValue(RegisterNameTemperature)
	if err != nil {
		return
	}
	setpoint, err := registers.GetValue(RegisterNameSetpoint)
	if err != nil {
		return
	}
	registers.SetValue(RegisterNameAlarm, boolToFloat(temp > setpoint+alarmMargin))
}
