package main

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// errAddressOutOfRange 模擬器回應 IllegalDataAddress
var errAddressOutOfRange = errors.New("位址超出範圍")

// 模擬器預設的具名暫存器
const (
	RegisterNameTemperature = "temperature"
	RegisterNameSetpoint    = "setpoint"
	RegisterNameAlarm       = "alarm"
)

// RegisterMap 線程安全的暫存器映射表 (模擬從站使用)
type RegisterMap struct {
	mu sync.RWMutex

	coils            []bool   // 0x - Coils
	discreteInputs   []bool   // 1x - Discrete Inputs
	inputRegisters   []uint16 // 3x - Input Registers
	holdingRegisters []uint16 // 4x - Holding Registers

	definitions map[string]*RegisterMeta
}

// RegisterMeta 具名暫存器的元資料
type RegisterMeta struct {
	Name    string
	Type    RegisterType
	Address uint16
	Scale   float64 // 工程值 = raw * Scale
	Signed  bool
	Unit    string
}

// NewRegisterMap 建立新的暫存器映射表，每種類型 size 個位址
func NewRegisterMap(size int) *RegisterMap {
	return &RegisterMap{
		coils:            make([]bool, size),
		discreteInputs:   make([]bool, size),
		inputRegisters:   make([]uint16, size),
		holdingRegisters: make([]uint16, size),
		definitions:      make(map[string]*RegisterMeta),
	}
}

// TemperatureRegisterMap 依模擬器配置建立溫度控制器的暫存器
//
// 溫度放在配置的位址與類型，設定點放在下一個 holding 位址，
// 線圈 0 為高溫警報。
func TemperatureRegisterMap(cfg SimulatorConfig) (*RegisterMap, error) {
	rt, err := ParseRegisterType(cfg.Type)
	if err != nil {
		return nil, err
	}
	if rt.IsBit() {
		return nil, &ValidationError{Field: "simulator.type", Value: cfg.Type, Reason: "溫度必須放在 holding 或 input"}
	}
	if cfg.Scale <= 0 {
		return nil, &ValidationError{Field: "simulator.scale", Value: fmt.Sprint(cfg.Scale), Reason: "必須為正數"}
	}

	rm := NewRegisterMap(MaxRegisterAddress + 1)

	setpointAddr := cfg.Register + 1
	if cfg.Register == MaxRegisterAddress {
		setpointAddr = cfg.Register - 1
	}

	rm.Define(RegisterMeta{Name: RegisterNameTemperature, Type: rt, Address: cfg.Register, Scale: cfg.Scale, Signed: true, Unit: "°C"})
	rm.Define(RegisterMeta{Name: RegisterNameSetpoint, Type: RegisterTypeHolding, Address: setpointAddr, Scale: cfg.Scale, Signed: true, Unit: "°C"})
	rm.Define(RegisterMeta{Name: RegisterNameAlarm, Type: RegisterTypeCoil, Address: 0, Scale: 1})

	if err := rm.SetValue(RegisterNameTemperature, cfg.BaseValue); err != nil {
		return nil, err
	}
	if err := rm.SetValue(RegisterNameSetpoint, cfg.BaseValue); err != nil {
		return nil, err
	}
	return rm, nil
}

// Define 定義具名暫存器
func (rm *RegisterMap) Define(meta RegisterMeta) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	m := meta
	rm.definitions[meta.Name] = &m
}

// GetDefinition 取得具名暫存器定義
func (rm *RegisterMap) GetDefinition(name string) (*RegisterMeta, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	meta, ok := rm.definitions[name]
	return meta, ok
}

// --- 16-bit 暫存器 ---

// ReadRegisters 讀取 holding 或 input 暫存器
func (rm *RegisterMap) ReadRegisters(rt RegisterType, address, quantity uint16) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	table, err := rm.registerTable(rt)
	if err != nil {
		return nil, err
	}

	end := int(address) + int(quantity)
	if end > len(table) {
		return nil, fmt.Errorf("%w: %s %d-%d", errAddressOutOfRange, rt, address, end-1)
	}

	result := make([]uint16, quantity)
	copy(result, table[address:end])
	return result, nil
}

// WriteHoldingRegister 寫入單一保持暫存器
func (rm *RegisterMap) WriteHoldingRegister(address, value uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if int(address) >= len(rm.holdingRegisters) {
		return fmt.Errorf("%w: holding %d", errAddressOutOfRange, address)
	}
	rm.holdingRegisters[address] = value
	return nil
}

// SetInputRegister 設定輸入暫存器 (內部用)
func (rm *RegisterMap) SetInputRegister(address, value uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if int(address) >= len(rm.inputRegisters) {
		return fmt.Errorf("%w: input %d", errAddressOutOfRange, address)
	}
	rm.inputRegisters[address] = value
	return nil
}

func (rm *RegisterMap) registerTable(rt RegisterType) ([]uint16, error) {
	switch rt {
	case RegisterTypeHolding:
		return rm.holdingRegisters, nil
	case RegisterTypeInput:
		return rm.inputRegisters, nil
	default:
		return nil, fmt.Errorf("%s 不是 16-bit 暫存器", rt)
	}
}

// --- 位元 ---

// ReadBits 讀取線圈或離散輸入
func (rm *RegisterMap) ReadBits(rt RegisterType, address, quantity uint16) ([]bool, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var table []bool
	switch rt {
	case RegisterTypeCoil:
		table = rm.coils
	case RegisterTypeDiscreteInput:
		table = rm.discreteInputs
	default:
		return nil, fmt.Errorf("%s 不是位元型資料", rt)
	}

	end := int(address) + int(quantity)
	if end > len(table) {
		return nil, fmt.Errorf("%w: %s %d-%d", errAddressOutOfRange, rt, address, end-1)
	}

	result := make([]bool, quantity)
	copy(result, table[address:end])
	return result, nil
}

// WriteCoil 寫入單一線圈
func (rm *RegisterMap) WriteCoil(address uint16, value bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if int(address) >= len(rm.coils) {
		return fmt.Errorf("%w: coil %d", errAddressOutOfRange, address)
	}
	rm.coils[address] = value
	return nil
}

// SetDiscreteInput 設定離散輸入 (內部用)
func (rm *RegisterMap) SetDiscreteInput(address uint16, value bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if int(address) >= len(rm.discreteInputs) {
		return fmt.Errorf("%w: discrete_input %d", errAddressOutOfRange, address)
	}
	rm.discreteInputs[address] = value
	return nil
}

// --- 工程值操作 ---

// SetValue 以工程值設定具名暫存器
func (rm *RegisterMap) SetValue(name string, value float64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	meta, ok := rm.definitions[name]
	if !ok {
		return fmt.Errorf("未定義的暫存器: %s", name)
	}

	if meta.Type.IsBit() {
		bit := value != 0
		switch meta.Type {
		case RegisterTypeCoil:
			rm.coils[meta.Address] = bit
		default:
			rm.discreteInputs[meta.Address] = bit
		}
		return nil
	}

	raw, err := encodeScaled(value, meta.Scale, meta.Signed)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	table, err := rm.registerTable(meta.Type)
	if err != nil {
		return err
	}
	table[meta.Address] = raw
	return nil
}

// GetValue 取得具名暫存器的工程值
func (rm *RegisterMap) GetValue(name string) (float64, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	meta, ok := rm.definitions[name]
	if !ok {
		return 0, fmt.Errorf("未定義的暫存器: %s", name)
	}

	switch meta.Type {
	case RegisterTypeCoil:
		return boolToFloat(rm.coils[meta.Address]), nil
	case RegisterTypeDiscreteInput:
		return boolToFloat(rm.discreteInputs[meta.Address]), nil
	}

	table, err := rm.registerTable(meta.Type)
	if err != nil {
		return 0, err
	}
	raw := table[meta.Address]
	if meta.Signed {
		return float64(int16(raw)) * meta.Scale, nil
	}
	return float64(raw) * meta.Scale, nil
}

// encodeScaled 工程值除以縮放因子後四捨五入為 16-bit 原始值
func encodeScaled(value, scale float64, signed bool) (uint16, error) {
	raw := math.Round(value / scale)
	if signed {
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return 0, fmt.Errorf("值 %v 超出 int16 範圍", value)
		}
		return uint16(int16(raw)), nil
	}
	if raw < 0 || raw > math.MaxUint16 {
		return 0, fmt.Errorf("值 %v 超出 uint16 範圍", value)
	}
	return uint16(raw), nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// CoilsToByte 將線圈值轉換為位元組 (LSB 優先)
func CoilsToByte(coils []bool) []byte {
	byteCount := (len(coils) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, coil := range coils {
		if coil {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	return bytes
}
