package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04
	FuncCodeWriteSingleCoil      = 0x05
	FuncCodeWriteSingleRegister  = 0x06

	// Modbus 異常碼
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B

	// 位址限制
	MaxSlaveAddress     = 247
	MaxRegisterAddress  = 0xFFFF
	MaxRegistersPerRead = 125
	MaxCoilsPerRead     = 2000

	// 線圈寫入值 (FC 05)
	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// SupportedBaudRates 支援的鮑率
var SupportedBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// RegisterType 暫存器類型
type RegisterType int

const (
	RegisterTypeHolding RegisterType = iota
	RegisterTypeInput
	RegisterTypeCoil
	RegisterTypeDiscreteInput
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeHolding:
		return "holding"
	case RegisterTypeInput:
		return "input"
	case RegisterTypeCoil:
		return "coil"
	case RegisterTypeDiscreteInput:
		return "discrete_input"
	default:
		return "unknown"
	}
}

func (rt RegisterType) MarshalText() ([]byte, error) {
	return []byte(rt.String()), nil
}

func (rt *RegisterType) UnmarshalText(text []byte) error {
	parsed, err := ParseRegisterType(string(text))
	if err != nil {
		return err
	}
	*rt = parsed
	return nil
}

// IsBit 是否為位元型資料 (線圈 / 離散輸入)
func (rt RegisterType) IsBit() bool {
	return rt == RegisterTypeCoil || rt == RegisterTypeDiscreteInput
}

// Writable 是否可寫入
func (rt RegisterType) Writable() bool {
	return rt == RegisterTypeHolding || rt == RegisterTypeCoil
}

// ParseRegisterType 解析暫存器類型
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "holding", "hr", "4x":
		return RegisterTypeHolding, nil
	case "input", "ir", "3x":
		return RegisterTypeInput, nil
	case "coil", "coils", "0x":
		return RegisterTypeCoil, nil
	case "discrete_input", "discrete", "di", "1x":
		return RegisterTypeDiscreteInput, nil
	default:
		return 0, &ValidationError{Field: "type", Value: s, Reason: "必須為 holding、input、coil 或 discrete_input"}
	}
}

// ParseScanSources 解析掃描來源 (holding / input / both)
func ParseScanSources(s string) ([]RegisterType, error) {
	if strings.EqualFold(strings.TrimSpace(s), "both") {
		return []RegisterType{RegisterTypeHolding, RegisterTypeInput}, nil
	}
	rt, err := ParseRegisterType(s)
	if err != nil {
		return nil, err
	}
	if rt.IsBit() {
		return nil, &ValidationError{Field: "type", Value: s, Reason: "掃描僅支援 holding、input 或 both"}
	}
	return []RegisterType{rt}, nil
}

// NormalizeParity 將同位元設定轉為 N/E/O
func NormalizeParity(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "n", "none", "":
		return "N", nil
	case "e", "even":
		return "E", nil
	case "o", "odd":
		return "O", nil
	default:
		return "", fmt.Errorf("無效的同位元設定: %s", p)
	}
}

// RegisterRange 暫存器範圍 (每次掃描呼叫固定)
type RegisterRange struct {
	Start uint16 `json:"start" mapstructure:"start"`
	Count uint16 `json:"count" mapstructure:"count"`
}

// End 範圍最後一個位址 (含)
func (r RegisterRange) End() int {
	return int(r.Start) + int(r.Count) - 1
}

func (r RegisterRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End())
}

// Validate 驗證範圍
func (r RegisterRange) Validate() error {
	if r.Count == 0 {
		return &ValidationError{Field: "count", Value: "0", Reason: "數量必須大於 0"}
	}
	if r.Count > MaxRegistersPerRead {
		return &ValidationError{Field: "count", Value: fmt.Sprint(r.Count), Reason: fmt.Sprintf("超過單次讀取上限 %d", MaxRegistersPerRead)}
	}
	if r.End() > MaxRegisterAddress {
		return &ValidationError{Field: "start", Value: fmt.Sprint(r.Start), Reason: "範圍超出位址空間"}
	}
	return nil
}

// DefaultScanRanges 預設掃描範圍
func DefaultScanRanges() []RegisterRange {
	return []RegisterRange{
		{Start: 0, Count: 50},
		{Start: 100, Count: 50},
		{Start: 200, Count: 50},
		{Start: 300, Count: 50},
		{Start: 400, Count: 50},
		{Start: 500, Count: 50},
		{Start: 1000, Count: 50},
		{Start: 2000, Count: 50},
		{Start: 3000, Count: 50},
	}
}

// ParseRegisterRange 解析 "start:count" 或 "start-end" 形式的範圍
func ParseRegisterRange(s string) (RegisterRange, error) {
	s = strings.TrimSpace(s)
	invalid := &ValidationError{Field: "range", Value: s, Reason: "格式必須為 start:count 或 start-end"}

	var (
		parts  []string
		isSpan bool
	)
	switch {
	case strings.Contains(s, ":"):
		parts = strings.SplitN(s, ":", 2)
	case strings.Contains(s, "-"):
		parts = strings.SplitN(s, "-", 2)
		isSpan = true
	default:
		return RegisterRange{}, invalid
	}

	start, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return RegisterRange{}, invalid
	}
	second, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return RegisterRange{}, invalid
	}

	count := second
	if isSpan {
		if second < start {
			return RegisterRange{}, &ValidationError{Field: "range", Value: s, Reason: "結束位址小於起始位址"}
		}
		count = second - start + 1
	}
	if count > MaxRegistersPerRead {
		return RegisterRange{}, &ValidationError{Field: "range", Value: s, Reason: fmt.Sprintf("超過單次讀取上限 %d", MaxRegistersPerRead)}
	}

	r := RegisterRange{Start: uint16(start), Count: uint16(count)}
	if err := r.Validate(); err != nil {
		return RegisterRange{}, err
	}
	return r, nil
}
