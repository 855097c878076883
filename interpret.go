package main

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// 溫度候選值的合理範圍 (°C，含端點)
const (
	CandidateMin = -50.0
	CandidateMax = 150.0
)

// Scale 候選縮放因子
type Scale struct {
	Factor  float64
	Divisor float64
	Label   string
}

// CandidateScales 直接值、÷10、÷100
var CandidateScales = []Scale{
	{Factor: 1, Divisor: 1, Label: "1x"},
	{Factor: 0.1, Divisor: 10, Label: "0.1x"},
	{Factor: 0.01, Divisor: 100, Label: "0.01x"},
}

// RawReading 一次傳輸讀取的原始值
type RawReading struct {
	Address uint16       `json:"address"`
	Value   uint16       `json:"value"`
	Source  RegisterType `json:"source"`
}

// TemperatureCandidate 可能為溫度的暫存器解讀
type TemperatureCandidate struct {
	Address     uint16       `json:"address"`
	Raw         uint16       `json:"raw"`
	Interpreted float64      `json:"interpreted"`
	Source      RegisterType `json:"source"`
	Scale       Scale        `json:"scale"`
}

// InBand 是否落在候選範圍內
func InBand(v float64) bool {
	return v >= CandidateMin && v <= CandidateMax
}

// Interpret 以每個候選縮放因子解讀原始值，只保留落在範圍內的結果
// signed 為 true 時先將原始值視為 int16
func Interpret(r RawReading, signed bool) []TemperatureCandidate {
	base := float64(r.Value)
	if signed {
		base = float64(int16(r.Value))
	}

	var out []TemperatureCandidate
	for _, s := range CandidateScales {
		v := base / s.Divisor
		if !InBand(v) {
			continue
		}
		out = append(out, TemperatureCandidate{
			Address:     r.Address,
			Raw:         r.Value,
			Interpreted: v,
			Source:      r.Source,
			Scale:       s,
		})
	}
	return out
}

// ScaleDecimals 依縮放因子決定小數位數
func ScaleDecimals(scale float64) int {
	switch {
	case nearlyEqual(scale, 1):
		return 0
	case nearlyEqual(scale, 0.1):
		return 1
	case nearlyEqual(scale, 0.01):
		return 2
	default:
		return 3
	}
}

// FormatScaled 依縮放因子格式化數值
func FormatScaled(value, scale float64) string {
	return strconv.FormatFloat(value, 'f', ScaleDecimals(scale), 64)
}

// ApplyScale 原始值乘上縮放因子並格式化
func ApplyScale(raw uint16, scale float64) (float64, string) {
	v := float64(raw) * scale
	return v, FormatScaled(v, scale)
}

// ParseScale 解析縮放因子，接受 1、0.1、0.01 或 1x、0.1x 之類的寫法
func ParseScale(s string) (float64, error) {
	for _, sc := range CandidateScales {
		if s == sc.Label {
			return sc.Factor, nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return 0, &ValidationError{Field: "scale", Value: s, Reason: "必須為正數"}
	}
	return v, nil
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// Interpretation 單一暫存器的一種解讀方式
type Interpretation struct {
	Name  string
	Value string
}

// InspectRegister 列出單一暫存器值的各種解讀 (next 為下一個暫存器，可為 nil)
func InspectRegister(value uint16, next *uint16) []Interpretation {
	signed := int16(value)
	out := []Interpretation{
		{Name: "decimal", Value: strconv.Itoa(int(value))},
		{Name: "hex", Value: fmt.Sprintf("0x%04X", value)},
		{Name: "direct", Value: strconv.Itoa(int(value))},
		{Name: "÷10", Value: strconv.FormatFloat(float64(value)/10, 'f', 1, 64)},
		{Name: "÷100", Value: strconv.FormatFloat(float64(value)/100, 'f', 2, 64)},
		{Name: "signed", Value: strconv.Itoa(int(signed))},
		{Name: "signed ÷10", Value: strconv.FormatFloat(float64(signed)/10, 'f', 1, 64)},
	}

	if next != nil {
		be := uint32(value)<<16 | uint32(*next)
		le := uint32(*next)<<16 | uint32(value)
		out = append(out,
			Interpretation{Name: "uint32 big-endian", Value: strconv.FormatUint(uint64(be), 10)},
			Interpretation{Name: "uint32 big-endian ÷10", Value: strconv.FormatFloat(float64(be)/10, 'f', 1, 64)},
			Interpretation{Name: "uint32 little-endian", Value: strconv.FormatUint(uint64(le), 10)},
			Interpretation{Name: "uint32 little-endian ÷10", Value: strconv.FormatFloat(float64(le)/10, 'f', 1, 64)},
			Interpretation{Name: "float32 big-endian", Value: strconv.FormatFloat(float64(math.Float32frombits(be)), 'g', 7, 32)},
		)
	}
	return out
}

// MonitorSample 監測取樣
type MonitorSample struct {
	Timestamp time.Time `json:"timestamp"`
	Raw       uint16    `json:"raw"`
	Scaled    float64   `json:"scaled"`
	Formatted string    `json:"formatted"`
	Err       error     `json:"-"`
}

// OK 取樣是否成功
func (s MonitorSample) OK() bool {
	return s.Err == nil
}
