package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ReadValues 讀取 count 個值，位元型以 0/1 表示
func ReadValues(t Transport, rt RegisterType, address, count uint16, slave uint8) ([]uint16, error) {
	if count == 0 {
		return nil, &ValidationError{Field: "count", Value: "0", Reason: "數量必須大於 0"}
	}
	limit := uint16(MaxRegistersPerRead)
	if rt.IsBit() {
		limit = MaxCoilsPerRead
	}
	if count > limit {
		return nil, &ValidationError{Field: "count", Value: fmt.Sprint(count), Reason: fmt.Sprintf("超過單次讀取上限 %d", limit)}
	}
	if int(address)+int(count)-1 > MaxRegisterAddress {
		return nil, &ValidationError{Field: "address", Value: fmt.Sprint(address), Reason: "範圍超出位址空間"}
	}

	if !rt.IsBit() {
		return readRegisters(t, rt, address, count, slave)
	}

	bits, err := readBits(t, rt, address, count, slave)
	if err != nil {
		return nil, err
	}
	values := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			values[i] = 1
		}
	}
	return values, nil
}

// ReadRound 週期讀取的一次結果
type ReadRound struct {
	Seq       int
	Timestamp time.Time
	Values    []uint16
	Err       error
}

// WatchValues 每隔 interval 重新讀取同一區塊，直到 ctx 取消
//
// 單次讀取失敗交給 onRound 後繼續；輸入錯誤在第一次傳輸前返回。
func WatchValues(ctx context.Context, t Transport, rt RegisterType, address, count uint16, slave uint8, interval time.Duration, onRound func(ReadRound)) error {
	if interval <= 0 {
		return &ValidationError{Field: "interval", Value: interval.String(), Reason: "必須大於 0"}
	}

	for seq := 1; ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		values, err := ReadValues(t, rt, address, count, slave)
		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		if onRound != nil {
			onRound(ReadRound{Seq: seq, Timestamp: time.Now(), Values: values, Err: err})
		}

		if err := sleepContext(ctx, interval); err != nil {
			return err
		}
	}
}

// WriteValue 已驗證的寫入值
type WriteValue struct {
	Register uint16
	Coil     bool
}

// ParseWriteValue 在任何傳輸之前驗證寫入值
//
// 暫存器值含小數點時視為工程值並除以縮放因子；線圈接受 1/true/on 等寫法。
func ParseWriteValue(rt RegisterType, text string, scale float64) (WriteValue, error) {
	if !rt.Writable() {
		return WriteValue{}, &ValidationError{Field: "type", Value: rt.String(), Reason: "此類型不可寫入"}
	}

	text = strings.TrimSpace(text)

	if rt == RegisterTypeCoil {
		switch strings.ToLower(text) {
		case "1", "true", "t", "yes", "y", "on":
			return WriteValue{Coil: true}, nil
		case "0", "false", "f", "no", "n", "off":
			return WriteValue{Coil: false}, nil
		default:
			return WriteValue{}, &ValidationError{Field: "value", Value: text, Reason: "線圈值必須為 on/off 或 1/0"}
		}
	}

	if strings.Contains(text, ".") {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return WriteValue{}, &ValidationError{Field: "value", Value: text, Reason: "不是有效的數字"}
		}
		if scale <= 0 {
			return WriteValue{}, &ValidationError{Field: "scale", Value: fmt.Sprint(scale), Reason: "必須為正數"}
		}
		raw := math.Round(v / scale)
		if raw < 0 || raw > math.MaxUint16 {
			return WriteValue{}, &ValidationError{Field: "value", Value: text, Reason: "換算後超出 0-65535"}
		}
		return WriteValue{Register: uint16(raw)}, nil
	}

	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return WriteValue{}, &ValidationError{Field: "value", Value: text, Reason: "不是有效的整數"}
	}
	if v < 0 || v > math.MaxUint16 {
		return WriteValue{}, &ValidationError{Field: "value", Value: text, Reason: "必須介於 0-65535"}
	}
	return WriteValue{Register: uint16(v)}, nil
}

// ApplyWrite 寫入已驗證的值
func ApplyWrite(t Transport, rt RegisterType, address uint16, v WriteValue, slave uint8) error {
	switch rt {
	case RegisterTypeHolding:
		return t.WriteRegister(address, v.Register, slave)
	case RegisterTypeCoil:
		return t.WriteCoil(address, v.Coil, slave)
	default:
		return &ValidationError{Field: "type", Value: rt.String(), Reason: "此類型不可寫入"}
	}
}

// connectionTestRegisters 連線測試依序嘗試的暫存器
var connectionTestRegisters = []uint16{0, 1, 100, 400}

// ConnectionTestResult 連線測試結果
type ConnectionTestResult struct {
	OK       bool
	Register uint16
	Type     RegisterType
	Value    uint16
	Attempts int
	LastErr  error
}

// TestConnection 在每個測試暫存器先試 holding 再試 input，第一次成功即停止
func TestConnection(ctx context.Context, t Transport, slave uint8, delay time.Duration, logger *zap.Logger) (ConnectionTestResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var result ConnectionTestResult
	for i, reg := range connectionTestRegisters {
		if i > 0 {
			if err := sleepContext(ctx, delay); err != nil {
				return result, err
			}
		}

		for _, rt := range []RegisterType{RegisterTypeHolding, RegisterTypeInput} {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			logger.Info("測試讀取", zap.String("type", rt.String()), zap.Uint16("register", reg))
			value, _, err := timedRead(t, rt, reg, slave)
			result.Attempts++
			if err != nil {
				result.LastErr = err
				logger.Debug("測試讀取失敗", zap.String("type", rt.String()), zap.Uint16("register", reg), zap.Error(err))
				continue
			}

			result.OK = true
			result.Register = reg
			result.Type = rt
			result.Value = value
			return result, nil
		}
	}
	return result, nil
}

// InspectResult 單一暫存器的完整解讀
type InspectResult struct {
	Address         uint16
	Type            RegisterType
	Value           uint16
	Next            *uint16
	Interpretations []Interpretation
}

// Inspect 讀取暫存器 (及下一個暫存器以組合 32-bit) 並列出所有解讀
func Inspect(t Transport, rt RegisterType, address uint16, slave uint8) (InspectResult, error) {
	if rt.IsBit() {
		return InspectResult{}, &ValidationError{Field: "type", Value: rt.String(), Reason: "僅支援 holding 或 input"}
	}

	result := InspectResult{Address: address, Type: rt}

	if address < MaxRegisterAddress {
		if regs, err := readRegisters(t, rt, address, 2, slave); err == nil && len(regs) == 2 {
			result.Value = regs[0]
			next := regs[1]
			result.Next = &next
			result.Interpretations = InspectRegister(result.Value, result.Next)
			return result, nil
		}
	}

	regs, err := readRegisters(t, rt, address, 1, slave)
	if err != nil {
		return result, err
	}
	if len(regs) == 0 {
		return result, &TimeoutError{Err: fmt.Errorf("空的回應")}
	}
	result.Value = regs[0]
	result.Interpretations = InspectRegister(result.Value, nil)
	return result, nil
}
