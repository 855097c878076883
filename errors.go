package main

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

// ErrBusy 序列埠已有作業在執行
var ErrBusy = errors.New("序列埠已有作業在執行中")

// ConnectionError 無法開啟序列埠
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("無法連線到序列埠 %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError 從站回傳的 Modbus 異常回應
type ProtocolError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("Modbus 異常 (功能碼 0x%02X, 異常碼 %d): %s", e.FunctionCode&0x7F, e.ExceptionCode, exceptionText(e.ExceptionCode))
}

func exceptionText(code uint8) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		return "記憶體同位元錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		return "閘道路徑無法使用"
	case ExceptionCodeGatewayTargetNoResponse:
		return "閘道目標無回應"
	default:
		return "未知錯誤"
	}
}

// TimeoutError 逾時或無有效回應，視為從站 / 暫存器不存在
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("無回應: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ValidationError 使用者輸入錯誤，在任何傳輸前拒絕
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("無效的 %s %q: %s", e.Field, e.Value, e.Reason)
}

// classifyError 將傳輸層錯誤歸類為 ProtocolError 或 TimeoutError
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ProtocolError{FunctionCode: mbErr.FunctionCode, ExceptionCode: mbErr.ExceptionCode}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return err
	}
	return &TimeoutError{Err: err}
}

// IsProtocolError 是否為異常回應
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// IsTimeout 是否為無回應
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
