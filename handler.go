package main

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// 請求處理錯誤，對應 Modbus 異常碼
var (
	errIllegalDataValue = errors.New("非法資料值")
	errInjectedFault    = errors.New("模擬設備故障")
)

// RequestHandler 模擬從站的 Modbus 請求處理器
type RequestHandler struct {
	registers *RegisterMap
	scenario  *ScenarioEngine
	stats     *SimulatorStats
	logger    *zap.Logger

	sleep func(time.Duration)
	roll  func() float64
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(registers *RegisterMap, scenario *ScenarioEngine, stats *SimulatorStats, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{
		registers: registers,
		scenario:  scenario,
		stats:     stats,
		logger:    logger,
		sleep:     time.Sleep,
		roll:      rand.Float64,
	}
}

// Register 將處理函式註冊到 mbserver
func (h *RequestHandler) Register(s *mbserver.Server) {
	s.RegisterFunctionHandler(FuncCodeReadCoils, h.wrap(h.handleReadBits(RegisterTypeCoil)))
	s.RegisterFunctionHandler(FuncCodeReadDiscreteInputs, h.wrap(h.handleReadBits(RegisterTypeDiscreteInput)))
	s.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, h.wrap(h.handleReadRegisters(RegisterTypeHolding)))
	s.RegisterFunctionHandler(FuncCodeReadInputRegisters, h.wrap(h.handleReadRegisters(RegisterTypeInput)))
	s.RegisterFunctionHandler(FuncCodeWriteSingleCoil, h.wrap(h.HandleWriteSingleCoil))
	s.RegisterFunctionHandler(FuncCodeWriteSingleRegister, h.wrap(h.HandleWriteSingleRegister))
}

// wrap 套用場景異常並把錯誤轉為 mbserver 異常
func (h *RequestHandler) wrap(fn func(data []byte) ([]byte, error)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		resp, err := h.Handle(frame.GetFunction(), data, fn)
		if err != nil {
			return []byte{}, exceptionFor(err)
		}
		return resp, &mbserver.Success
	}
}

// Handle 處理單一請求 (場景延遲、異常注入、統計)
func (h *RequestHandler) Handle(function uint8, data []byte, fn func(data []byte) ([]byte, error)) ([]byte, error) {
	if h.scenario != nil {
		jitterMin, jitterMax, rate := h.scenario.Faults()
		h.applyJitter(jitterMin, jitterMax)
		if rate > 0 && h.roll() < rate {
			h.stats.record(len(data), 0, true)
			h.logger.Debug("注入異常回應", zap.Uint8("function", function))
			return nil, errInjectedFault
		}
	}

	resp, err := fn(data)
	if err != nil {
		h.stats.record(len(data), 0, true)
		h.logger.Debug("請求失敗", zap.Uint8("function", function), zap.Error(err))
		return nil, err
	}
	h.stats.record(len(data), len(resp), false)
	return resp, nil
}

// applyJitter 套用延遲抖動
func (h *RequestHandler) applyJitter(min, max time.Duration) {
	if max <= 0 {
		return
	}
	jitter := min
	if max > min {
		jitter += time.Duration(rand.Int63n(int64(max - min)))
	}
	h.sleep(jitter)
}

// handleReadRegisters 處理讀取暫存器請求 (FC 03 / 04)
func (h *RequestHandler) handleReadRegisters(rt RegisterType) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		address, quantity, err := parseReadRequest(data, MaxRegistersPerRead)
		if err != nil {
			return nil, err
		}

		values, err := h.registers.ReadRegisters(rt, address, quantity)
		if err != nil {
			return nil, err
		}

		resp := make([]byte, 1, 1+len(values)*2)
		resp[0] = byte(len(values) * 2)
		return append(resp, RegistersToBytes(values)...), nil
	}
}

// handleReadBits 處理讀取線圈 / 離散輸入請求 (FC 01 / 02)
func (h *RequestHandler) handleReadBits(rt RegisterType) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		address, quantity, err := parseReadRequest(data, MaxCoilsPerRead)
		if err != nil {
			return nil, err
		}

		bits, err := h.registers.ReadBits(rt, address, quantity)
		if err != nil {
			return nil, err
		}

		packed := CoilsToByte(bits)
		return append([]byte{byte(len(packed))}, packed...), nil
	}
}

// HandleWriteSingleCoil 處理寫入單一線圈請求 (FC 05)
func (h *RequestHandler) HandleWriteSingleCoil(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errIllegalDataValue
	}
	address := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	var on bool
	switch value {
	case CoilOn:
		on = true
	case CoilOff:
	default:
		return nil, errIllegalDataValue
	}

	if err := h.registers.WriteCoil(address, on); err != nil {
		return nil, err
	}
	return data[:4], nil
}

// HandleWriteSingleRegister 處理寫入單一暫存器請求 (FC 06)
func (h *RequestHandler) HandleWriteSingleRegister(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errIllegalDataValue
	}
	address := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if err := h.registers.WriteHoldingRegister(address, value); err != nil {
		return nil, err
	}
	return data[:4], nil
}

func parseReadRequest(data []byte, maxQuantity uint16) (uint16, uint16, error) {
	if len(data) < 4 {
		return 0, 0, errIllegalDataValue
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	if quantity == 0 || quantity > maxQuantity {
		return 0, 0, errIllegalDataValue
	}
	return address, quantity, nil
}

// exceptionFor 將處理錯誤轉為 Modbus 異常碼
func exceptionFor(err error) *mbserver.Exception {
	switch {
	case errors.Is(err, errAddressOutOfRange):
		return &mbserver.IllegalDataAddress
	case errors.Is(err, errIllegalDataValue):
		return &mbserver.IllegalDataValue
	default:
		return &mbserver.SlaveDeviceFailure
	}
}
