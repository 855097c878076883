package main

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// Transport Modbus RTU 主站傳輸介面
//
// 所有方法皆為同步呼叫：一次請求必定完成或逾時後才返回。
// 序列線路為半雙工共用資源，實作不需要支援並發呼叫。
type Transport interface {
	ReadHoldingRegisters(address, count uint16, slave uint8) ([]uint16, error)
	ReadInputRegisters(address, count uint16, slave uint8) ([]uint16, error)
	ReadCoils(address, count uint16, slave uint8) ([]bool, error)
	ReadDiscreteInputs(address, count uint16, slave uint8) ([]bool, error)
	WriteRegister(address, value uint16, slave uint8) error
	WriteCoil(address uint16, value bool, slave uint8) error
	Close() error
}

// Connector 開啟序列埠並返回傳輸
type Connector func(cfg SerialConfig, logger *zap.Logger) (Transport, error)

// rtuTransport 以 goburrow/modbus 實作的 RTU 傳輸
type rtuTransport struct {
	mu      sync.Mutex
	handler *modbus.RTUClientHandler
	client  modbus.Client
	logger  *zap.Logger
}

// ConnectRTU 建立 RTU 傳輸 (Connector)
func ConnectRTU(cfg SerialConfig, logger *zap.Logger) (Transport, error) {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout
	handler.IdleTimeout = 0

	if logger.Core().Enabled(zap.DebugLevel) {
		handler.Logger = zap.NewStdLog(logger.Named("frame"))
	}

	if err := handler.Connect(); err != nil {
		return nil, &ConnectionError{Port: cfg.Port, Err: err}
	}

	logger.Debug("序列埠已開啟", zap.String("serial", cfg.String()))

	return &rtuTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
		logger:  logger,
	}, nil
}

// selectSlave 設定本次請求的從站位址
func (t *rtuTransport) selectSlave(slave uint8) {
	t.handler.SlaveId = slave
}

func (t *rtuTransport) ReadHoldingRegisters(address, count uint16, slave uint8) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selectSlave(slave)
	results, err := t.client.ReadHoldingRegisters(address, count)
	if err != nil {
		return nil, classifyError(err)
	}
	return registersFromBytes(results, count)
}

func (t *rtuTransport) ReadInputRegisters(address, count uint16, slave uint8) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selectSlave(slave)
	results, err := t.client.ReadInputRegisters(address, count)
	if err != nil {
		return nil, classifyError(err)
	}
	return registersFromBytes(results, count)
}

func (t *rtuTransport) ReadCoils(address, count uint16, slave uint8) ([]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selectSlave(slave)
	results, err := t.client.ReadCoils(address, count)
	if err != nil {
		return nil, classifyError(err)
	}
	return bitsFromBytes(results, count)
}

func (t *rtuTransport) ReadDiscreteInputs(address, count uint16, slave uint8) ([]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selectSlave(slave)
	results, err := t.client.ReadDiscreteInputs(address, count)
	if err != nil {
		return nil, classifyError(err)
	}
	return bitsFromBytes(results, count)
}

func (t *rtuTransport) WriteRegister(address, value uint16, slave uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selectSlave(slave)
	if _, err := t.client.WriteSingleRegister(address, value); err != nil {
		return classifyError(err)
	}
	return nil
}

func (t *rtuTransport) WriteCoil(address uint16, value bool, slave uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selectSlave(slave)
	v := uint16(CoilOff)
	if value {
		v = CoilOn
	}
	if _, err := t.client.WriteSingleCoil(address, v); err != nil {
		return classifyError(err)
	}
	return nil
}

func (t *rtuTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler.Close()
}

// registersFromBytes 將回應位元組轉換為暫存器值 (Big Endian)
func registersFromBytes(data []byte, count uint16) ([]uint16, error) {
	if len(data) < int(count)*2 {
		return nil, &TimeoutError{Err: fmt.Errorf("回應長度不足: 預期 %d bytes，實際 %d", int(count)*2, len(data))}
	}
	return BytesToRegisters(data[:int(count)*2]), nil
}

// bitsFromBytes 將回應位元組轉換為位元值
func bitsFromBytes(data []byte, count uint16) ([]bool, error) {
	if len(data) < (int(count)+7)/8 {
		return nil, &TimeoutError{Err: fmt.Errorf("回應長度不足: 預期 %d bytes，實際 %d", (int(count)+7)/8, len(data))}
	}
	return ByteToCoils(data, int(count)), nil
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// ByteToCoils 將位元組轉換為線圈值 (LSB 優先)
func ByteToCoils(data []byte, count int) []bool {
	coils := make([]bool, count)
	for i := 0; i < count; i++ {
		coils[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return coils
}

// readRegisters 依類型讀取暫存器
func readRegisters(t Transport, rt RegisterType, address, count uint16, slave uint8) ([]uint16, error) {
	switch rt {
	case RegisterTypeHolding:
		return t.ReadHoldingRegisters(address, count, slave)
	case RegisterTypeInput:
		return t.ReadInputRegisters(address, count, slave)
	default:
		return nil, &ValidationError{Field: "type", Value: rt.String(), Reason: "不是 16-bit 暫存器"}
	}
}

// readBits 依類型讀取位元
func readBits(t Transport, rt RegisterType, address, count uint16, slave uint8) ([]bool, error) {
	switch rt {
	case RegisterTypeCoil:
		return t.ReadCoils(address, count, slave)
	case RegisterTypeDiscreteInput:
		return t.ReadDiscreteInputs(address, count, slave)
	default:
		return nil, &ValidationError{Field: "type", Value: rt.String(), Reason: "不是位元型資料"}
	}
}

// timedRead 讀取單一值並量測往返時間，位元型以 0/1 表示
func timedRead(t Transport, rt RegisterType, address uint16, slave uint8) (uint16, time.Duration, error) {
	start := time.Now()
	if rt.IsBit() {
		bits, err := readBits(t, rt, address, 1, slave)
		elapsed := time.Since(start)
		if err != nil {
			return 0, elapsed, err
		}
		if len(bits) > 0 && bits[0] {
			return 1, elapsed, nil
		}
		return 0, elapsed, nil
	}

	regs, err := readRegisters(t, rt, address, 1, slave)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, err
	}
	if len(regs) == 0 {
		return 0, elapsed, &TimeoutError{Err: fmt.Errorf("空的回應")}
	}
	return regs[0], elapsed, nil
}
