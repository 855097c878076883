package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
)

func newTestHandler(t *testing.T, scenario *ScenarioEngine) (*RequestHandler, *RegisterMap, *SimulatorStats) {
	t.Helper()
	rm := newScenarioRegisters(t)
	stats := &SimulatorStats{StartTime: time.Now()}
	h := NewRequestHandler(rm, scenario, stats, nil)
	h.sleep = func(time.Duration) {}
	return h, rm, stats
}

func readRequest(address, quantity uint16) []byte {
	return append(RegistersToBytes([]uint16{address}), RegistersToBytes([]uint16{quantity})...)
}

func TestRequestHandler_ReadHoldingRegisters(t *testing.T) {
	h, _, stats := newTestHandler(t, nil)

	resp, err := h.Handle(FuncCodeReadHoldingRegisters, readRequest(40, 2), h.handleReadRegisters(RegisterTypeHolding))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 0x00, 0xEB, 0x00, 0xEB}, resp)

	assert.Equal(t, uint64(1), stats.RequestCount.Load())
	assert.Zero(t, stats.ErrorCount.Load())
	assert.Equal(t, uint64(4), stats.BytesReceived.Load())
	assert.Equal(t, uint64(5), stats.BytesSent.Load())
}

func TestRequestHandler_ReadInputRegisters(t *testing.T) {
	h, rm, _ := newTestHandler(t, nil)
	require.NoError(t, rm.SetInputRegister(7, 0x1234))

	resp, err := h.Handle(FuncCodeReadInputRegisters, readRequest(7, 1), h.handleReadRegisters(RegisterTypeInput))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0x12, 0x34}, resp)
}

func TestRequestHandler_ReadBits(t *testing.T) {
	h, rm, _ := newTestHandler(t, nil)
	require.NoError(t, rm.WriteCoil(0, true))
	require.NoError(t, rm.WriteCoil(9, true))

	resp, err := h.Handle(FuncCodeReadCoils, readRequest(0, 10), h.handleReadBits(RegisterTypeCoil))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0x01, 0x02}, resp)

	require.NoError(t, rm.SetDiscreteInput(3, true))
	resp, err = h.Handle(FuncCodeReadDiscreteInputs, readRequest(3, 1), h.handleReadBits(RegisterTypeDiscreteInput))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0x01}, resp)
}

func TestRequestHandler_ReadErrors(t *testing.T) {
	h, _, stats := newTestHandler(t, nil)
	read := h.handleReadRegisters(RegisterTypeHolding)

	_, err := h.Handle(FuncCodeReadHoldingRegisters, []byte{0, 1}, read)
	assert.ErrorIs(t, err, errIllegalDataValue, "請求長度不足")

	_, err = h.Handle(FuncCodeReadHoldingRegisters, readRequest(0, 0), read)
	assert.ErrorIs(t, err, errIllegalDataValue, "數量為 0")

	_, err = h.Handle(FuncCodeReadHoldingRegisters, readRequest(0, MaxRegistersPerRead+1), read)
	assert.ErrorIs(t, err, errIllegalDataValue, "超過單次讀取上限")

	_, err = h.Handle(FuncCodeReadHoldingRegisters, readRequest(MaxRegisterAddress, 2), read)
	assert.ErrorIs(t, err, errAddressOutOfRange)

	assert.Equal(t, uint64(4), stats.RequestCount.Load())
	assert.Equal(t, uint64(4), stats.ErrorCount.Load())
}

func TestRequestHandler_WriteSingleRegister(t *testing.T) {
	h, rm, _ := newTestHandler(t, nil)

	req := RegistersToBytes([]uint16{41, 300})
	resp, err := h.Handle(FuncCodeWriteSingleRegister, req, h.HandleWriteSingleRegister)
	require.NoError(t, err)
	assert.Equal(t, req, resp, "回應為請求的回顯")

	setpoint, err := rm.GetValue(RegisterNameSetpoint)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, setpoint, 0.01)

	_, err = h.HandleWriteSingleRegister([]byte{0})
	assert.ErrorIs(t, err, errIllegalDataValue)
}

func TestRequestHandler_WriteSingleCoil(t *testing.T) {
	h, rm, _ := newTestHandler(t, nil)

	_, err := h.HandleWriteSingleCoil(RegistersToBytes([]uint16{5, CoilOn}))
	require.NoError(t, err)
	coils, err := rm.ReadBits(RegisterTypeCoil, 5, 1)
	require.NoError(t, err)
	assert.True(t, coils[0])

	_, err = h.HandleWriteSingleCoil(RegistersToBytes([]uint16{5, CoilOff}))
	require.NoError(t, err)
	coils, err = rm.ReadBits(RegisterTypeCoil, 5, 1)
	require.NoError(t, err)
	assert.False(t, coils[0])

	_, err = h.HandleWriteSingleCoil(RegistersToBytes([]uint16{5, 0x1234}))
	assert.ErrorIs(t, err, errIllegalDataValue)
}

func TestRequestHandler_FaultInjection(t *testing.T) {
	engine := NewScenarioEngine(ScenarioFault, ScenarioParams{
		BaseValue: 23.5,
		JitterMin: 10 * time.Millisecond,
		JitterMax: 10 * time.Millisecond,
		FaultRate: 0.5,
	})
	h, rm, stats := newTestHandler(t, engine)
	engine.Update(rm)

	var slept []time.Duration
	h.sleep = func(d time.Duration) { slept = append(slept, d) }

	h.roll = func() float64 { return 0.2 }
	_, err := h.Handle(FuncCodeReadHoldingRegisters, readRequest(40, 1), h.handleReadRegisters(RegisterTypeHolding))
	assert.ErrorIs(t, err, errInjectedFault)

	h.roll = func() float64 { return 0.9 }
	_, err = h.Handle(FuncCodeReadHoldingRegisters, readRequest(40, 1), h.handleReadRegisters(RegisterTypeHolding))
	assert.NoError(t, err)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, slept)
	assert.Equal(t, uint64(2), stats.RequestCount.Load())
	assert.Equal(t, uint64(1), stats.ErrorCount.Load())
}

func TestRequestHandler_SteadyHasNoFaults(t *testing.T) {
	engine := NewScenarioEngine(ScenarioSteady, ScenarioParams{BaseValue: 23.5})
	h, _, _ := newTestHandler(t, engine)
	h.sleep = func(time.Duration) { t.Fatal("steady 場景不應延遲") }
	h.roll = func() float64 { return 0 }

	_, err := h.Handle(FuncCodeReadHoldingRegisters, readRequest(40, 1), h.handleReadRegisters(RegisterTypeHolding))
	assert.NoError(t, err)
}

func TestRequestHandler_Wrap(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	fn := h.wrap(h.handleReadRegisters(RegisterTypeHolding))

	frame := &mbserver.RTUFrame{Address: 1, Function: FuncCodeReadHoldingRegisters, Data: readRequest(40, 1)}
	resp, exc := fn(nil, frame)
	assert.Equal(t, &mbserver.Success, exc)
	assert.Equal(t, []byte{2, 0x00, 0xEB}, resp)

	frame.Data = readRequest(MaxRegisterAddress, 5)
	_, exc = fn(nil, frame)
	assert.Equal(t, &mbserver.IllegalDataAddress, exc)
}

func TestExceptionFor(t *testing.T) {
	assert.Equal(t, &mbserver.IllegalDataAddress, exceptionFor(fmt.Errorf("%w: holding 9", errAddressOutOfRange)))
	assert.Equal(t, &mbserver.IllegalDataValue, exceptionFor(errIllegalDataValue))
	assert.Equal(t, &mbserver.SlaveDeviceFailure, exceptionFor(errInjectedFault))
	assert.Equal(t, &mbserver.SlaveDeviceFailure, exceptionFor(errors.New("other")))
}

func TestSimulatorStats_NilSafe(t *testing.T) {
	var st *SimulatorStats
	assert.NotPanics(t, func() { st.record(1, 2, true) })
}
