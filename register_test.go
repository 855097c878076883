package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSimulatorConfig() SimulatorConfig {
	cfg := DefaultConfig().Simulator
	cfg.Register = 40
	cfg.Type = "holding"
	cfg.Scale = 0.1
	cfg.BaseValue = 23.5
	return cfg
}

func TestTemperatureRegisterMap_DefaultValues(t *testing.T) {
	rm, err := TemperatureRegisterMap(testSimulatorConfig())
	require.NoError(t, err)

	// 溫度 23.5 °C 以 0.1 縮放存成 235
	regs, err := rm.ReadRegisters(RegisterTypeHolding, 40, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{235, 235}, regs, "溫度與設定點應為 235")

	temp, err := rm.GetValue(RegisterNameTemperature)
	require.NoError(t, err)
	assert.InDelta(t, 23.5, temp, 0.01)

	alarm, err := rm.GetValue(RegisterNameAlarm)
	require.NoError(t, err)
	assert.Zero(t, alarm)

	meta, ok := rm.GetDefinition(RegisterNameSetpoint)
	require.True(t, ok)
	assert.Equal(t, uint16(41), meta.Address)
}

func TestTemperatureRegisterMap_InputRegister(t *testing.T) {
	cfg := testSimulatorConfig()
	cfg.Type = "input"
	cfg.Register = 0
	cfg.Scale = 0.01
	cfg.BaseValue = -12.5

	rm, err := TemperatureRegisterMap(cfg)
	require.NoError(t, err)

	regs, err := rm.ReadRegisters(RegisterTypeInput, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFB1E), regs[0], "負溫度以 int16 補數儲存")

	// 掃描以有號解讀時可找回原值
	got := Interpret(RawReading{Value: regs[0], Source: RegisterTypeInput}, true)
	require.NotEmpty(t, got)
	assert.InDelta(t, -12.5, got[len(got)-1].Interpreted, 1e-9)
}

func TestTemperatureRegisterMap_Invalid(t *testing.T) {
	cfg := testSimulatorConfig()
	cfg.Type = "coil"
	_, err := TemperatureRegisterMap(cfg)
	assert.Error(t, err)

	cfg = testSimulatorConfig()
	cfg.Scale = 0
	_, err = TemperatureRegisterMap(cfg)
	assert.Error(t, err)

	cfg = testSimulatorConfig()
	cfg.BaseValue = 5000 // 50000 超出 int16
	_, err = TemperatureRegisterMap(cfg)
	assert.Error(t, err)
}

func TestRegisterMap_HoldingRegisters(t *testing.T) {
	rm := NewRegisterMap(100)

	// 寫入單一暫存器
	err := rm.WriteHoldingRegister(10, 0x1234)
	require.NoError(t, err)

	// 讀取暫存器
	val, err := rm.ReadRegisters(RegisterTypeHolding, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234}, val)

	require.NoError(t, rm.SetInputRegister(10, 0xAAAA))
	val, err = rm.ReadRegisters(RegisterTypeInput, 9, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0xAAAA}, val)
}

func TestRegisterMap_Coils(t *testing.T) {
	rm := NewRegisterMap(100)

	require.NoError(t, rm.WriteCoil(3, true))
	require.NoError(t, rm.SetDiscreteInput(4, true))

	coils, err := rm.ReadBits(RegisterTypeCoil, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, true, false}, coils)

	inputs, err := rm.ReadBits(RegisterTypeDiscreteInput, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, inputs)

	_, err = rm.ReadBits(RegisterTypeHolding, 0, 1)
	assert.Error(t, err)
}

func TestRegisterMap_OutOfRange(t *testing.T) {
	rm := NewRegisterMap(10)

	_, err := rm.ReadRegisters(RegisterTypeHolding, 8, 5)
	assert.ErrorIs(t, err, errAddressOutOfRange)

	_, err = rm.ReadBits(RegisterTypeCoil, 10, 1)
	assert.ErrorIs(t, err, errAddressOutOfRange)

	assert.ErrorIs(t, rm.WriteHoldingRegister(10, 1), errAddressOutOfRange)
	assert.ErrorIs(t, rm.WriteCoil(99, true), errAddressOutOfRange)
	assert.ErrorIs(t, rm.SetInputRegister(10, 1), errAddressOutOfRange)
	assert.ErrorIs(t, rm.SetDiscreteInput(10, true), errAddressOutOfRange)
}

func TestRegisterMap_UndefinedName(t *testing.T) {
	rm := NewRegisterMap(10)
	assert.Error(t, rm.SetValue("pressure", 1))
	_, err := rm.GetValue("pressure")
	assert.Error(t, err)
}

func TestCoilsToByte(t *testing.T) {
	packed := CoilsToByte([]bool{true, false, true, false, false, false, false, false, true})
	assert.Equal(t, []byte{0x05, 0x01}, packed)
	assert.Equal(t, []bool{true, false, true, false, false, false, false, false, true}, ByteToCoils(packed, 9))
}

func TestEncodeScaled(t *testing.T) {
	raw, err := encodeScaled(23.46, 0.1, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(235), raw)

	raw, err = encodeScaled(-0.5, 0.1, true)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFB), raw)

	_, err = encodeScaled(-1, 1, false)
	assert.Error(t, err)
}
