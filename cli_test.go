package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreParameters(t *testing.T) {
	tests := []struct {
		name   string
		target *cobra.Command
		params map[string]string
		check  func(t *testing.T, cmd *cobra.Command)
	}{
		{
			name:   "scan",
			target: scanCmd,
			params: map[string]string{
				"type":       "input",
				"range":      "0:50,100:50",
				"block-size": "10",
				"delay":      "150ms",
				"signed":     "true",
			},
			check: func(t *testing.T, cmd *cobra.Command) {
				ranges, err := cmd.Flags().GetStringSlice("range")
				require.NoError(t, err)
				assert.Equal(t, []string{"0:50", "100:50"}, ranges)
				for _, text := range ranges {
					_, err := ParseRegisterRange(text)
					assert.NoError(t, err)
				}
				assert.True(t, cmd.Flags().Changed("range"))

				typeName, _ := cmd.Flags().GetString("type")
				assert.Equal(t, "input", typeName)
				blockSize, _ := cmd.Flags().GetInt("block-size")
				assert.Equal(t, 10, blockSize)
				delay, _ := cmd.Flags().GetDuration("delay")
				assert.Equal(t, 150*time.Millisecond, delay)
				signed, _ := cmd.Flags().GetBool("signed")
				assert.True(t, signed)
			},
		},
		{
			name:   "find",
			target: findCmd,
			params: map[string]string{
				"start":         "5",
				"end":           "20",
				"function":      "discrete_input",
				"register":      "7",
				"delay":         "10ms",
				"probe-timeout": "250ms",
			},
			check: func(t *testing.T, cmd *cobra.Command) {
				start, _ := cmd.Flags().GetInt("start")
				end, _ := cmd.Flags().GetInt("end")
				assert.Equal(t, 5, start)
				assert.Equal(t, 20, end)

				function, _ := cmd.Flags().GetString("function")
				rt, err := ParseRegisterType(function)
				require.NoError(t, err)
				assert.Equal(t, RegisterTypeDiscreteInput, rt)

				register, _ := cmd.Flags().GetUint16("register")
				assert.Equal(t, uint16(7), register)
				delay, _ := cmd.Flags().GetDuration("delay")
				assert.Equal(t, 10*time.Millisecond, delay)
				timeout, _ := cmd.Flags().GetDuration("probe-timeout")
				assert.Equal(t, 250*time.Millisecond, timeout)
			},
		},
		{
			name:   "monitor",
			target: monitorCmd,
			params: map[string]string{
				"register": "40",
				"type":     "input",
				"scale":    "0.01",
				"interval": "2s",
			},
			check: func(t *testing.T, cmd *cobra.Command) {
				register, _ := cmd.Flags().GetUint16("register")
				assert.Equal(t, uint16(40), register)
				scaleText, _ := cmd.Flags().GetString("scale")
				scale, err := ParseScale(scaleText)
				require.NoError(t, err)
				assert.Equal(t, 0.01, scale)
				interval, _ := cmd.Flags().GetDuration("interval")
				assert.Equal(t, 2*time.Second, interval)
			},
		},
		{
			name:   "write",
			target: writeCmd,
			params: map[string]string{
				"register": "41",
				"type":     "holding",
				"value":    "23.5",
				"scale":    "0.1",
			},
			check: func(t *testing.T, cmd *cobra.Command) {
				register, _ := cmd.Flags().GetUint16("register")
				assert.Equal(t, uint16(41), register)
				valueText, _ := cmd.Flags().GetString("value")
				scaleText, _ := cmd.Flags().GetString("scale")
				scale, err := ParseScale(scaleText)
				require.NoError(t, err)

				v, err := ParseWriteValue(RegisterTypeHolding, valueText, scale)
				require.NoError(t, err)
				assert.Equal(t, uint16(235), v.Register)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			params := map[string]string{"port": "/dev/ttyUSB3", "slave": "17"}
			for k, v := range tt.params {
				params[k] = v
			}
			record := HistoryRecord{Operation: tt.name, Parameters: params}

			require.NoError(t, restoreParameters(record, tt.target, cfg))
			assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Port)
			assert.Equal(t, 17, cfg.Slave.Address)
			tt.check(t, tt.target)

			// 重複還原結果不變
			require.NoError(t, restoreParameters(record, tt.target, cfg))
			tt.check(t, tt.target)
		})
	}
}

func TestRestoreParameters_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		field  string
	}{
		{name: "slave not a number", params: map[string]string{"slave": "abc"}, field: "slave"},
		{name: "slave out of range", params: map[string]string{"slave": "300"}, field: "slave"},
		{name: "empty port", params: map[string]string{"port": ""}, field: "port"},
		{name: "unknown parameter", params: map[string]string{"baudrate": "9600"}, field: "baudrate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := restoreParameters(HistoryRecord{Operation: "inspect", Parameters: tt.params}, inspectCmd, cfg)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 1, cfg.Slave.Address, "失敗時不應修改從站位址")
		})
	}

	err := restoreParameters(HistoryRecord{Operation: "scan", Parameters: map[string]string{"delay": "soon"}}, scanCmd, DefaultConfig())
	assert.Error(t, err)
}
