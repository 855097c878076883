package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpret_CandidateBand(t *testing.T) {
	tests := []struct {
		raw    uint16
		labels []string
	}{
		{raw: 250, labels: []string{"0.1x", "0.01x"}}, // 250 超出範圍，25.0 與 2.50 保留
		{raw: 25, labels: []string{"1x", "0.1x", "0.01x"}},
		{raw: 150, labels: []string{"1x", "0.1x", "0.01x"}},
		{raw: 151, labels: []string{"0.1x", "0.01x"}},
		{raw: 1500, labels: []string{"0.1x", "0.01x"}},
		{raw: 1501, labels: []string{"0.01x"}},
		{raw: 15000, labels: []string{"0.01x"}},
		{raw: 15001, labels: nil},
		{raw: 65535, labels: nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.raw), func(t *testing.T) {
			got := Interpret(RawReading{Address: 7, Value: tt.raw, Source: RegisterTypeHolding}, false)

			var labels []string
			for _, c := range got {
				labels = append(labels, c.Scale.Label)
				assert.True(t, InBand(c.Interpreted), "候選值 %v 應在範圍內", c.Interpreted)
				assert.Equal(t, uint16(7), c.Address)
				assert.Equal(t, tt.raw, c.Raw)
				assert.Equal(t, RegisterTypeHolding, c.Source)
			}
			assert.Equal(t, tt.labels, labels)
		})
	}
}

func TestInterpret_ExhaustiveBand(t *testing.T) {
	for v := 0; v <= 0xFFFF; v++ {
		raw := uint16(v)
		got := Interpret(RawReading{Value: raw}, false)

		want := 0
		for _, s := range CandidateScales {
			x := float64(raw) * s.Factor
			if x >= CandidateMin-1e-9 && x <= CandidateMax+1e-9 {
				want++
			}
		}
		if !assert.Len(t, got, want, "raw=%d", raw) {
			return
		}
	}
}

func TestInterpret_Signed(t *testing.T) {
	// 0xFF06 = -250 → -25.0 與 -2.50
	got := Interpret(RawReading{Value: 0xFF06}, true)
	require.Len(t, got, 2)
	assert.InDelta(t, -25.0, got[0].Interpreted, 1e-9)
	assert.InDelta(t, -2.5, got[1].Interpreted, 1e-9)

	assert.Empty(t, Interpret(RawReading{Value: 0xFF06}, false))
}

func TestApplyScale_Formatting(t *testing.T) {
	tests := []struct {
		scale float64
		want  string
	}{
		{scale: 0.01, want: "12.34"},
		{scale: 0.1, want: "123.4"},
		{scale: 1, want: "1234"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			_, formatted := ApplyScale(1234, tt.scale)
			assert.Equal(t, tt.want, formatted)
		})
	}
}

func TestParseScale(t *testing.T) {
	v, err := ParseScale("0.1x")
	require.NoError(t, err)
	assert.Equal(t, 0.1, v)

	v, err = ParseScale("0.5")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	for _, bad := range []string{"", "abc", "0", "-1"} {
		_, err := ParseScale(bad)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "scale %q", bad)
	}
}

func TestInspectRegister(t *testing.T) {
	next := uint16(0x0002)
	got := InspectRegister(0x0001, &next)

	values := make(map[string]string)
	for _, in := range got {
		values[in.Name] = in.Value
	}
	assert.Equal(t, "1", values["decimal"])
	assert.Equal(t, "0x0001", values["hex"])
	assert.Equal(t, "0.1", values["÷10"])
	assert.Equal(t, "65538", values["uint32 big-endian"])
	assert.Equal(t, "131073", values["uint32 little-endian"])

	assert.Len(t, InspectRegister(0xFFFF, nil), 7)
	assert.Equal(t, "-1", InspectRegister(0xFFFF, nil)[5].Value)
}
