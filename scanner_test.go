package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBlocks(t *testing.T) {
	r := RegisterRange{Start: 100, Count: 50}

	assert.Equal(t, []RegisterRange{r}, splitBlocks(r, 0))
	assert.Equal(t, []RegisterRange{r}, splitBlocks(r, 50))
	assert.Equal(t, []RegisterRange{r}, splitBlocks(r, 125))
	assert.Equal(t, []RegisterRange{
		{Start: 100, Count: 20},
		{Start: 120, Count: 20},
		{Start: 140, Count: 10},
	}, splitBlocks(r, 20))
}

func TestScanner_VisitsEveryAddressInOrder(t *testing.T) {
	for _, blockSize := range []int{0, 1, 7, 20, 50} {
		ft := newFakeTransport()
		scanner := NewScanner(ft, ScanParams{Slave: 1, BlockSize: blockSize}, nil)

		report, err := scanner.Scan(context.Background(), []RegisterRange{{Start: 100, Count: 50}}, RegisterTypeHolding)
		require.NoError(t, err)

		require.Len(t, report.Readings, 50, "blockSize=%d", blockSize)
		for i, r := range report.Readings {
			assert.Equal(t, uint16(100+i), r.Address, "blockSize=%d", blockSize)
			assert.Equal(t, RegisterTypeHolding, r.Source)
		}

		// 每次讀取都在範圍內且不重疊
		next := uint16(100)
		for _, read := range ft.Reads() {
			assert.Equal(t, next, read.Address)
			assert.Equal(t, uint8(1), read.Slave)
			next += read.Count
		}
		assert.Equal(t, uint16(150), next)
	}
}

func TestScanner_Candidates(t *testing.T) {
	ft := newFakeTransport()
	ft.holding[5] = 250   // 25.0 與 2.50
	ft.holding[6] = 60000 // 600.00 超出範圍

	scanner := NewScanner(ft, ScanParams{Slave: 1}, nil)
	report, err := scanner.Scan(context.Background(), []RegisterRange{{Start: 5, Count: 2}}, RegisterTypeHolding)
	require.NoError(t, err)

	require.Len(t, report.Candidates, 2)
	for _, c := range report.Candidates {
		assert.Equal(t, uint16(5), c.Address)
		assert.GreaterOrEqual(t, c.Interpreted, CandidateMin)
		assert.LessOrEqual(t, c.Interpreted, CandidateMax)
	}
	assert.InDelta(t, 25.0, report.Candidates[0].Interpreted, 1e-9)
	assert.Equal(t, "0.1x", report.Candidates[0].Scale.Label)
}

func TestScanner_BlockFailureDoesNotAbort(t *testing.T) {
	ft := newFakeTransport()
	ft.input[210] = 235
	ft.failRead = func(r fakeRead) error {
		if r.Address == 100 {
			return errNoResponse
		}
		return nil
	}

	var observed []RegisterRange
	scanner := NewScanner(ft, ScanParams{
		Slave:    2,
		Observer: observerFunc(func(_ RegisterType, block RegisterRange, _ []RawReading, _ error) { observed = append(observed, block) }),
	}, nil)

	ranges := []RegisterRange{{Start: 0, Count: 10}, {Start: 100, Count: 10}, {Start: 200, Count: 20}}
	report, err := scanner.Scan(context.Background(), ranges, RegisterTypeInput)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Reads)
	assert.Len(t, report.Readings, 30)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, uint16(100), report.Errors[0].Start)
	assert.Equal(t, uint16(10), report.Errors[0].Count)
	assert.True(t, IsTimeout(report.Errors[0].Err))
	assert.Contains(t, report.Errors[0].Error(), "input 100-109")
	assert.Equal(t, ranges, observed)
}

func TestScanner_ValidationBeforeTransport(t *testing.T) {
	ft := newFakeTransport()
	scanner := NewScanner(ft, ScanParams{Slave: 1}, nil)

	_, err := scanner.Scan(context.Background(), []RegisterRange{{Start: 0, Count: 0}}, RegisterTypeHolding)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = scanner.Scan(context.Background(), []RegisterRange{{Start: 0, Count: 10}}, RegisterTypeCoil)
	require.ErrorAs(t, err, &verr)

	_, err = scanner.Scan(context.Background(), []RegisterRange{{Start: 0xFFF0, Count: 20}}, RegisterTypeHolding)
	require.ErrorAs(t, err, &verr)

	assert.Empty(t, ft.Reads())
}

func TestScanner_CancelStopsBetweenReads(t *testing.T) {
	ft := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())

	ft.onRead = func(r fakeRead) {
		if r.Address == 20 {
			cancel()
		}
	}

	scanner := NewScanner(ft, ScanParams{Slave: 1, BlockSize: 10}, nil)
	report, err := scanner.Scan(ctx, []RegisterRange{{Start: 0, Count: 50}}, RegisterTypeHolding)
	require.ErrorIs(t, err, context.Canceled)

	// 進行中的讀取完成後才停止
	assert.Len(t, report.Readings, 30)
	assert.Len(t, ft.Reads(), 3)
}

func TestScanner_ScanAll(t *testing.T) {
	ft := newFakeTransport()
	ft.holding[1] = 200
	ft.input[1] = 300

	scanner := NewScanner(ft, ScanParams{Slave: 1}, nil)
	report, err := scanner.ScanAll(context.Background(), []RegisterRange{{Start: 0, Count: 3}},
		[]RegisterType{RegisterTypeHolding, RegisterTypeInput})
	require.NoError(t, err)

	require.Len(t, report.Readings, 6)
	assert.Equal(t, RegisterTypeHolding, report.Readings[0].Source)
	assert.Equal(t, RegisterTypeInput, report.Readings[3].Source)
	assert.Equal(t, 2, report.Reads)
}

type observerFunc func(source RegisterType, block RegisterRange, readings []RawReading, err error)

func (f observerFunc) OnBlock(source RegisterType, block RegisterRange, readings []RawReading, err error) {
	f(source, block, readings, err)
}
