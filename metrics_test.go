package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMetrics_RecordRead(t *testing.T) {
	m := NewProbeMetrics(nil)

	m.RecordRead(nil)
	m.RecordRead(nil)
	m.RecordRead(errNoResponse)
	m.RecordRead(&ProtocolError{FunctionCode: FuncCodeReadHoldingRegisters, ExceptionCode: 2})

	s := m.Snapshot()
	assert.Equal(t, uint64(4), s.TotalReads)
	assert.Equal(t, uint64(1), s.TimeoutErrors)
	assert.Equal(t, uint64(1), s.ProtocolErrors)
	assert.InDelta(t, 50.0, s.ErrorRate, 1e-9)
	assert.Nil(t, s.LastValue)

	m.SetLastValue(23.5)
	s = m.Snapshot()
	require.NotNil(t, s.LastValue)
	assert.Equal(t, 23.5, *s.LastValue)
}

func TestProbeMetrics_NilSafe(t *testing.T) {
	var m *ProbeMetrics
	assert.NotPanics(t, func() {
		m.RecordRead(errNoResponse)
		m.SetLastValue(1)
		m.TrackTask(nil)
	})
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestProbeMetrics_HandleMetrics(t *testing.T) {
	m := NewProbeMetrics(nil)
	m.RecordRead(nil)
	m.RecordRead(errNoResponse)
	m.SetLastValue(21.3)

	rec := httptest.NewRecorder()
	m.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	body := rec.Body.String()
	assert.Contains(t, body, "modbusprobe_reads_total 2\n")
	assert.Contains(t, body, `modbusprobe_read_errors_total{kind="timeout"} 1`)
	assert.Contains(t, body, `modbusprobe_read_errors_total{kind="exception"} 0`)
	assert.Contains(t, body, "modbusprobe_monitor_value 21.300000")
	assert.Contains(t, body, `modbusprobe_task_running{task=""} 0`)
}

func TestProbeMetrics_HandleMetricsJSON(t *testing.T) {
	m := NewProbeMetrics(nil)
	m.RecordRead(nil)

	rec := httptest.NewRecorder()
	m.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var snapshot MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, uint64(1), snapshot.TotalReads)
	assert.Equal(t, "idle", snapshot.TaskState)
}

func TestProbeMetrics_Ready(t *testing.T) {
	m := NewProbeMetrics(nil)

	rec := httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// 作業執行中才算 ready
	session := newTestSession(newFakeTransport())
	started := make(chan struct{})
	task, err := session.Start(context.Background(), "monitor", blockingTask(started))
	require.NoError(t, err)
	<-started

	m.TrackTask(task)
	rec = httptest.NewRecorder()
	m.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")

	rec = httptest.NewRecorder()
	m.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `modbusprobe_task_running{task="monitor"} 1`)

	task.Stop()
	task.Wait()
	m.TrackTask(task)
	assert.Equal(t, "stopped", m.Snapshot().TaskState)
}

func TestProbeMetrics_Health(t *testing.T) {
	m := NewProbeMetrics(nil)
	rec := httptest.NewRecorder()
	m.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestProbeMetrics_ReadsPerSec(t *testing.T) {
	m := NewProbeMetrics(nil)
	m.collect()
	for i := 0; i < 10; i++ {
		m.RecordRead(nil)
	}
	time.Sleep(10 * time.Millisecond)
	m.collect()

	assert.Greater(t, m.Snapshot().ReadsPerSec, 0.0)
}
