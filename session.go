package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskState 作業狀態
type TaskState int32

const (
	TaskStateIdle TaskState = iota
	TaskStateRunning
	TaskStateStopped
	TaskStateCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskStateIdle:
		return "idle"
	case TaskStateRunning:
		return "running"
	case TaskStateStopped:
		return "stopped"
	case TaskStateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// TaskFunc 在背景執行的作業本體，必須在每次迭代邊界檢查 ctx
type TaskFunc func(ctx context.Context, t Transport) error

// Task 持有序列埠的背景作業
//
// 狀態轉換: Idle -> Running -> {Stopped | Completed}。
// Stopped 只能經由取消 (Stop() 或外部 context) 取得；作業自然結束 (包含回傳錯誤) 為 Completed。
type Task struct {
	Name string

	state atomic.Int32
	mu    sync.Mutex

	run       TaskFunc
	transport Transport
	closeOnce sync.Once
	closeErr  error

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	startTime time.Time
	endTime   time.Time

	logger *zap.Logger
	onExit func(*Task)
}

// NewTask 建立作業 (Idle)
func NewTask(name string, run TaskFunc, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		Name:   name,
		run:    run,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start 以指定傳輸啟動作業；已經在執行或已結束時為 no-op 並返回 false
func (t *Task) Start(ctx context.Context, transport Transport) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.CompareAndSwap(int32(TaskStateIdle), int32(TaskStateRunning)) {
		return false
	}

	t.transport = transport
	t.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.logger.Info("作業已啟動", zap.String("task", t.Name))

	go t.loop(runCtx)
	return true
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)
	defer t.cancel()

	err := t.run(ctx, t.transport)
	t.closeTransport()

	// 只有因取消而中斷的作業才是 Stopped；run 已正常返回時即使稍後收到 Stop 仍為 Completed
	stopped := errors.Is(err, context.Canceled) && ctx.Err() != nil
	if stopped {
		err = nil
	}

	t.err = err
	t.endTime = time.Now()

	if stopped {
		t.state.Store(int32(TaskStateStopped))
	} else {
		t.state.Store(int32(TaskStateCompleted))
	}

	fields := []zap.Field{
		zap.String("task", t.Name),
		zap.String("state", t.State().String()),
		zap.Duration("elapsed", t.endTime.Sub(t.startTime)),
	}
	if err != nil {
		t.logger.Warn("作業結束 (含錯誤)", append(fields, zap.Error(err))...)
	} else {
		t.logger.Info("作業結束", fields...)
	}

	if t.onExit != nil {
		t.onExit(t)
	}
}

// closeTransport 關閉傳輸，保證只執行一次
func (t *Task) closeTransport() {
	t.closeOnce.Do(func() {
		if t.transport == nil {
			return
		}
		if err := t.transport.Close(); err != nil {
			t.closeErr = err
			t.logger.Warn("關閉序列埠失敗", zap.String("task", t.Name), zap.Error(err))
		}
	})
}

// Stop 要求停止；進行中的讀取會先完成或逾時
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != TaskStateRunning {
		return
	}
	t.cancel()
}

// Wait 等待作業結束並返回錯誤
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// WaitContext 在 ctx 結束前等待作業
func (t *Task) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 作業結束時關閉
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// State 取得當前狀態
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Err 作業結束後的錯誤
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Elapsed 執行時間
func (t *Task) Elapsed() time.Duration {
	if t.startTime.IsZero() {
		return 0
	}
	select {
	case <-t.done:
		return t.endTime.Sub(t.startTime)
	default:
		return time.Since(t.startTime)
	}
}

// Session 單一序列埠的作業協調器；同一時間只允許一個作業持有連線
type Session struct {
	mu      sync.Mutex
	serial  SerialConfig
	connect Connector
	logger  *zap.Logger
	current *Task
}

// SessionOption Session 配置選項
type SessionOption func(*Session)

// WithConnector 設定自訂 Connector (測試使用)
func WithConnector(c Connector) SessionOption {
	return func(s *Session) {
		s.connect = c
	}
}

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession 建立 Session
func NewSession(serial SerialConfig, opts ...SessionOption) *Session {
	s := &Session{
		serial:  serial,
		connect: ConnectRTU,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger, _ = zap.NewProduction()
	}

	return s
}

// Start 開啟序列埠並在背景啟動作業
//
// 已有作業在執行時返回 ErrBusy，且不影響該作業；
// 序列埠開啟失敗時返回 ConnectionError，作業不會啟動。
func (s *Session) Start(ctx context.Context, name string, run TaskFunc) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.State() == TaskStateRunning {
		return nil, fmt.Errorf("%w: %s", ErrBusy, s.current.Name)
	}

	transport, err := s.connect(s.serial, s.logger)
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Port: s.serial.Port, Err: err}
		}
		s.logger.Error("開啟序列埠失敗", zap.String("port", s.serial.Port), zap.Error(err))
		return nil, err
	}

	task := NewTask(name, run, s.logger)
	task.onExit = s.release
	s.current = task
	task.Start(ctx, transport)

	return task, nil
}

// Run 啟動作業並等待結束
func (s *Session) Run(ctx context.Context, name string, run TaskFunc) (*Task, error) {
	task, err := s.Start(ctx, name, run)
	if err != nil {
		return nil, err
	}
	return task, task.Wait()
}

// Current 目前 (或最後一個) 作業
func (s *Session) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop 停止目前作業
func (s *Session) Stop() {
	if task := s.Current(); task != nil {
		task.Stop()
	}
}

func (s *Session) release(t *Task) {
	s.logger.Debug("序列埠已釋放", zap.String("task", t.Name), zap.String("port", s.serial.Port))
}

// sleepContext 等待 d 或 ctx 取消
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
