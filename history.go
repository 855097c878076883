package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrHistoryNotFound 找不到歷史記錄
var ErrHistoryNotFound = errors.New("找不到歷史記錄")

// HistoryRecord 一筆指令歷史
type HistoryRecord struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Operation  string            `json:"operation"`
	Parameters map[string]string `json:"parameters"`
	Result     string            `json:"result"`
}

// ParametersString 以 key=value 形式輸出參數 (依 key 排序)
func (r HistoryRecord) ParametersString() string {
	keys := make([]string, 0, len(r.Parameters))
	for k := range r.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + r.Parameters[k]
	}
	return strings.Join(parts, ", ")
}

// NewHistoryRecord 建立歷史記錄並補上 ID 與時間
func NewHistoryRecord(operation string, params map[string]string, result string) HistoryRecord {
	return HistoryRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Operation:  operation,
		Parameters: params,
		Result:     result,
	}
}

// HistoryStore 指令歷史儲存
//
// List 依時間由舊到新返回；Find 接受完整 ID 或唯一的 ID 前綴。
type HistoryStore interface {
	Append(ctx context.Context, r HistoryRecord) error
	List(ctx context.Context, limit int) ([]HistoryRecord, error)
	Find(ctx context.Context, idPrefix string) (HistoryRecord, error)
	Clear(ctx context.Context) error
	Close() error
}

// OpenHistoryStore 依配置開啟歷史儲存
func OpenHistoryStore(cfg HistoryConfig, logger *zap.Logger) (HistoryStore, error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := InitHistoryDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteHistory(db), nil
	case "jsonl", "":
		return NewJSONLHistory(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("不支援的歷史儲存方式: %s", cfg.Backend)
	}
}

// JSONLHistory 以每行一筆 JSON 的檔案儲存歷史
type JSONLHistory struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewJSONLHistory 建立 JSONL 歷史儲存 (檔案在第一次寫入時建立)
func NewJSONLHistory(path string, logger *zap.Logger) *JSONLHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLHistory{path: path, logger: logger}
}

func (h *JSONLHistory) Append(ctx context.Context, r HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("序列化歷史記錄失敗: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("開啟歷史檔失敗: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("寫入歷史檔失敗: %w", err)
	}
	return nil
}

func (h *JSONLHistory) List(ctx context.Context, limit int) ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.readAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (h *JSONLHistory) Find(ctx context.Context, idPrefix string) (HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.readAll(ctx)
	if err != nil {
		return HistoryRecord{}, err
	}
	return findByPrefix(records, idPrefix)
}

func (h *JSONLHistory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.Truncate(h.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("清除歷史檔失敗: %w", err)
	}
	return nil
}

func (h *JSONLHistory) Close() error { return nil }

// readAll 讀取整個檔案；無法解析的行記錄警告後略過
func (h *JSONLHistory) readAll(ctx context.Context) ([]HistoryRecord, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("開啟歷史檔失敗: %w", err)
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r HistoryRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			h.logger.Warn("略過無法解析的歷史記錄", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("讀取歷史檔失敗: %w", err)
	}
	return records, nil
}

func findByPrefix(records []HistoryRecord, idPrefix string) (HistoryRecord, error) {
	if idPrefix == "" {
		return HistoryRecord{}, ErrHistoryNotFound
	}

	var match *HistoryRecord
	for i := range records {
		if !strings.HasPrefix(records[i].ID, idPrefix) {
			continue
		}
		if match != nil {
			return HistoryRecord{}, fmt.Errorf("ID 前綴 %q 對應多筆記錄", idPrefix)
		}
		match = &records[i]
	}
	if match == nil {
		return HistoryRecord{}, ErrHistoryNotFound
	}
	return *match, nil
}
