package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

// 固定長度的 UTC 時間，字串排序即時間排序
const historyTimeLayout = "2006-01-02T15:04:05.000000000Z"

const schemaCommandHistory = `
CREATE TABLE IF NOT EXISTS command_history (
    id TEXT PRIMARY KEY,
    occurred_at TEXT NOT NULL,
    operation TEXT NOT NULL,
    parameters TEXT,
    result TEXT NOT NULL
);
`

const indexCommandHistoryTime = `
CREATE INDEX IF NOT EXISTS idx_command_history_occurred_at ON command_history (occurred_at);
`

// InitHistoryDB 開啟或建立 SQLite 歷史資料庫並確保資料表存在
func InitHistoryDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("開啟 sqlite %q 失敗: %w", path, err)
	}

	// 單一寫入者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("設定 %s 失敗: %w", pragma, err)
		}
	}

	if err := ensureHistorySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite 失敗: %w", err)
	}

	return db, nil
}

func ensureHistorySchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("開始 schema 交易失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range []string{schemaCommandHistory, indexCommandHistoryTime} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("套用 schema 第 %d 句失敗: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交 schema 交易失敗: %w", err)
	}
	return nil
}

// SQLiteHistory 以 SQLite 儲存歷史
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory 以已開啟的資料庫建立歷史儲存
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory { return &SQLiteHistory{db: db} }

func (h *SQLiteHistory) Append(ctx context.Context, r HistoryRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	var params *string
	if r.Parameters != nil {
		b, err := json.Marshal(r.Parameters)
		if err != nil {
			return fmt.Errorf("序列化參數失敗: %w", err)
		}
		s := string(b)
		params = &s
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO command_history (id, occurred_at, operation, parameters, result)
		VALUES (?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Timestamp.UTC().Format(historyTimeLayout),
		r.Operation,
		params,
		r.Result,
	)
	if err != nil {
		return fmt.Errorf("寫入歷史記錄失敗: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) List(ctx context.Context, limit int) ([]HistoryRecord, error) {
	query := `
		SELECT id, occurred_at, operation, parameters, result
		FROM command_history
		ORDER BY occurred_at ASC
	`
	args := []any{}
	if limit > 0 {
		// 取最新 limit 筆後再依時間遞增排序
		query = `
		SELECT id, occurred_at, operation, parameters, result FROM (
			SELECT id, occurred_at, operation, parameters, result
			FROM command_history
			ORDER BY occurred_at DESC
			LIMIT ?
		) ORDER BY occurred_at ASC
	`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查詢歷史記錄失敗: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		r, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("讀取歷史記錄失敗: %w", err)
	}
	return out, nil
}

func (h *SQLiteHistory) Find(ctx context.Context, idPrefix string) (HistoryRecord, error) {
	if idPrefix == "" {
		return HistoryRecord{}, ErrHistoryNotFound
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, occurred_at, operation, parameters, result
		FROM command_history
		WHERE id LIKE ? || '%'
		LIMIT 2
	`, idPrefix)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("查詢歷史記錄失敗: %w", err)
	}
	defer rows.Close()

	var matches []HistoryRecord
	for rows.Next() {
		r, err := scanHistoryRow(rows)
		if err != nil {
			return HistoryRecord{}, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return HistoryRecord{}, fmt.Errorf("讀取歷史記錄失敗: %w", err)
	}

	switch len(matches) {
	case 0:
		return HistoryRecord{}, ErrHistoryNotFound
	case 1:
		return matches[0], nil
	default:
		return HistoryRecord{}, fmt.Errorf("ID 前綴 %q 對應多筆記錄", idPrefix)
	}
}

func (h *SQLiteHistory) Clear(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `DELETE FROM command_history`); err != nil {
		return fmt.Errorf("清除歷史記錄失敗: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryRow(rows rowScanner) (HistoryRecord, error) {
	var (
		r          HistoryRecord
		occurredAt string
		params     sql.NullString
	)
	if err := rows.Scan(&r.ID, &occurredAt, &r.Operation, &params, &r.Result); err != nil {
		return HistoryRecord{}, fmt.Errorf("掃描歷史記錄失敗: %w", err)
	}

	ts, err := time.Parse(historyTimeLayout, occurredAt)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("解析時間 %q 失敗: %w", occurredAt, err)
	}
	r.Timestamp = ts.Local()

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &r.Parameters); err != nil {
			return HistoryRecord{}, fmt.Errorf("解析參數失敗: %w", err)
		}
	}
	return r, nil
}
