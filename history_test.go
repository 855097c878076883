package main

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func historyFixture(id, op string, ts time.Time) HistoryRecord {
	return HistoryRecord{
		ID:         id,
		Timestamp:  ts,
		Operation:  op,
		Parameters: map[string]string{"port": "/dev/ttyUSB0", "slave": "1"},
		Result:     "ok",
	}
}

func TestHistoryRecord_ParametersString(t *testing.T) {
	r := HistoryRecord{Parameters: map[string]string{"slave": "1", "port": "COM3", "delay": "200ms"}}
	assert.Equal(t, "delay=200ms, port=COM3, slave=1", r.ParametersString())
	assert.Equal(t, "", HistoryRecord{}.ParametersString())
}

func TestNewHistoryRecord(t *testing.T) {
	r := NewHistoryRecord("scan", map[string]string{"type": "both"}, "3 個候選")
	assert.Len(t, r.ID, 36)
	assert.False(t, r.Timestamp.IsZero())
	assert.Equal(t, "scan", r.Operation)
}

func TestJSONLHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h := NewJSONLHistory(path, zap.NewNop())

	// 檔案不存在時為空
	records, err := h.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	base := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	require.NoError(t, h.Append(ctx, historyFixture("aaaa-1", "scan", base)))
	require.NoError(t, h.Append(ctx, historyFixture("aaaa-2", "find", base.Add(time.Minute))))
	require.NoError(t, h.Append(ctx, historyFixture("bbbb-3", "monitor", base.Add(2*time.Minute))))

	records, err = h.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "scan", records[0].Operation)
	assert.Equal(t, "/dev/ttyUSB0", records[0].Parameters["port"])

	records, err = h.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "aaaa-2", records[0].ID)
	assert.Equal(t, "bbbb-3", records[1].ID)

	r, err := h.Find(ctx, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, "monitor", r.Operation)

	_, err = h.Find(ctx, "aaaa")
	assert.ErrorContains(t, err, "多筆")

	_, err = h.Find(ctx, "cccc")
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	require.NoError(t, h.Clear(ctx))
	records, err = h.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, h.Close())
}

func TestJSONLHistory_SkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"id":"x1","operation":"scan","result":"ok"}
not json

{"id":"x2","operation":"read","result":"ok"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	records, err := NewJSONLHistory(path, nil).List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "x2", records[1].ID)
}

func TestJSONLHistory_ClearMissingFile(t *testing.T) {
	h := NewJSONLHistory(filepath.Join(t.TempDir(), "none.jsonl"), nil)
	assert.NoError(t, h.Clear(context.Background()))
}

func TestOpenHistoryStore(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenHistoryStore(HistoryConfig{Backend: "jsonl", Path: filepath.Join(dir, "h.jsonl")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &JSONLHistory{}, store)
	require.NoError(t, store.Close())

	store, err = OpenHistoryStore(HistoryConfig{Backend: "sqlite", Path: filepath.Join(dir, "h.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteHistory{}, store)
	require.NoError(t, store.Close())

	_, err = OpenHistoryStore(HistoryConfig{Backend: "redis"}, nil)
	assert.Error(t, err)
}

func TestSQLiteHistory_File(t *testing.T) {
	ctx := context.Background()
	db, err := InitHistoryDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	h := NewSQLiteHistory(db)
	defer h.Close()

	base := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	require.NoError(t, h.Append(ctx, historyFixture("aaaa-1", "scan", base)))
	require.NoError(t, h.Append(ctx, historyFixture("aaaa-2", "find", base.Add(time.Second))))
	require.NoError(t, h.Append(ctx, HistoryRecord{ID: "bbbb-3", Timestamp: base.Add(2 * time.Second), Operation: "test", Result: "ok"}))

	records, err := h.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "aaaa-1", records[0].ID)
	assert.True(t, base.Equal(records[0].Timestamp))
	assert.Equal(t, "1", records[0].Parameters["slave"])
	assert.Nil(t, records[2].Parameters)

	records, err = h.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "aaaa-2", records[0].ID)
	assert.Equal(t, "bbbb-3", records[1].ID)

	r, err := h.Find(ctx, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, "test", r.Operation)

	_, err = h.Find(ctx, "aaaa")
	assert.ErrorContains(t, err, "多筆")

	_, err = h.Find(ctx, "zzzz")
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	require.NoError(t, h.Clear(ctx))
	records, err = h.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteHistory_AppendMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO command_history (id, occurred_at, operation, parameters, result)`)).
		WithArgs("rec-1", "2024-01-02T15:04:05.000000000Z", "read", `{"register":"40"}`, "值: 235").
		WillReturnResult(sqlmock.NewResult(1, 1))

	h := NewSQLiteHistory(db)
	err = h.Append(context.Background(), HistoryRecord{
		ID:         "rec-1",
		Timestamp:  time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
		Operation:  "read",
		Parameters: map[string]string{"register": "40"},
		Result:     "值: 235",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteHistory_ListMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "occurred_at", "operation", "parameters", "result"}).
		AddRow("rec-1", "2024-01-02T15:04:05.000000000Z", "scan", `{"type":"both"}`, "ok").
		AddRow("rec-2", "2024-01-02T15:05:05.000000000Z", "test", nil, "ok")
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT ?`)).WithArgs(10).WillReturnRows(rows)

	records, err := NewSQLiteHistory(db).List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "both", records[0].Parameters["type"])
	assert.Nil(t, records[1].Parameters)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteHistory_ClearMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM command_history`)).WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, NewSQLiteHistory(db).Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
