package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// 匯出檔名前綴
const (
	exportScan       = "scan_results"
	exportCandidates = "scan_candidates"
	exportDiscovery  = "slave_finder_results"
	exportMonitor    = "monitor_data"
	exportHistory    = "command_history"
)

// CSV 表頭 (欄位固定)
var (
	scanHeader       = []string{"address", "type", "value_dec", "value_hex", "value_div10"}
	candidateHeader  = []string{"address", "type", "value", "scale"}
	discoveryHeader  = []string{"slave_id", "response_time_ms", "register_value", "status"}
	monitorHeader    = []string{"time", "raw_value", "formatted_value"}
	historyCSVHeader = []string{"timestamp", "operation", "parameters", "result"}
)

// ExportFileName 依前綴與時間產生檔名，例如 scan_results_20240102_150405.csv
func ExportFileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s.csv", prefix, t.Format("20060102_150405"))
}

// WriteScanCSV 寫出原始讀值
func WriteScanCSV(w io.Writer, readings []RawReading) error {
	return writeCSV(w, scanHeader, len(readings), func(i int) []string {
		r := readings[i]
		return []string{
			strconv.Itoa(int(r.Address)),
			r.Source.String(),
			strconv.Itoa(int(r.Value)),
			fmt.Sprintf("0x%04X", r.Value),
			strconv.FormatFloat(float64(r.Value)/10, 'f', 1, 64),
		}
	})
}

// WriteCandidatesCSV 寫出溫度候選值
func WriteCandidatesCSV(w io.Writer, candidates []TemperatureCandidate) error {
	return writeCSV(w, candidateHeader, len(candidates), func(i int) []string {
		c := candidates[i]
		return []string{
			strconv.Itoa(int(c.Address)),
			c.Source.String(),
			FormatScaled(c.Interpreted, c.Scale.Factor),
			c.Scale.Label,
		}
	})
}

// WriteDiscoveryCSV 寫出從站搜尋結果
func WriteDiscoveryCSV(w io.Writer, results []SlaveProbeResult) error {
	return writeCSV(w, discoveryHeader, len(results), func(i int) []string {
		r := results[i]
		value := ""
		if r.Value != nil {
			value = strconv.Itoa(int(*r.Value))
		}
		return []string{
			strconv.Itoa(int(r.Slave)),
			strconv.FormatFloat(float64(r.ResponseTime.Microseconds())/1000, 'f', 1, 64),
			value,
			string(r.Status),
		}
	})
}

// WriteMonitorCSV 寫出監測取樣
func WriteMonitorCSV(w io.Writer, samples []MonitorSample) error {
	return writeCSV(w, monitorHeader, len(samples), func(i int) []string {
		s := samples[i]
		raw := ""
		if s.OK() {
			raw = strconv.Itoa(int(s.Raw))
		}
		return []string{
			s.Timestamp.Format("15:04:05"),
			raw,
			s.Formatted,
		}
	})
}

// WriteHistoryCSV 寫出指令歷史
func WriteHistoryCSV(w io.Writer, records []HistoryRecord) error {
	return writeCSV(w, historyCSVHeader, len(records), func(i int) []string {
		r := records[i]
		return []string{
			r.Timestamp.Format("2006-01-02 15:04:05"),
			r.Operation,
			r.ParametersString(),
			r.Result,
		}
	})
}

func writeCSV(w io.Writer, header []string, n int, row func(i int) []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("寫入 CSV 表頭失敗: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := cw.Write(row(i)); err != nil {
			return fmt.Errorf("寫入 CSV 第 %d 列失敗: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportToFile 在 dir 下建立帶時間戳的 CSV 並交由 write 寫入，返回檔案路徑
func ExportToFile(dir, prefix string, write func(io.Writer) error) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("建立匯出目錄失敗: %w", err)
	}

	path := filepath.Join(dir, ExportFileName(prefix, time.Now()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("建立匯出檔失敗: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("關閉匯出檔失敗: %w", err)
	}
	return path, nil
}
