package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BlockError 單一區塊讀取失敗 (不中斷其他區塊)
type BlockError struct {
	Start  uint16       `json:"start"`
	Count  uint16       `json:"count"`
	Source RegisterType `json:"source"`
	Err    error        `json:"-"`
}

func (e BlockError) Error() string {
	return e.Source.String() + " " + RegisterRange{Start: e.Start, Count: e.Count}.String() + ": " + e.Err.Error()
}

// ScanReport 掃描結果 (位址遞增順序)
type ScanReport struct {
	Readings   []RawReading
	Candidates []TemperatureCandidate
	Errors     []BlockError
	Reads      int
	Elapsed    time.Duration
}

func (r *ScanReport) merge(other *ScanReport) {
	r.Readings = append(r.Readings, other.Readings...)
	r.Candidates = append(r.Candidates, other.Candidates...)
	r.Errors = append(r.Errors, other.Errors...)
	r.Reads += other.Reads
}

// ScanObserver 掃描進度回呼 (可為 nil)
type ScanObserver interface {
	OnBlock(source RegisterType, block RegisterRange, readings []RawReading, err error)
}

// ScanParams 掃描參數
type ScanParams struct {
	Slave     uint8
	BlockSize int
	Delay     time.Duration
	Signed    bool
	Observer  ScanObserver
}

// Scanner 暫存器掃描器
type Scanner struct {
	transport Transport
	params    ScanParams
	logger    *zap.Logger
	metrics   *ProbeMetrics
}

// NewScanner 建立掃描器
func NewScanner(t Transport, params ScanParams, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		transport: t,
		params:    params,
		logger:    logger,
	}
}

// WithMetrics 記錄讀取統計
func (s *Scanner) WithMetrics(m *ProbeMetrics) *Scanner {
	s.metrics = m
	return s
}

// splitBlocks 依區塊大小切割範圍；blockSize <= 0 時整個範圍一次讀取
func splitBlocks(r RegisterRange, blockSize int) []RegisterRange {
	if blockSize <= 0 || blockSize >= int(r.Count) {
		return []RegisterRange{r}
	}

	blocks := make([]RegisterRange, 0, (int(r.Count)+blockSize-1)/blockSize)
	for offset := 0; offset < int(r.Count); offset += blockSize {
		size := min(blockSize, int(r.Count)-offset)
		blocks = append(blocks, RegisterRange{
			Start: r.Start + uint16(offset),
			Count: uint16(size),
		})
	}
	return blocks
}

// Scan 掃描單一暫存器類型的所有範圍
//
// 每個區塊讀取失敗只記錄並略過；只有 ctx 取消會提前結束，
// 此時返回已收集的結果與 ctx 錯誤。
func (s *Scanner) Scan(ctx context.Context, ranges []RegisterRange, source RegisterType) (*ScanReport, error) {
	report := &ScanReport{}
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	if source.IsBit() {
		return report, &ValidationError{Field: "source", Value: source.String(), Reason: "掃描僅支援 holding 或 input"}
	}

	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return report, err
		}
	}

	first := true
	for _, r := range ranges {
		s.logger.Info("讀取暫存器範圍",
			zap.String("source", source.String()),
			zap.String("range", r.String()),
		)

		for _, block := range splitBlocks(r, s.params.BlockSize) {
			if !first {
				if err := sleepContext(ctx, s.params.Delay); err != nil {
					return report, err
				}
			} else if err := ctx.Err(); err != nil {
				return report, err
			}
			first = false

			readings, err := s.readBlock(source, block)
			report.Reads++
			if err != nil {
				s.logger.Warn("讀取區塊失敗",
					zap.String("source", source.String()),
					zap.String("block", block.String()),
					zap.Error(err),
				)
				report.Errors = append(report.Errors, BlockError{
					Start:  block.Start,
					Count:  block.Count,
					Source: source,
					Err:    err,
				})
			} else {
				report.Readings = append(report.Readings, readings...)
				for _, reading := range readings {
					report.Candidates = append(report.Candidates, Interpret(reading, s.params.Signed)...)
				}
			}

			if s.params.Observer != nil {
				s.params.Observer.OnBlock(source, block, readings, err)
			}
		}
	}

	s.logger.Info("掃描完成",
		zap.String("source", source.String()),
		zap.Int("readings", len(report.Readings)),
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("errors", len(report.Errors)),
	)

	return report, nil
}

// ScanAll 依序掃描多種暫存器類型 (例如先 holding 後 input)
func (s *Scanner) ScanAll(ctx context.Context, ranges []RegisterRange, sources []RegisterType) (*ScanReport, error) {
	total := &ScanReport{}
	start := time.Now()
	defer func() { total.Elapsed = time.Since(start) }()

	for i, source := range sources {
		if i > 0 {
			if err := sleepContext(ctx, s.params.Delay); err != nil {
				return total, err
			}
		}
		report, err := s.Scan(ctx, ranges, source)
		total.merge(report)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Scanner) readBlock(source RegisterType, block RegisterRange) ([]RawReading, error) {
	values, err := readRegisters(s.transport, source, block.Start, block.Count, s.params.Slave)
	s.metrics.RecordRead(err)
	if err != nil {
		return nil, err
	}

	n := min(len(values), int(block.Count))
	readings := make([]RawReading, n)
	for i := 0; i < n; i++ {
		readings[i] = RawReading{
			Address: block.Start + uint16(i),
			Value:   values[i],
			Source:  source,
		}
	}
	return readings, nil
}
