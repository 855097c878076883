package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ProbeStatus 從站探測結果狀態
type ProbeStatus string

const (
	ProbeStatusActive ProbeStatus = "active"
	// 從站以異常碼回應：設備存在但該暫存器不可讀
	ProbeStatusError ProbeStatus = "error"
)

// SlaveProbeResult 單一從站的探測結果
type SlaveProbeResult struct {
	Slave        uint8         `json:"slave"`
	ResponseTime time.Duration `json:"response_time"`
	Value        *uint16       `json:"value,omitempty"`
	Status       ProbeStatus   `json:"status"`
	Err          error         `json:"-"`
}

// CountProbeStatus 分別計算正常回應與異常回應的從站數
func CountProbeStatus(results []SlaveProbeResult) (active, exception int) {
	for _, r := range results {
		if r.Status == ProbeStatusActive {
			active++
		} else {
			exception++
		}
	}
	return active, exception
}

// DiscoveryParams 從站搜尋參數
type DiscoveryParams struct {
	Start    uint8
	End      uint8
	Function RegisterType
	Register uint16
	Delay    time.Duration
	// OnProbe 每探測一個位址後呼叫 (可為 nil)；active 不含以異常碼回應的從站
	OnProbe func(slave uint8, probed, total, active int)
}

// Total 搜尋的位址數量
func (p DiscoveryParams) Total() int {
	if p.End < p.Start {
		return 0
	}
	return int(p.End) - int(p.Start) + 1
}

// Discoverer 從站搜尋
type Discoverer struct {
	transport Transport
	logger    *zap.Logger
	metrics   *ProbeMetrics
}

// NewDiscoverer 建立搜尋器
func NewDiscoverer(t Transport, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{transport: t, logger: logger}
}

// WithMetrics 記錄探測統計
func (d *Discoverer) WithMetrics(m *ProbeMetrics) *Discoverer {
	d.metrics = m
	return d
}

// Discover 依位址遞增順序探測從站
//
// 無回應的位址不會出現在結果中；ctx 取消時返回已找到的結果與 ctx 錯誤。
func (d *Discoverer) Discover(ctx context.Context, p DiscoveryParams) ([]SlaveProbeResult, error) {
	if p.End < p.Start {
		return nil, &ValidationError{Field: "end", Value: fmt.Sprint(p.End), Reason: "結束位址小於起始位址"}
	}
	if p.End > MaxSlaveAddress {
		return nil, &ValidationError{Field: "end", Value: fmt.Sprint(p.End), Reason: "超過最大從站位址 247"}
	}

	total := p.Total()
	results := make([]SlaveProbeResult, 0)
	active := 0

	d.logger.Info("開始搜尋從站",
		zap.Uint8("start", p.Start),
		zap.Uint8("end", p.End),
		zap.String("function", p.Function.String()),
		zap.Uint16("register", p.Register),
	)

	for i := 0; i < total; i++ {
		slave := p.Start + uint8(i)

		if err := ctx.Err(); err != nil {
			return results, err
		}

		value, elapsed, err := timedRead(d.transport, p.Function, p.Register, slave)
		d.metrics.RecordRead(err)

		switch {
		case err == nil:
			active++
			v := value
			results = append(results, SlaveProbeResult{
				Slave:        slave,
				ResponseTime: elapsed,
				Value:        &v,
				Status:       ProbeStatusActive,
			})
			d.logger.Info("找到從站",
				zap.Uint8("slave", slave),
				zap.Uint16("value", value),
				zap.Duration("response_time", elapsed),
			)
		case IsProtocolError(err):
			results = append(results, SlaveProbeResult{
				Slave:        slave,
				ResponseTime: elapsed,
				Status:       ProbeStatusError,
				Err:          err,
			})
			d.logger.Info("從站回應異常",
				zap.Uint8("slave", slave),
				zap.Error(err),
			)
		default:
			d.logger.Debug("從站無回應", zap.Uint8("slave", slave), zap.Error(err))
		}

		if p.OnProbe != nil {
			p.OnProbe(slave, i+1, total, active)
		}

		if i < total-1 {
			if err := sleepContext(ctx, p.Delay); err != nil {
				return results, err
			}
		}
	}

	d.logger.Info("搜尋完成",
		zap.Int("probed", total),
		zap.Int("active", active),
		zap.Int("exception", len(results)-active),
	)
	return results, nil
}
