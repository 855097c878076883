package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "modbusprobe",
	Short: "Modbus RTU 診斷工具",
	Long: `透過 RS485 序列埠診斷 Modbus RTU 設備。
掃描暫存器找出溫度候選值、搜尋從站位址、連續監測單一暫存器。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var loadErr error
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, loadErr = LoadConfig(cfgFile)
		}
		if appConfig == nil || loadErr != nil {
			appConfig = DefaultConfig()
		}

		if err := applyGlobalFlags(cmd); err != nil {
			return err
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		if loadErr != nil {
			if cfgFile != "" {
				return loadErr
			}
			logger.Warn("載入配置失敗，使用預設配置", zap.Error(loadErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// applyGlobalFlags 以命令列參數覆蓋序列埠與從站設定
func applyGlobalFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()

	if flags.Changed("port") {
		appConfig.Serial.Port, _ = flags.GetString("port")
	}
	if flags.Changed("baud") {
		appConfig.Serial.BaudRate, _ = flags.GetInt("baud")
	}
	if flags.Changed("parity") {
		appConfig.Serial.Parity, _ = flags.GetString("parity")
	}
	if flags.Changed("stopbits") {
		appConfig.Serial.StopBits, _ = flags.GetInt("stopbits")
	}
	if flags.Changed("databits") {
		appConfig.Serial.DataBits, _ = flags.GetInt("databits")
	}
	if flags.Changed("timeout") {
		appConfig.Serial.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("slave") {
		appConfig.Slave.Address, _ = flags.GetInt("slave")
	}
	if flags.Changed("allow-address-zero") {
		appConfig.Slave.AllowAddressZero, _ = flags.GetBool("allow-address-zero")
	}
	if flags.Changed("log-level") {
		appConfig.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("trace-frame") {
		appConfig.Logging.TraceFrame, _ = flags.GetBool("trace-frame")
	}
	return nil
}

// serialConfig 驗證並返回序列埠設定
func serialConfig() (SerialConfig, error) {
	cfg := appConfig.Serial
	if err := cfg.Validate(); err != nil {
		return cfg, &ValidationError{Field: "serial", Value: cfg.String(), Reason: err.Error()}
	}
	return cfg, nil
}

// slaveAddress 驗證並返回從站位址
func slaveAddress() (uint8, error) {
	if err := appConfig.ValidateSlave(appConfig.Slave.Address); err != nil {
		return 0, err
	}
	return uint8(appConfig.Slave.Address), nil
}

// runTask 在 Session 中執行作業，Ctrl+C 時停止作業並等待序列埠釋放
func runTask(session *Session, name string, run TaskFunc) (*Task, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var metrics *ProbeMetrics
	if appConfig.Metrics.Enabled {
		metrics = NewProbeMetrics(logger)
		if err := metrics.Start(ctx, appConfig.Metrics.Endpoint, appConfig.Metrics.Port, session); err != nil {
			logger.Warn("啟動指標伺服器失敗", zap.Error(err))
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}
	taskMetrics = metrics

	task, err := session.Start(ctx, name, run)
	if err != nil {
		return nil, err
	}
	metrics.TrackTask(task)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("收到中斷信號，停止作業", zap.String("signal", sig.String()), zap.String("task", name))
			task.Stop()
		case <-task.Done():
		}
	}()

	err = task.Wait()
	metrics.TrackTask(task)
	return task, err
}

// taskMetrics 目前作業的指標 (未啟用時為 nil)
var taskMetrics *ProbeMetrics

// recordHistory 寫入指令歷史，失敗只記錄警告
func recordHistory(operation string, params map[string]string, result string) {
	if !appConfig.History.Enabled {
		return
	}

	store, err := OpenHistoryStore(appConfig.History, logger)
	if err != nil {
		logger.Warn("開啟歷史儲存失敗", zap.Error(err))
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Append(ctx, NewHistoryRecord(operation, params, result)); err != nil {
		logger.Warn("寫入歷史失敗", zap.Error(err))
	}
}

// resultText 歷史記錄的結果欄
func resultText(task *Task, summary string, err error) string {
	if err != nil {
		return "錯誤: " + err.Error()
	}
	if task != nil && task.State() == TaskStateStopped {
		return summary + " (已停止)"
	}
	return summary
}

func baseParams() map[string]string {
	return map[string]string{
		"port":  appConfig.Serial.Port,
		"slave": strconv.Itoa(appConfig.Slave.Address),
	}
}

// exportCSV 匯出並顯示檔案路徑
func exportCSV(out io.Writer, prefix string, write func(io.Writer) error) {
	path, err := ExportToFile(appConfig.Export.Dir, prefix, write)
	if err != nil {
		logger.Error("匯出失敗", zap.Error(err))
		fmt.Fprintf(out, "匯出失敗: %v\n", err)
		return
	}
	fmt.Fprintf(out, "資料已匯出: %s\n", path)
}

// scanCmd 暫存器掃描
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "掃描暫存器並找出溫度候選值",
	Long:  "依範圍讀取 holding / input 暫存器，以 1、0.1、0.01 三種縮放解讀，列出落在 -50~150 的值。",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("type") {
			appConfig.Scan.Type, _ = flags.GetString("type")
		}
		if flags.Changed("range") {
			specs, _ := flags.GetStringSlice("range")
			ranges := make([]RegisterRange, 0, len(specs))
			for _, text := range specs {
				r, err := ParseRegisterRange(text)
				if err != nil {
					return err
				}
				ranges = append(ranges, r)
			}
			appConfig.Scan.Ranges = ranges
		}
		if flags.Changed("block-size") {
			appConfig.Scan.BlockSize, _ = flags.GetInt("block-size")
		}
		if flags.Changed("delay") {
			appConfig.Scan.Delay, _ = flags.GetDuration("delay")
		}
		if flags.Changed("signed") {
			appConfig.Scan.Signed, _ = flags.GetBool("signed")
		}
		export, _ := flags.GetBool("export")

		sources, err := ParseScanSources(appConfig.Scan.Type)
		if err != nil {
			return err
		}
		if appConfig.Scan.BlockSize > MaxRegistersPerRead {
			return &ValidationError{Field: "block-size", Value: strconv.Itoa(appConfig.Scan.BlockSize), Reason: fmt.Sprintf("最大 %d", MaxRegistersPerRead)}
		}
		for _, r := range appConfig.Scan.Ranges {
			if err := r.Validate(); err != nil {
				return err
			}
		}
		slave, err := slaveAddress()
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "掃描 %s 從站 %d (%s)\n", serialCfg.String(), slave, appConfig.Scan.Type)

		var report *ScanReport
		session := NewSession(serialCfg, WithLogger(logger))
		task, runErr := runTask(session, "scan", func(ctx context.Context, t Transport) error {
			scanner := NewScanner(t, ScanParams{
				Slave:     slave,
				BlockSize: appConfig.Scan.BlockSize,
				Delay:     appConfig.Scan.Delay,
				Signed:    appConfig.Scan.Signed,
				Observer:  scanPrinter{out: out},
			}, logger).WithMetrics(taskMetrics)

			var err error
			report, err = scanner.ScanAll(ctx, appConfig.Scan.Ranges, sources)
			return err
		})

		summary := ""
		if report != nil {
			printCandidates(out, report.Candidates)
			summary = fmt.Sprintf("%d 筆讀值, %d 個候選, %d 個區塊失敗", len(report.Readings), len(report.Candidates), len(report.Errors))
			fmt.Fprintln(out, summary)

			if export {
				exportCSV(out, exportScan, func(w io.Writer) error { return WriteScanCSV(w, report.Readings) })
				exportCSV(out, exportCandidates, func(w io.Writer) error { return WriteCandidatesCSV(w, report.Candidates) })
			}
		}

		params := baseParams()
		params["type"] = appConfig.Scan.Type
		params["range"] = joinRanges(appConfig.Scan.Ranges)
		params["block-size"] = strconv.Itoa(appConfig.Scan.BlockSize)
		params["delay"] = appConfig.Scan.Delay.String()
		params["signed"] = strconv.FormatBool(appConfig.Scan.Signed)
		recordHistory("scan", params, resultText(task, summary, runErr))

		return runErr
	},
}

// scanPrinter 掃描進度輸出
type scanPrinter struct {
	out io.Writer
}

func (p scanPrinter) OnBlock(source RegisterType, block RegisterRange, readings []RawReading, err error) {
	if err != nil {
		fmt.Fprintf(p.out, "  %-8s %-12s 失敗: %v\n", source, block, err)
		return
	}
	for _, r := range readings {
		if r.Value == 0 {
			continue
		}
		fmt.Fprintf(p.out, "  %-8s %5d = %5d (0x%04X)\n", source, r.Address, r.Value, r.Value)
	}
}

func printCandidates(out io.Writer, candidates []TemperatureCandidate) {
	if len(candidates) == 0 {
		fmt.Fprintln(out, "沒有找到溫度候選值")
		return
	}
	fmt.Fprintf(out, "\n溫度候選值 (%d 個):\n", len(candidates))
	for _, c := range candidates {
		fmt.Fprintf(out, "  %-8s %5d raw=%-5d %6s -> %s °C\n", c.Source, c.Address, c.Raw, c.Scale.Label, FormatScaled(c.Interpreted, c.Scale.Factor))
	}
}

func joinRanges(ranges []RegisterRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("%d:%d", r.Start, r.Count)
	}
	return strings.Join(parts, ",")
}

// findCmd 從站搜尋
var findCmd = &cobra.Command{
	Use:     "find",
	Aliases: []string{"discover"},
	Short:   "搜尋回應的從站位址",
	Long:    "依序對每個從站位址做一次測試讀取，列出有回應 (含異常回應) 的從站。",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("start") {
			appConfig.Discovery.Start, _ = flags.GetInt("start")
		}
		if flags.Changed("end") {
			appConfig.Discovery.End, _ = flags.GetInt("end")
		}
		if flags.Changed("function") {
			appConfig.Discovery.Function, _ = flags.GetString("function")
		}
		if flags.Changed("register") {
			appConfig.Discovery.Register, _ = flags.GetUint16("register")
		}
		if flags.Changed("delay") {
			appConfig.Discovery.Delay, _ = flags.GetDuration("delay")
		}
		if flags.Changed("probe-timeout") {
			appConfig.Discovery.Timeout, _ = flags.GetDuration("probe-timeout")
		}
		export, _ := flags.GetBool("export")

		d := appConfig.Discovery
		if err := appConfig.ValidateSlave(d.Start); err != nil {
			return err
		}
		if err := appConfig.ValidateSlave(d.End); err != nil {
			return err
		}
		if d.Start > d.End {
			return &ValidationError{Field: "end", Value: strconv.Itoa(d.End), Reason: "結束位址小於起始位址"}
		}
		function, err := ParseRegisterType(d.Function)
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}
		// 搜尋使用較短的逾時
		if d.Timeout > 0 {
			serialCfg.Timeout = d.Timeout
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "搜尋從站 %d-%d (%s 暫存器 %d)\n", d.Start, d.End, function, d.Register)

		var results []SlaveProbeResult
		session := NewSession(serialCfg, WithLogger(logger))
		task, runErr := runTask(session, "discovery", func(ctx context.Context, t Transport) error {
			var err error
			results, err = NewDiscoverer(t, logger).WithMetrics(taskMetrics).Discover(ctx, DiscoveryParams{
				Start:    uint8(d.Start),
				End:      uint8(d.End),
				Function: function,
				Register: d.Register,
				Delay:    d.Delay,
				OnProbe: func(slave uint8, probed, total, active int) {
					if probed%10 == 0 || probed == total {
						fmt.Fprintf(out, "  進度 %d/%d，已找到 %d 個\n", probed, total, active)
					}
				},
			})
			return err
		})

		printProbeResults(out, results)
		active, exception := CountProbeStatus(results)
		summary := fmt.Sprintf("找到 %d 個從站", active)
		if exception > 0 {
			summary += fmt.Sprintf("，另有 %d 個回應異常", exception)
		}
		fmt.Fprintln(out, summary)

		if export && len(results) > 0 {
			exportCSV(out, exportDiscovery, func(w io.Writer) error { return WriteDiscoveryCSV(w, results) })
		}

		params := map[string]string{
			"port":          appConfig.Serial.Port,
			"start":         strconv.Itoa(d.Start),
			"end":           strconv.Itoa(d.End),
			"function":      function.String(),
			"register":      strconv.Itoa(int(d.Register)),
			"delay":         d.Delay.String(),
			"probe-timeout": d.Timeout.String(),
		}
		recordHistory("find", params, resultText(task, summary, runErr))

		return runErr
	},
}

func printProbeResults(out io.Writer, results []SlaveProbeResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "沒有找到任何從站")
		return
	}
	fmt.Fprintf(out, "\n%-6s %-12s %-8s %s\n", "從站", "回應時間", "值", "狀態")
	for _, r := range results {
		value := "-"
		if r.Value != nil {
			value = strconv.Itoa(int(*r.Value))
		}
		fmt.Fprintf(out, "%-6d %-12s %-8s %s\n", r.Slave, fmt.Sprintf("%.1f ms", float64(r.ResponseTime.Microseconds())/1000), value, r.Status)
	}
}

// monitorCmd 連續監測
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "連續監測單一暫存器",
	Long:  "以固定間隔讀取單一暫存器並依縮放因子顯示，Ctrl+C 停止。",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("register") {
			appConfig.Monitor.Register, _ = flags.GetUint16("register")
		}
		if flags.Changed("type") {
			appConfig.Monitor.Type, _ = flags.GetString("type")
		}
		if flags.Changed("scale") {
			s, _ := flags.GetString("scale")
			scale, err := ParseScale(s)
			if err != nil {
				return err
			}
			appConfig.Monitor.Scale = scale
		}
		if flags.Changed("interval") {
			appConfig.Monitor.Interval, _ = flags.GetDuration("interval")
		}
		if flags.Changed("history-size") {
			appConfig.Monitor.HistorySize, _ = flags.GetInt("history-size")
		}
		if flags.Changed("mqtt") {
			appConfig.MQTT.Enabled, _ = flags.GetBool("mqtt")
		}
		export, _ := flags.GetBool("export")

		m := appConfig.Monitor
		rt, err := ParseRegisterType(m.Type)
		if err != nil {
			return err
		}
		if rt.IsBit() {
			return &ValidationError{Field: "type", Value: m.Type, Reason: "監測僅支援 holding 或 input"}
		}
		if m.Interval <= 0 {
			return &ValidationError{Field: "interval", Value: m.Interval.String(), Reason: "必須大於 0"}
		}
		slave, err := slaveAddress()
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}

		params := MonitorParams{
			Slave:    slave,
			Register: m.Register,
			Type:     rt,
			Scale:    m.Scale,
			Interval: m.Interval,
		}

		out := cmd.OutOrStdout()
		params.OnSample = func(s MonitorSample) {
			if s.OK() {
				fmt.Fprintf(out, "[%s] 溫度: %s °C\n", s.Timestamp.Format("15:04:05"), s.Formatted)
			} else {
				fmt.Fprintf(out, "[%s] 讀取失敗: %v\n", s.Timestamp.Format("15:04:05"), s.Err)
			}
		}

		var publisher *MQTTPublisher
		if appConfig.MQTT.Enabled {
			publisher, err = NewMQTTPublisher(appConfig.MQTT, serialCfg.Port, params, logger)
			if err != nil {
				return err
			}
			defer publisher.Close()
		}

		fmt.Fprintf(out, "監測 %s 暫存器 %d (從站 %d, 縮放 %v, 間隔 %v)，按 Ctrl+C 停止\n", rt, m.Register, slave, m.Scale, m.Interval)

		history := NewSampleHistory(m.HistorySize)
		session := NewSession(serialCfg, WithLogger(logger))
		task, runErr := runTask(session, "monitor", func(ctx context.Context, t Transport) error {
			monitor := NewMonitor(t, params, history, logger).WithMetrics(taskMetrics)
			if publisher != nil {
				monitor.AddSink(publisher)
			}
			return monitor.Run(ctx)
		})

		samples := history.Samples()
		summary := fmt.Sprintf("%d 筆取樣", len(samples))
		if last, ok := history.Last(); ok && last.OK() {
			summary += ", 最後值 " + last.Formatted
		}
		fmt.Fprintln(out, summary)

		if export && len(samples) > 0 {
			exportCSV(out, exportMonitor, func(w io.Writer) error { return WriteMonitorCSV(w, samples) })
		}

		hp := baseParams()
		hp["register"] = strconv.Itoa(int(m.Register))
		hp["type"] = rt.String()
		hp["scale"] = strconv.FormatFloat(m.Scale, 'g', -1, 64)
		hp["interval"] = m.Interval.String()
		recordHistory("monitor", hp, resultText(task, summary, runErr))

		return runErr
	},
}

// readCmd 讀取暫存器
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "讀取暫存器",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		register, _ := flags.GetUint16("register")
		count, _ := flags.GetUint16("count")
		typeName, _ := flags.GetString("type")
		scaleText, _ := flags.GetString("scale")
		interval, _ := flags.GetDuration("interval")

		rt, err := ParseRegisterType(typeName)
		if err != nil {
			return err
		}
		scale, err := ParseScale(scaleText)
		if err != nil {
			return err
		}
		if interval < 0 {
			return &ValidationError{Field: "interval", Value: interval.String(), Reason: "不可為負數"}
		}
		slave, err := slaveAddress()
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var values []uint16
		session := NewSession(serialCfg, WithLogger(logger))

		if interval > 0 {
			rounds, failed := 0, 0
			task, runErr := runTask(session, "read", func(ctx context.Context, t Transport) error {
				return WatchValues(ctx, t, rt, register, count, slave, interval, func(r ReadRound) {
					taskMetrics.RecordRead(r.Err)
					rounds++
					fmt.Fprintf(out, "[%s] #%d\n", r.Timestamp.Format("15:04:05"), r.Seq)
					if r.Err != nil {
						failed++
						fmt.Fprintf(out, "讀取失敗: %v\n", r.Err)
						return
					}
					printValues(out, rt, register, scale, r.Values)
				})
			})

			summary := fmt.Sprintf("%d 次讀取, %d 次失敗", rounds, failed)
			fmt.Fprintln(out, summary)

			params := baseParams()
			params["register"] = strconv.Itoa(int(register))
			params["count"] = strconv.Itoa(int(count))
			params["type"] = rt.String()
			params["scale"] = scaleText
			params["interval"] = interval.String()
			recordHistory("read", params, resultText(task, summary, runErr))
			return runErr
		}

		task, runErr := runTask(session, "read", func(ctx context.Context, t Transport) error {
			var err error
			values, err = ReadValues(t, rt, register, count, slave)
			return err
		})

		printValues(out, rt, register, scale, values)
		parts := make([]string, 0, len(values))
		for _, v := range values {
			parts = append(parts, strconv.Itoa(int(v)))
		}
		if runErr != nil {
			fmt.Fprintf(out, "讀取失敗: %v\n", runErr)
		}

		params := baseParams()
		params["register"] = strconv.Itoa(int(register))
		params["count"] = strconv.Itoa(int(count))
		params["type"] = rt.String()
		params["scale"] = scaleText
		recordHistory("read", params, resultText(task, "值: "+strings.Join(parts, ", "), runErr))

		return runErr
	},
}

// printValues 逐行列出讀值，暫存器另外顯示十六進位與縮放值
func printValues(out io.Writer, rt RegisterType, register uint16, scale float64, values []uint16) {
	for i, v := range values {
		addr := int(register) + i
		if rt.IsBit() {
			fmt.Fprintf(out, "%s %d = %d\n", rt, addr, v)
			continue
		}
		_, scaled := ApplyScale(v, scale)
		fmt.Fprintf(out, "%s %d = %d (0x%04X) -> %s\n", rt, addr, v, v, scaled)
	}
}

// writeCmd 寫入暫存器
var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "寫入 holding 暫存器或線圈",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		register, _ := flags.GetUint16("register")
		typeName, _ := flags.GetString("type")
		valueText, _ := flags.GetString("value")
		scaleText, _ := flags.GetString("scale")

		rt, err := ParseRegisterType(typeName)
		if err != nil {
			return err
		}
		scale, err := ParseScale(scaleText)
		if err != nil {
			return err
		}
		value, err := ParseWriteValue(rt, valueText, scale)
		if err != nil {
			return err
		}
		slave, err := slaveAddress()
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}

		session := NewSession(serialCfg, WithLogger(logger))
		task, runErr := runTask(session, "write", func(ctx context.Context, t Transport) error {
			return ApplyWrite(t, rt, register, value, slave)
		})

		out := cmd.OutOrStdout()
		written := strconv.Itoa(int(value.Register))
		if rt == RegisterTypeCoil {
			written = strconv.FormatBool(value.Coil)
		}
		if runErr == nil {
			fmt.Fprintf(out, "已寫入 %s %d = %s\n", rt, register, written)
		}

		params := baseParams()
		params["register"] = strconv.Itoa(int(register))
		params["type"] = rt.String()
		params["value"] = valueText
		params["scale"] = scaleText
		recordHistory("write", params, resultText(task, "已寫入 "+written, runErr))

		return runErr
	},
}

// testCmd 連線測試
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "測試與從站的通訊",
	Long:  "依序在暫存器 0、1、100、400 嘗試讀取 holding 與 input，第一次成功即停止。",
	RunE: func(cmd *cobra.Command, args []string) error {
		slave, err := slaveAddress()
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "測試 %s 從站 %d\n", serialCfg.String(), slave)

		var result ConnectionTestResult
		session := NewSession(serialCfg, WithLogger(logger))
		task, runErr := runTask(session, "test", func(ctx context.Context, t Transport) error {
			var err error
			result, err = TestConnection(ctx, t, slave, 500*time.Millisecond, logger)
			return err
		})

		var summary string
		switch {
		case runErr != nil:
			fmt.Fprintf(out, "無法建立連線: %v\n", runErr)
			fmt.Fprintln(out, "請確認序列埠存在且沒有被其他程式占用")
		case result.OK:
			summary = fmt.Sprintf("通訊成功: %s 暫存器 %d = %d", result.Type, result.Register, result.Value)
			fmt.Fprintln(out, summary)
		default:
			summary = fmt.Sprintf("通訊失敗 (嘗試 %d 次)", result.Attempts)
			fmt.Fprintln(out, summary)
			if result.LastErr != nil {
				fmt.Fprintf(out, "最後錯誤: %v\n", result.LastErr)
			}
			fmt.Fprintln(out, "請確認從站位址、鮑率、同位元設定與 RS485 接線")
		}

		recordHistory("test", baseParams(), resultText(task, summary, runErr))
		return runErr
	},
}

// inspectCmd 暫存器解讀
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "列出單一暫存器的各種解讀方式",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		register, _ := flags.GetUint16("register")
		typeName, _ := flags.GetString("type")

		rt, err := ParseRegisterType(typeName)
		if err != nil {
			return err
		}
		slave, err := slaveAddress()
		if err != nil {
			return err
		}
		serialCfg, err := serialConfig()
		if err != nil {
			return err
		}

		var result InspectResult
		session := NewSession(serialCfg, WithLogger(logger))
		task, runErr := runTask(session, "inspect", func(ctx context.Context, t Transport) error {
			var err error
			result, err = Inspect(t, rt, register, slave)
			return err
		})

		out := cmd.OutOrStdout()
		summary := ""
		if runErr == nil {
			fmt.Fprintf(out, "%s 暫存器 %d:\n", rt, register)
			for _, in := range result.Interpretations {
				fmt.Fprintf(out, "  %-26s %s\n", in.Name, in.Value)
			}
			summary = fmt.Sprintf("值: %d", result.Value)
		}

		params := baseParams()
		params["register"] = strconv.Itoa(int(register))
		params["type"] = rt.String()
		recordHistory("inspect", params, resultText(task, summary, runErr))
		return runErr
	},
}

// portsCmd 列出序列埠
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "列出可用的序列埠",
	RunE: func(cmd *cobra.Command, args []string) error {
		check, _ := cmd.Flags().GetBool("check")

		ports, err := ListPorts()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(ports) == 0 {
			fmt.Fprintln(out, "沒有找到序列埠")
			return nil
		}

		fmt.Fprintf(out, "序列埠 (%d 個):\n", len(ports))
		for _, p := range ports {
			status := ""
			if check {
				cfg := appConfig.Serial
				cfg.Port = p.Name
				if err := CheckPort(cfg); err != nil {
					status = "  (無法開啟: " + err.Error() + ")"
				} else {
					status = "  (可用)"
				}
			}
			fmt.Fprintf(out, "  - %s%s\n", p, status)
		}
		return nil
	},
}

// historyCmd 指令歷史
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "指令歷史",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出指令歷史",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withHistory(func(ctx context.Context, store HistoryStore) error {
			records, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "沒有歷史記錄")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(out, "%s  %s  %-8s %s => %s\n", shortID(r.ID), r.Timestamp.Format("2006-01-02 15:04:05"), r.Operation, r.ParametersString(), r.Result)
			}
			return nil
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "清除指令歷史",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("清除歷史需要加上 --yes 確認")
		}
		return withHistory(func(ctx context.Context, store HistoryStore) error {
			if err := store.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "歷史已清除")
			return nil
		})
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "匯出指令歷史為 CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(ctx context.Context, store HistoryStore) error {
			records, err := store.List(ctx, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "沒有歷史可匯出")
				return nil
			}
			exportCSV(out, exportHistory, func(w io.Writer) error { return WriteHistoryCSV(w, records) })
			return nil
		})
	},
}

var historyRepeatCmd = &cobra.Command{
	Use:   "repeat [id]",
	Short: "重新執行歷史中的指令",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var record HistoryRecord
		err := withHistory(func(ctx context.Context, store HistoryStore) error {
			var err error
			record, err = store.Find(ctx, args[0])
			return err
		})
		if err != nil {
			return err
		}

		target, ok := repeatableCommands()[record.Operation]
		if !ok {
			return fmt.Errorf("無法重新執行 %s 指令", record.Operation)
		}

		if err := restoreParameters(record, target, appConfig); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "重新執行 %s (%s)\n", record.Operation, record.ParametersString())
		target.SetOut(cmd.OutOrStdout())
		return target.RunE(target, nil)
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// restoreParameters 將歷史參數還原到 cfg (port、slave) 與目標指令的 flags
//
// 參數名稱即 flag 名稱；找不到對應 flag 的參數視為錯誤。
func restoreParameters(record HistoryRecord, target *cobra.Command, cfg *Config) error {
	keys := make([]string, 0, len(record.Parameters))
	for key := range record.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := record.Parameters[key]
		switch key {
		case "port":
			if value == "" {
				return &ValidationError{Field: "port", Value: value, Reason: "序列埠不可為空"}
			}
			cfg.Serial.Port = value
			continue
		case "slave":
			addr, err := strconv.Atoi(value)
			if err != nil {
				return &ValidationError{Field: "slave", Value: value, Reason: "不是有效的整數"}
			}
			if addr < 0 || addr > MaxSlaveAddress {
				return &ValidationError{Field: "slave", Value: value, Reason: fmt.Sprintf("必須介於 0-%d", MaxSlaveAddress)}
			}
			cfg.Slave.Address = addr
			continue
		}

		flag := target.Flags().Lookup(key)
		if flag == nil {
			return &ValidationError{Field: key, Value: value, Reason: fmt.Sprintf("%s 指令沒有此參數", target.Name())}
		}

		// 多值 flag 以整組取代，避免重複還原時累加
		if sv, ok := flag.Value.(interface{ Replace([]string) error }); ok {
			var items []string
			if value != "" {
				items = strings.Split(value, ",")
			}
			if err := sv.Replace(items); err != nil {
				return fmt.Errorf("還原參數 %s=%s 失敗: %w", key, value, err)
			}
			flag.Changed = true
			continue
		}
		if err := target.Flags().Set(key, value); err != nil {
			return fmt.Errorf("還原參數 %s=%s 失敗: %w", key, value, err)
		}
	}
	return nil
}

func repeatableCommands() map[string]*cobra.Command {
	return map[string]*cobra.Command{
		"scan":    scanCmd,
		"find":    findCmd,
		"monitor": monitorCmd,
		"read":    readCmd,
		"write":   writeCmd,
		"test":    testCmd,
		"inspect": inspectCmd,
	}
}

func withHistory(fn func(ctx context.Context, store HistoryStore) error) error {
	store, err := OpenHistoryStore(appConfig.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, store)
}

// simulateCmd RTU 從站模擬器
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在序列埠上模擬溫度控制器從站",
	Long: `在序列埠上執行 RTU 從站，提供會變化的溫度暫存器，
可搭配虛擬序列埠對 (例如 socat) 測試 scan / find / monitor。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		sim := appConfig.Simulator
		if flags.Changed("sim-port") {
			sim.Port, _ = flags.GetString("sim-port")
		}
		if flags.Changed("scenario") {
			sim.Scenario, _ = flags.GetString("scenario")
		}
		if flags.Changed("register") {
			sim.Register, _ = flags.GetUint16("register")
		}
		if flags.Changed("type") {
			sim.Type, _ = flags.GetString("type")
		}
		if flags.Changed("scale") {
			s, _ := flags.GetString("scale")
			scale, err := ParseScale(s)
			if err != nil {
				return err
			}
			sim.Scale = scale
		}
		if flags.Changed("base") {
			sim.BaseValue, _ = flags.GetFloat64("base")
		}

		serialCfg := appConfig.Serial
		serialCfg.Port = sim.Port
		if err := serialCfg.Validate(); err != nil {
			return err
		}

		slave, err := NewSlave(serialCfg, sim, WithSlaveLogger(logger))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		if err := slave.Start(ctx); err != nil {
			return fmt.Errorf("啟動模擬從站失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "模擬從站運行於 %s (%s 暫存器 %d, 場景 %s)，按 Ctrl+C 停止\n",
			serialCfg.String(), sim.Type, sim.Register, slave.Scenario())
		fmt.Fprintln(cmd.OutOrStdout(), "輸入場景名稱後按 Enter 即可切換 (steady/drift/noise/fault)")

		// 標準輸入關閉時只停止切換，從站繼續運行
		go switchScenarios(cmd.InOrStdin(), slave, cmd.OutOrStdout())

		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		return slave.Stop()
	},
}

// scenarioSwitcher 可在執行中切換場景的模擬器
type scenarioSwitcher interface {
	ApplyScenario(ScenarioType)
}

// switchScenarios 每讀到一行場景名稱就切換，直到 r 結束
func switchScenarios(r io.Reader, sim scenarioSwitcher, out io.Writer) {
	lines := bufio.NewScanner(r)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if line == "" {
			continue
		}
		t, ok := LookupScenarioType(line)
		if !ok {
			fmt.Fprintf(out, "未知的場景 %q\n", line)
			continue
		}
		sim.ApplyScenario(t)
		fmt.Fprintf(out, "已切換為 %s 場景\n", t)
	}
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "配置驗證通過")
		fmt.Fprintf(out, "  Serial: %s (timeout %v)\n", cfg.Serial.String(), cfg.Serial.Timeout)
		fmt.Fprintf(out, "  Slave: %d\n", cfg.Slave.Address)
		fmt.Fprintf(out, "  Scan ranges: %d (%s)\n", len(cfg.Scan.Ranges), cfg.Scan.Type)
		fmt.Fprintf(out, "  History: %s (%s)\n", cfg.History.Backend, cfg.History.Path)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "modbusprobe.json"
		}

		if err := DefaultConfig().SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modbusprobe version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	pf.StringP("port", "p", "", "序列埠 (例如 COM3、/dev/ttyUSB0)")
	pf.IntP("baud", "b", 9600, "鮑率")
	pf.String("parity", "N", "同位元 (N/E/O)")
	pf.Int("stopbits", 1, "停止位元 (1/2)")
	pf.Int("databits", 8, "資料位元 (7/8)")
	pf.Duration("timeout", time.Second, "回應逾時")
	pf.IntP("slave", "s", 1, "從站位址 (0-247)")
	pf.Bool("allow-address-zero", false, "允許從站位址 0")
	pf.String("log-level", "info", "日誌等級 (debug/info/warn/error)")
	pf.Bool("trace-frame", false, "記錄 RTU 封包 (debug)")

	// scan
	scanCmd.Flags().StringP("type", "t", "both", "暫存器類型 (holding/input/both)")
	scanCmd.Flags().StringSliceP("range", "r", nil, "掃描範圍 start:count 或 start-end，可重複")
	scanCmd.Flags().Int("block-size", 20, "每次讀取的最大暫存器數 (0 為整段)")
	scanCmd.Flags().Duration("delay", 200*time.Millisecond, "每次讀取後的等待時間")
	scanCmd.Flags().Bool("signed", false, "將原始值視為有號 16-bit")
	scanCmd.Flags().Bool("export", false, "匯出 CSV")

	// find
	findCmd.Flags().Int("start", 1, "起始從站位址")
	findCmd.Flags().Int("end", MaxSlaveAddress, "結束從站位址")
	findCmd.Flags().StringP("function", "f", "holding", "測試讀取類型 (holding/input/coil/discrete_input)")
	findCmd.Flags().Uint16("register", 0, "測試讀取的暫存器")
	findCmd.Flags().Duration("delay", 10*time.Millisecond, "每次探測之間的等待時間")
	findCmd.Flags().Duration("probe-timeout", 100*time.Millisecond, "每次探測的逾時")
	findCmd.Flags().Bool("export", false, "匯出 CSV")

	// monitor
	monitorCmd.Flags().Uint16P("register", "r", 0, "暫存器位址")
	monitorCmd.Flags().StringP("type", "t", "holding", "暫存器類型 (holding/input)")
	monitorCmd.Flags().String("scale", "0.1", "縮放因子 (1、0.1、0.01 ...)")
	monitorCmd.Flags().DurationP("interval", "i", time.Second, "讀取間隔")
	monitorCmd.Flags().Int("history-size", 100, "保留的取樣數")
	monitorCmd.Flags().Bool("mqtt", false, "發佈取樣到 MQTT")
	monitorCmd.Flags().Bool("export", false, "停止後匯出 CSV")

	// read
	readCmd.Flags().Uint16P("register", "r", 0, "起始位址")
	readCmd.Flags().Uint16P("count", "n", 1, "數量")
	readCmd.Flags().StringP("type", "t", "holding", "類型 (holding/input/coil/discrete_input)")
	readCmd.Flags().String("scale", "1", "縮放因子")
	readCmd.Flags().DurationP("interval", "i", 0, "自動重新讀取的間隔 (0 為只讀一次，Ctrl+C 停止)")

	// write
	writeCmd.Flags().Uint16P("register", "r", 0, "位址")
	writeCmd.Flags().StringP("type", "t", "holding", "類型 (holding/coil)")
	writeCmd.Flags().StringP("value", "v", "", "寫入值 (含小數點時除以縮放因子)")
	writeCmd.Flags().String("scale", "1", "縮放因子")
	_ = writeCmd.MarkFlagRequired("value")

	// inspect
	inspectCmd.Flags().Uint16P("register", "r", 0, "位址")
	inspectCmd.Flags().StringP("type", "t", "holding", "類型 (holding/input)")

	// ports
	portsCmd.Flags().Bool("check", false, "嘗試開啟每個序列埠")

	// history
	historyListCmd.Flags().IntP("limit", "n", 50, "最多顯示筆數 (0 為全部)")
	historyClearCmd.Flags().Bool("yes", false, "確認清除")

	// simulate
	simulateCmd.Flags().String("sim-port", "", "模擬器使用的序列埠")
	simulateCmd.Flags().String("scenario", "drift", "場景 (steady/drift/noise/fault)")
	simulateCmd.Flags().Uint16P("register", "r", 0, "溫度暫存器位址")
	simulateCmd.Flags().StringP("type", "t", "holding", "溫度暫存器類型 (holding/input)")
	simulateCmd.Flags().String("scale", "0.1", "縮放因子")
	simulateCmd.Flags().Float64("base", 23.5, "基準溫度")

	// config
	configGenerateCmd.Flags().StringP("output", "o", "modbusprobe.json", "輸出檔案路徑")

	// 組裝命令樹
	historyCmd.AddCommand(historyListCmd, historyClearCmd, historyExportCmd, historyRepeatCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		scanCmd,
		findCmd,
		monitorCmd,
		readCmd,
		writeCmd,
		testCmd,
		inspectCmd,
		portsCmd,
		historyCmd,
		simulateCmd,
		configCmd,
		versionCmd,
	)
}

// initLogger 依配置建立 zap logger
func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("無效的日誌等級 %q: %w", cfg.Level, err)
	}
	if cfg.TraceFrame {
		level.SetLevel(zap.DebugLevel)
	}
	zcfg.Level = level

	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stderr"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.DisableStacktrace = true

	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
