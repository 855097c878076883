package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Serial    SerialConfig    `json:"serial" mapstructure:"serial"`
	Slave     SlaveConfig     `json:"slave" mapstructure:"slave"`
	Scan      ScanConfig      `json:"scan" mapstructure:"scan"`
	Discovery DiscoveryConfig `json:"discovery" mapstructure:"discovery"`
	Monitor   MonitorConfig   `json:"monitor" mapstructure:"monitor"`
	History   HistoryConfig   `json:"history" mapstructure:"history"`
	Export    ExportConfig    `json:"export" mapstructure:"export"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	MQTT      MQTTConfig      `json:"mqtt" mapstructure:"mqtt"`
	Simulator SimulatorConfig `json:"simulator" mapstructure:"simulator"`
}

// SerialConfig 序列埠配置 (所有作業共用)
type SerialConfig struct {
	Port     string        `json:"port" mapstructure:"port"`
	BaudRate int           `json:"baud_rate" mapstructure:"baud_rate"`
	Parity   string        `json:"parity" mapstructure:"parity"`
	StopBits int           `json:"stop_bits" mapstructure:"stop_bits"`
	DataBits int           `json:"data_bits" mapstructure:"data_bits"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// SlaveConfig 從站配置
type SlaveConfig struct {
	Address int `json:"address" mapstructure:"address"`
	// 位址 0 在 RTU 為廣播位址，部分設備卻以 0 作為預設站號
	AllowAddressZero bool `json:"allow_address_zero" mapstructure:"allow_address_zero"`
}

// ScanConfig 暫存器掃描配置
type ScanConfig struct {
	Ranges    []RegisterRange `json:"ranges" mapstructure:"ranges"`
	Type      string          `json:"type" mapstructure:"type"`
	BlockSize int             `json:"block_size" mapstructure:"block_size"`
	Delay     time.Duration   `json:"delay" mapstructure:"delay"`
	Signed    bool            `json:"signed" mapstructure:"signed"`
}

// DiscoveryConfig 從站搜尋配置
type DiscoveryConfig struct {
	Start    int           `json:"start" mapstructure:"start"`
	End      int           `json:"end" mapstructure:"end"`
	Function string        `json:"function" mapstructure:"function"`
	Register uint16        `json:"register" mapstructure:"register"`
	Delay    time.Duration `json:"delay" mapstructure:"delay"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// MonitorConfig 連續監測配置
type MonitorConfig struct {
	Register    uint16        `json:"register" mapstructure:"register"`
	Type        string        `json:"type" mapstructure:"type"`
	Scale       float64       `json:"scale" mapstructure:"scale"`
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
	HistorySize int           `json:"history_size" mapstructure:"history_size"`
}

// HistoryConfig 指令歷史配置
type HistoryConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Backend string `json:"backend" mapstructure:"backend"`
	Path    string `json:"path" mapstructure:"path"`
}

// ExportConfig CSV 匯出配置
type ExportConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
	TraceFrame bool   `json:"trace_frame" mapstructure:"trace_frame"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// MQTTConfig 監測資料發佈配置
type MQTTConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Broker   string `json:"broker" mapstructure:"broker"`
	ClientID string `json:"client_id" mapstructure:"client_id"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Topic    string `json:"topic" mapstructure:"topic"`
	QoS      int    `json:"qos" mapstructure:"qos"`
	Retain   bool   `json:"retain" mapstructure:"retain"`
}

// SimulatorConfig RTU 從站模擬器配置
type SimulatorConfig struct {
	Port           string        `json:"port" mapstructure:"port"`
	Register       uint16        `json:"register" mapstructure:"register"`
	Type           string        `json:"type" mapstructure:"type"`
	Scale          float64       `json:"scale" mapstructure:"scale"`
	BaseValue      float64       `json:"base_value" mapstructure:"base_value"`
	Scenario       string        `json:"scenario" mapstructure:"scenario"`
	UpdateInterval time.Duration `json:"update_interval" mapstructure:"update_interval"`
	Amplitude      float64       `json:"amplitude" mapstructure:"amplitude"`
	Period         time.Duration `json:"period" mapstructure:"period"`
	Noise          float64       `json:"noise" mapstructure:"noise"`
	JitterMin      time.Duration `json:"jitter_min" mapstructure:"jitter_min"`
	JitterMax      time.Duration `json:"jitter_max" mapstructure:"jitter_max"`
	FaultRate      float64       `json:"fault_rate" mapstructure:"fault_rate"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     defaultSerialPort(),
			BaudRate: 9600,
			Parity:   "N",
			StopBits: 1,
			DataBits: 8,
			Timeout:  1 * time.Second,
		},
		Slave: SlaveConfig{
			Address:          1,
			AllowAddressZero: false,
		},
		Scan: ScanConfig{
			Ranges:    DefaultScanRanges(),
			Type:      "both",
			BlockSize: 20,
			Delay:     200 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			Start:    1,
			End:      MaxSlaveAddress,
			Function: "holding",
			Register: 0,
			Delay:    10 * time.Millisecond,
			Timeout:  100 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Register:    0,
			Type:        "holding",
			Scale:       0.1,
			Interval:    1 * time.Second,
			HistorySize: 100,
		},
		History: HistoryConfig{
			Enabled: true,
			Backend: "jsonl",
			Path:    "modbus_history.jsonl",
		},
		Export: ExportConfig{
			Dir: ".",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://127.0.0.1:1883",
			ClientID: "modbusprobe",
			Topic:    "modbusprobe/monitor",
			QoS:      0,
		},
		Simulator: SimulatorConfig{
			Port:           "/dev/ttyUSB1",
			Register:       0,
			Type:           "holding",
			Scale:          0.1,
			BaseValue:      23.5,
			Scenario:       "drift",
			UpdateInterval: 1 * time.Second,
			Amplitude:      2.0,
			Period:         5 * time.Minute,
			Noise:          0.3,
			JitterMin:      50 * time.Millisecond,
			JitterMax:      300 * time.Millisecond,
			FaultRate:      0.1,
		},
	}
}

func defaultSerialPort() string {
	if os.PathSeparator == '\\' {
		return "COM3"
	}
	return "/dev/ttyUSB0"
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("modbusprobe")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.modbusprobe/")
	}

	// 環境變數覆蓋，例如 MODBUSPROBE_SERIAL_PORT
	v.SetEnvPrefix("MODBUSPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// bindEnvKeys 讓 AutomaticEnv 在沒有配置檔時也能覆蓋巢狀鍵
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"serial.port", "serial.baud_rate", "serial.parity", "serial.stop_bits",
		"serial.data_bits", "serial.timeout",
		"slave.address", "slave.allow_address_zero",
		"history.backend", "history.path",
		"logging.level", "logging.format",
		"mqtt.broker", "mqtt.username", "mqtt.password",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := c.Serial.Validate(); err != nil {
		return err
	}

	if err := c.ValidateSlave(c.Slave.Address); err != nil {
		return err
	}

	if _, err := ParseScanSources(c.Scan.Type); err != nil {
		return err
	}
	for _, r := range c.Scan.Ranges {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("掃描範圍 %s: %w", r, err)
		}
	}
	if c.Scan.BlockSize > MaxRegistersPerRead {
		return fmt.Errorf("區塊大小超過上限 (最大 %d)", MaxRegistersPerRead)
	}

	if err := c.ValidateSlave(c.Discovery.Start); err != nil {
		return fmt.Errorf("搜尋起始位址: %w", err)
	}
	if err := c.ValidateSlave(c.Discovery.End); err != nil {
		return fmt.Errorf("搜尋結束位址: %w", err)
	}
	if c.Discovery.Start > c.Discovery.End {
		return fmt.Errorf("搜尋起始位址 %d 大於結束位址 %d", c.Discovery.Start, c.Discovery.End)
	}
	if _, err := ParseRegisterType(c.Discovery.Function); err != nil {
		return err
	}

	rt, err := ParseRegisterType(c.Monitor.Type)
	if err != nil {
		return err
	}
	if rt.IsBit() {
		return fmt.Errorf("監測僅支援 holding 或 input 暫存器")
	}
	if c.Monitor.Scale <= 0 || math.IsNaN(c.Monitor.Scale) {
		return fmt.Errorf("無效的縮放因子: %v", c.Monitor.Scale)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("監測間隔必須大於 0")
	}
	if c.Monitor.HistorySize < 1 {
		return fmt.Errorf("監測歷史數量必須大於 0")
	}

	switch c.History.Backend {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("不支援的歷史儲存方式: %s", c.History.Backend)
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("無效的 MQTT QoS: %d", c.MQTT.QoS)
	}

	if c.Simulator.FaultRate < 0 || c.Simulator.FaultRate > 1 {
		return fmt.Errorf("異常比例必須介於 0-1: %v", c.Simulator.FaultRate)
	}
	if c.Simulator.JitterMax < c.Simulator.JitterMin {
		return fmt.Errorf("jitter_max 不可小於 jitter_min")
	}

	return nil
}

// Validate 驗證序列埠參數
func (s *SerialConfig) Validate() error {
	if s.Port == "" {
		return fmt.Errorf("必須指定序列埠")
	}
	if !slices.Contains(SupportedBaudRates, s.BaudRate) {
		return fmt.Errorf("不支援的鮑率: %d", s.BaudRate)
	}
	parity, err := NormalizeParity(s.Parity)
	if err != nil {
		return err
	}
	s.Parity = parity
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("無效的停止位元: %d", s.StopBits)
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		return fmt.Errorf("無效的資料位元: %d", s.DataBits)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("逾時必須大於 0")
	}
	return nil
}

// String 例如 9600 8N1
func (s SerialConfig) String() string {
	return fmt.Sprintf("%s %d %d%s%d", s.Port, s.BaudRate, s.DataBits, s.Parity, s.StopBits)
}

// ValidateSlave 驗證從站位址
func (c *Config) ValidateSlave(addr int) error {
	if addr < 0 || addr > MaxSlaveAddress {
		return &ValidationError{Field: "slave", Value: fmt.Sprint(addr), Reason: fmt.Sprintf("必須介於 0-%d", MaxSlaveAddress)}
	}
	if addr == 0 && !c.Slave.AllowAddressZero {
		return &ValidationError{Field: "slave", Value: "0", Reason: "位址 0 為廣播位址，需啟用 slave.allow_address_zero"}
	}
	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
