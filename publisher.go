package main

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// mqttAPI paho client 中發佈取樣需要的部分
type mqttAPI interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// samplePayload 發佈到 broker 的 JSON
type samplePayload struct {
	Timestamp time.Time `json:"timestamp"`
	Port      string    `json:"port"`
	Slave     uint8     `json:"slave"`
	Register  uint16    `json:"register"`
	Type      string    `json:"type"`
	Raw       uint16    `json:"raw"`
	Value     float64   `json:"value"`
	Formatted string    `json:"formatted"`
}

// MQTTPublisher 將監測取樣發佈到 MQTT (SampleSink)
type MQTTPublisher struct {
	client  mqttAPI
	cfg     MQTTConfig
	source  MonitorParams
	port    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTPublisher 連線到 broker
func NewMQTTPublisher(cfg MQTTConfig, port string, source MonitorParams, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(5 * time.Second).
		SetPingTimeout(3 * time.Second).
		SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	t := client.Connect()
	if ok := t.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("連線 MQTT broker %s 逾時", cfg.Broker)
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("連線 MQTT broker %s 失敗: %w", cfg.Broker, err)
	}

	logger.Info("已連線 MQTT broker", zap.String("broker", cfg.Broker), zap.String("topic", cfg.Topic))

	return newMQTTPublisher(client, cfg, port, source, logger), nil
}

func newMQTTPublisher(client mqttAPI, cfg MQTTConfig, port string, source MonitorParams, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{
		client:  client,
		cfg:     cfg,
		source:  source,
		port:    port,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// PublishSample 發佈一筆成功的取樣
func (p *MQTTPublisher) PublishSample(s MonitorSample) error {
	payload, err := json.Marshal(samplePayload{
		Timestamp: s.Timestamp,
		Port:      p.port,
		Slave:     p.source.Slave,
		Register:  p.source.Register,
		Type:      p.source.Type.String(),
		Raw:       s.Raw,
		Value:     s.Scaled,
		Formatted: s.Formatted,
	})
	if err != nil {
		return fmt.Errorf("序列化取樣失敗: %w", err)
	}

	t := p.client.Publish(p.cfg.Topic, byte(p.cfg.QoS), p.cfg.Retain, payload)
	if ok := t.WaitTimeout(p.timeout); !ok {
		return fmt.Errorf("發佈到 %s 逾時", p.cfg.Topic)
	}
	return t.Error()
}

// Close 中斷 broker 連線
func (p *MQTTPublisher) Close() {
	if p.client.IsConnectionOpen() {
		p.client.Disconnect(250)
	}
}
