package main

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done    bool
	err     error
	channel chan struct{}
}

func newFakeToken(done bool, err error) *fakeToken {
	ch := make(chan struct{})
	if done {
		close(ch)
	}
	return &fakeToken{done: done, err: err, channel: ch}
}

func (t *fakeToken) Wait() bool { return t.done }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.done }
func (t *fakeToken) Done() <-chan struct{} { return t.channel }
func (t *fakeToken) Error() error { return t.err }

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeMQTTClient struct {
	token        *fakeToken
	published    []publishedMessage
	open         bool
	disconnected bool
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, publishedMessage{topic, qos, retained, payload.([]byte)})
	return c.token
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.open }

func (c *fakeMQTTClient) Disconnect(uint) { c.disconnected = true }

func TestMQTTPublisher_PublishSample(t *testing.T) {
	client := &fakeMQTTClient{token: newFakeToken(true, nil), open: true}
	cfg := MQTTConfig{Topic: "plant/oven1", QoS: 1, Retain: true}
	source := MonitorParams{Slave: 3, Register: 40, Type: RegisterTypeInput, Scale: 0.1}

	p := newMQTTPublisher(client, cfg, "/dev/ttyUSB0", source, nil)

	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	require.NoError(t, p.PublishSample(MonitorSample{Timestamp: ts, Raw: 235, Scaled: 23.5, Formatted: "23.5"}))

	require.Len(t, client.published, 1)
	msg := client.published[0]
	assert.Equal(t, "plant/oven1", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var payload samplePayload
	require.NoError(t, json.Unmarshal(msg.payload, &payload))
	assert.Equal(t, "/dev/ttyUSB0", payload.Port)
	assert.Equal(t, uint8(3), payload.Slave)
	assert.Equal(t, uint16(40), payload.Register)
	assert.Equal(t, "input", payload.Type)
	assert.Equal(t, uint16(235), payload.Raw)
	assert.Equal(t, "23.5", payload.Formatted)
	assert.True(t, ts.Equal(payload.Timestamp))

	p.Close()
	assert.True(t, client.disconnected)
}

func TestMQTTPublisher_Errors(t *testing.T) {
	client := &fakeMQTTClient{token: newFakeToken(false, nil)}
	p := newMQTTPublisher(client, MQTTConfig{Topic: "t"}, "COM3", MonitorParams{}, nil)
	assert.ErrorContains(t, p.PublishSample(MonitorSample{}), "逾時")

	refused := errors.New("not authorized")
	client.token = newFakeToken(true, refused)
	assert.ErrorIs(t, p.PublishSample(MonitorSample{}), refused)

	// 連線已關閉時不呼叫 Disconnect
	p.Close()
	assert.False(t, client.disconnected)
}
