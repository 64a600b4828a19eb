package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"flame/avsim/manager", "flame/avsim/manager", true},
		{"flame/avsim/manager", "flame/avsim/cam", false},
		{"flame/avsim/+/mapi_record_start", "flame/avsim/cam/mapi_record_start", true},
		{"flame/avsim/+/mapi_record_start", "flame/avsim/mapi_record_start", false},
		{"flame/avsim/#", "flame/avsim/neon/mapi_record_stop", true},
		{"flame/avsim/#", "flame/other", false},
		{"flame/avsim/cam", "flame/avsim/cam/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"->"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, tt.topic))
		})
	}
}

func TestLoopback_PublishRequiresConnection(t *testing.T) {
	c := NewHub().Client()
	err := c.Publish("flame/avsim/manager", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.IsConnected())
}

func TestLoopback_DeliversToSubscribersIncludingEcho(t *testing.T) {
	hub := NewHub()
	a, b := hub.Client(), hub.Client()

	var gotA, gotB []string
	a.OnMessage(func(topic string, _ []byte) { gotA = append(gotA, topic) })
	b.OnMessage(func(topic string, _ []byte) { gotB = append(gotB, topic) })
	a.Subscribe("flame/avsim/mapi_notify_active")
	b.Subscribe("flame/avsim/mapi_notify_active")
	b.Subscribe("flame/avsim/mapi_notify_active")

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, a.Publish("flame/avsim/mapi_notify_active", []byte(`{"app":"a","active":true}`)))
	require.NoError(t, a.Publish("flame/avsim/cam/mapi_record_start", []byte(`{"app":"a"}`)))

	assert.Equal(t, []string{"flame/avsim/mapi_notify_active"}, gotA)
	assert.Equal(t, []string{"flame/avsim/mapi_notify_active"}, gotB)
	assert.Len(t, a.Sent(), 2)
}

func TestLoopback_ConnectCallbacks(t *testing.T) {
	c := NewHub().Client()
	connects, losses := 0, 0
	c.OnConnect(func() { connects++ })
	c.OnConnectionLost(func(error) { losses++ })

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, losses)
}

func TestMQTTClient_PublishWhileDisconnected(t *testing.T) {
	c := NewMQTTClient(MQTTOptions{Broker: "127.0.0.1:1", ClientID: "avsim-test"})
	c.Subscribe("flame/avsim/manager")
	c.Subscribe("flame/avsim/manager")

	err := c.Publish("flame/avsim/manager", []byte(`{"app":"avsim-test"}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.IsConnected())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.PublishErrors)
	assert.Empty(t, stats.Published)
	assert.Equal(t, []string{"flame/avsim/manager"}, c.topics)

	c.Disconnect()
}

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                 { return t.err }

func (doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// stalledBroker holds every publish until release is closed.
type stalledBroker struct {
	mqtt.Client
	release chan struct{}
}

func (b *stalledBroker) Publish(string, byte, bool, interface{}) mqtt.Token {
	<-b.release
	return doneToken{}
}

func (b *stalledBroker) IsConnectionOpen() bool { return false }

func TestMQTTClient_PublishNeverWaitsForBroker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const topic = "flame/avsim/cam/mapi_record_start"
	broker := &stalledBroker{release: make(chan struct{})}
	c := NewMQTTClient(MQTTOptions{Broker: "127.0.0.1:1", ClientID: "avsim-test"})
	c.client = broker
	c.connected = true
	c.startSender(context.Background())

	const total = publishQueueSize + 10
	start := time.Now()
	full := 0
	for i := 0; i < total; i++ {
		err := c.Publish(topic, []byte(`{"app":"avsim-test"}`))
		switch {
		case err == nil:
		case errors.Is(err, ErrPublishQueueFull):
			full++
		default:
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	assert.Less(t, time.Since(start), publishTimeout)
	// The sender holds at most one message while the broker is stalled.
	assert.GreaterOrEqual(t, full, 9)

	close(broker.release)
	require.Eventually(t, func() bool {
		return c.Stats().Published[topic] == uint64(total-full)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(full), c.Stats().PublishErrors)

	c.Disconnect()
}
