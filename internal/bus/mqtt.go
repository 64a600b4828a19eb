package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/metrics"
)

const (
	qosAtMostOnce    = 0
	publishTimeout   = 2 * time.Second
	publishQueueSize = 256
	disconnectQuiet  = 250 // ms
)

type outbound struct {
	topic   string
	payload []byte
}

// MQTTOptions configures an MQTTClient.
type MQTTOptions struct {
	Broker    string        // host:port
	ClientID  string        // usually the peer identity
	Keepalive time.Duration // defaults to 60s
}

// MQTTClient is the paho-backed Client.
//
// Publish only enqueues; a sender goroutine hands messages to paho and
// records failures, so callers on an event loop never wait on the broker.
type MQTTClient struct {
	opts   MQTTOptions
	client mqtt.Client
	logger zerolog.Logger

	outq     chan outbound
	stop     chan struct{}
	stopOnce sync.Once
	sender   sync.WaitGroup

	mu          sync.RWMutex
	connected   bool
	topics      []string
	onMessage   MessageHandler
	onConnect   func()
	onConnLost  func(error)
	published   map[string]uint64
	publishErrs uint64
}

// NewMQTTClient creates an unconnected client.
func NewMQTTClient(opts MQTTOptions) *MQTTClient {
	if opts.Keepalive <= 0 {
		opts.Keepalive = 60 * time.Second
	}
	return &MQTTClient{
		opts:      opts,
		outq:      make(chan outbound, publishQueueSize),
		stop:      make(chan struct{}),
		published: make(map[string]uint64),
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "bus").Str(log.FieldBroker, opts.Broker)
		}),
	}
}

// Connect builds the paho client and starts connecting asynchronously.
// Failures are retried by paho every 2s; OnConnect fires once connected.
func (c *MQTTClient) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", c.opts.Broker))
	opts.SetClientID(c.opts.ClientID)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(c.opts.Keepalive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWriteTimeout(publishTimeout)

	opts.OnConnect = func(client mqtt.Client) {
		c.mu.Lock()
		c.connected = true
		topics := append([]string(nil), c.topics...)
		c.mu.Unlock()
		metrics.SetBusConnected(true)

		c.logger.Info().Str("client_id", c.opts.ClientID).Msg("mqtt connection established")

		for _, topic := range topics {
			c.subscribe(client, topic)
		}

		c.mu.RLock()
		fn := c.onConnect
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		fn := c.onConnLost
		c.mu.Unlock()
		metrics.SetBusConnected(false)

		c.logger.Warn().Err(err).Str("max_retry_interval", "30s").Msg("mqtt connection lost, will auto-reconnect")
		if fn != nil {
			fn(err)
		}
	}

	c.mu.Lock()
	c.client = mqtt.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	c.startSender(ctx)
	c.logger.Info().Msg("connecting to mqtt broker")

	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				c.logger.Error().Err(err).Msg("mqtt connection failed")
			}
		case <-ctx.Done():
		}
	}()

	return nil
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string) {
	token := client.Subscribe(topic, qosAtMostOnce, func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.RLock()
		h := c.onMessage
		c.mu.RUnlock()
		if h != nil {
			h(msg.Topic(), msg.Payload())
		}
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.logger.Warn().Str(log.FieldTopic, topic).Msg("mqtt subscription timeout")
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Error().Err(err).Str(log.FieldTopic, topic).Msg("mqtt subscription failed")
			return
		}
		c.logger.Debug().Str(log.FieldTopic, topic).Msg("subscribed")
	}()
}

// Subscribe records topic and subscribes immediately when connected.
func (c *MQTTClient) Subscribe(topic string) {
	c.mu.Lock()
	for _, t := range c.topics {
		if t == topic {
			c.mu.Unlock()
			return
		}
	}
	c.topics = append(c.topics, topic)
	client, connected := c.client, c.connected
	c.mu.Unlock()

	if connected && client != nil {
		c.subscribe(client, topic)
	}
}

// Publish queues payload for sending with QoS 0, not retained. It never
// blocks: a disconnected client or a full queue is reported immediately.
// Broker-side failures are counted and logged by the sender.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client, connected := c.client, c.connected
	c.mu.RUnlock()

	if !connected || client == nil {
		c.countError(topic)
		return ErrNotConnected
	}

	select {
	case c.outq <- outbound{topic: topic, payload: payload}:
		return nil
	default:
		c.countError(topic)
		return ErrPublishQueueFull
	}
}

// startSender launches the goroutine draining the publish queue. It exits
// when ctx is cancelled or on Disconnect.
func (c *MQTTClient) startSender(ctx context.Context) {
	c.sender.Add(1)
	go func() {
		defer c.sender.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case msg := <-c.outq:
				c.send(msg)
			}
		}
	}()
}

func (c *MQTTClient) send(msg outbound) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	token := client.Publish(msg.topic, qosAtMostOnce, false, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		c.countError(msg.topic)
		c.logger.Warn().Str(log.FieldTopic, msg.topic).Msg("mqtt publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		c.countError(msg.topic)
		c.logger.Error().Err(err).Str(log.FieldTopic, msg.topic).Msg("mqtt publish failed")
		return
	}

	c.mu.Lock()
	c.published[msg.topic]++
	c.mu.Unlock()

	c.logger.Debug().Str(log.FieldTopic, msg.topic).Int("size", len(msg.payload)).Msg("published")
}

func (c *MQTTClient) countError(topic string) {
	c.mu.Lock()
	c.publishErrs++
	c.mu.Unlock()
	metrics.BusPublishErrorsTotal.WithLabelValues(topic).Inc()
}

func (c *MQTTClient) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

func (c *MQTTClient) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

func (c *MQTTClient) OnConnectionLost(fn func(err error)) {
	c.mu.Lock()
	c.onConnLost = fn
	c.mu.Unlock()
}

func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Disconnect stops the sender, dropping queued messages, and closes the
// connection with a short quiesce period.
func (c *MQTTClient) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.connected = false
	c.mu.Unlock()
	metrics.SetBusConnected(false)

	c.stopOnce.Do(func() { close(c.stop) })
	c.sender.Wait()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(disconnectQuiet)
		c.logger.Info().Msg("mqtt disconnected")
	}
}

// Stats is a point-in-time view of the client counters.
type Stats struct {
	Connected     bool              `json:"connected"`
	Published     map[string]uint64 `json:"published"`
	PublishErrors uint64            `json:"publish_errors"`
}

func (c *MQTTClient) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	return Stats{
		Connected:     c.connected,
		Published:     published,
		PublishErrors: c.publishErrs,
	}
}
