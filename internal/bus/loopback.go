package bus

import (
	"context"
	"sync"
)

// Hub is an in-process broker connecting Loopback clients. It delivers
// synchronously on the publisher's goroutine, including back to the
// publisher itself when it is subscribed, like a real broker echo.
type Hub struct {
	mu      sync.RWMutex
	clients []*Loopback
}

// NewHub creates an empty in-process broker.
func NewHub() *Hub {
	return &Hub{}
}

// Client returns a new Loopback attached to the hub.
func (h *Hub) Client() *Loopback {
	c := &Loopback{hub: h}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	clients := append([]*Loopback(nil), h.clients...)
	h.mu.RUnlock()

	for _, c := range clients {
		c.receive(topic, payload)
	}
}

// Loopback is a Client backed by a Hub. It is used by tests and by the
// single-process demo mode.
type Loopback struct {
	hub *Hub

	mu         sync.RWMutex
	connected  bool
	topics     []string
	onMessage  MessageHandler
	onConnect  func()
	onConnLost func(error)
	sent       []Message
}

// Message is a published (topic, payload) pair recorded by Loopback.
type Message struct {
	Topic   string
	Payload []byte
}

// Connect marks the client connected and fires OnConnect synchronously.
func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.connected = true
	fn := l.onConnect
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (l *Loopback) Subscribe(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.topics {
		if t == topic {
			return
		}
	}
	l.topics = append(l.topics, topic)
}

func (l *Loopback) Publish(topic string, payload []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.sent = append(l.sent, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	l.mu.Unlock()

	if l.hub != nil {
		l.hub.deliver(topic, payload)
	}
	return nil
}

func (l *Loopback) receive(topic string, payload []byte) {
	l.mu.RLock()
	connected, h := l.connected, l.onMessage
	matched := false
	for _, f := range l.topics {
		if Match(f, topic) {
			matched = true
			break
		}
	}
	l.mu.RUnlock()

	if connected && matched && h != nil {
		h(topic, append([]byte(nil), payload...))
	}
}

func (l *Loopback) OnMessage(h MessageHandler) {
	l.mu.Lock()
	l.onMessage = h
	l.mu.Unlock()
}

func (l *Loopback) OnConnect(fn func()) {
	l.mu.Lock()
	l.onConnect = fn
	l.mu.Unlock()
}

func (l *Loopback) OnConnectionLost(fn func(err error)) {
	l.mu.Lock()
	l.onConnLost = fn
	l.mu.Unlock()
}

func (l *Loopback) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Disconnect drops the connection and fires OnConnectionLost.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	was := l.connected
	l.connected = false
	fn := l.onConnLost
	l.mu.Unlock()

	if was && fn != nil {
		fn(ErrNotConnected)
	}
}

// Sent returns a copy of every message published through this client.
func (l *Loopback) Sent() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Message(nil), l.sent...)
}

// Inject delivers a message to this client only, as if it came from the
// broker.
func (l *Loopback) Inject(topic string, payload []byte) {
	l.receive(topic, payload)
}
