// Package bus wraps the publish/subscribe connection shared by a peer
// process. Publishing is QoS 0 ("at most once"): a message published while
// the client is disconnected is not queued, the caller gets ErrNotConnected.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by Publish while no broker connection exists.
	ErrNotConnected = errors.New("bus not connected")
	// ErrPublishQueueFull is returned by Publish when the outbound queue
	// is saturated; the message is dropped.
	ErrPublishQueueFull = errors.New("bus publish queue full")
)

// MessageHandler receives every inbound message on a subscribed topic.
// It is called from a transport goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Client is the contract every peer uses to talk to the bus.
type Client interface {
	// Connect starts connecting in the background and returns immediately.
	Connect(ctx context.Context) error
	// Subscribe records topic; it is (re)subscribed on every connect.
	Subscribe(topic string)
	Publish(topic string, payload []byte) error
	OnMessage(h MessageHandler)
	// OnConnect is invoked after every successful (re)connect, once the
	// recorded subscriptions are in place.
	OnConnect(fn func())
	OnConnectionLost(fn func(err error))
	IsConnected() bool
	Disconnect()
}

// Match reports whether topic matches an MQTT subscription filter,
// honouring the '+' and '#' wildcards.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
