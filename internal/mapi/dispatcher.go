// Package mapi implements the MAPI command protocol shared by every peer:
// topic constants, envelope codec and the inbound dispatcher.
package mapi

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/metrics"
)

// Handler processes one decoded command.
type Handler func(env Envelope)

// Outcome reports what Dispatch did with a message.
type Outcome int

const (
	Handled Outcome = iota
	DroppedDecode
	DroppedMissingApp
	DroppedSelf
	DroppedUnknownTopic
	HandlerPanicked
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case DroppedDecode:
		return "decode"
	case DroppedMissingApp:
		return "missing_app"
	case DroppedSelf:
		return "self"
	case DroppedUnknownTopic:
		return "unknown_topic"
	case HandlerPanicked:
		return "panic"
	default:
		return "unknown"
	}
}

// Dispatcher routes inbound (topic, payload) pairs to registered handlers.
// The table is built at startup; Register after the first Dispatch is
// allowed but not expected.
type Dispatcher struct {
	self   PeerID
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[Topic]Handler
}

// NewDispatcher creates a dispatcher for the peer named self.
func NewDispatcher(self PeerID) *Dispatcher {
	return &Dispatcher{
		self: self,
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "mapi").Str(log.FieldPeer, string(self))
		}),
		handlers: make(map[Topic]Handler),
	}
}

// Self returns the identity used for self-filtering.
func (d *Dispatcher) Self() PeerID { return d.self }

// Register binds h to topic, replacing any previous handler.
func (d *Dispatcher) Register(topic Topic, h Handler) {
	d.mu.Lock()
	d.handlers[topic] = h
	d.mu.Unlock()
}

// Topics returns the registered topics in sorted order, for subscription.
func (d *Dispatcher) Topics() []Topic {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]Topic, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// Dispatch validates raw and invokes the handler for topic. Protocol
// errors are logged and dropped; Dispatch never panics.
func (d *Dispatcher) Dispatch(topic string, raw []byte) (out Outcome) {
	env, err := Decode(raw)
	switch {
	case errors.Is(err, ErrMissingApp):
		d.logger.Warn().Str(log.FieldTopic, topic).Msg("message without app, dropping")
		return d.drop(DroppedMissingApp)
	case err != nil:
		d.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("cannot decode message, dropping")
		return d.drop(DroppedDecode)
	}

	// A peer receives its own broadcasts; they are never acted upon, and
	// never logged as unknown.
	if env.App == d.self {
		return d.drop(DroppedSelf)
	}

	d.mu.RLock()
	h, ok := d.handlers[Topic(topic)]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn().Str(log.FieldTopic, topic).Str("from", string(env.App)).Msg("unknown command")
		return d.drop(DroppedUnknownTopic)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str(log.FieldTopic, topic).Msg("command handler panicked")
			out = d.drop(HandlerPanicked)
		}
	}()

	d.logger.Debug().Str(log.FieldTopic, topic).Str("from", string(env.App)).Msg("dispatching command")
	h(env)
	metrics.MAPIDispatchedTotal.WithLabelValues(topic).Inc()
	return Handled
}

func (d *Dispatcher) drop(o Outcome) Outcome {
	metrics.IncDropped(o.String())
	return o
}
