// Package peer implements the device-side applications of the rig: the
// in-cabin camera recorder and the eye-tracker controller. Both answer
// liveness requests, register with the manager on every connect and obey
// the MAPI commands addressed to them.
package peer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/eventloop"
	"github.com/e7canasta/flame-avsim/internal/liveness"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/mapi"
)

// node is the bus-facing half shared by every peer.
type node struct {
	self       mapi.PeerID
	bus        bus.Client
	loop       *eventloop.Loop
	dispatcher *mapi.Dispatcher
	tracker    *liveness.Tracker
	logger     zerolog.Logger
}

func newNode(self mapi.PeerID, client bus.Client, queueSize int, component string) *node {
	n := &node{
		self:       self,
		bus:        client,
		loop:       eventloop.New(queueSize),
		dispatcher: mapi.NewDispatcher(self),
		tracker:    liveness.NewTracker(self, client),
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, component).Str(log.FieldPeer, string(self))
		}),
	}
	n.dispatcher.Register(mapi.TopicRequestActive, func(mapi.Envelope) {
		n.tracker.NotifyActive(true)
	})
	n.dispatcher.Register(mapi.TopicNotifyActive, n.tracker.HandleNotify)
	return n
}

// run subscribes every registered topic, connects and processes events
// until ctx is cancelled.
func (n *node) run(ctx context.Context) error {
	for _, topic := range n.dispatcher.Topics() {
		n.bus.Subscribe(string(topic))
	}
	n.bus.OnMessage(func(topic string, payload []byte) {
		n.loop.Post(func() { n.dispatcher.Dispatch(topic, payload) })
	})
	n.bus.OnConnect(func() {
		n.loop.Post(func() {
			n.tracker.Register(true)
			n.tracker.NotifyActive(true)
		})
	})
	n.bus.OnConnectionLost(func(err error) {
		n.logger.Warn().Err(err).Msg("bus connection lost")
	})

	if err := n.bus.Connect(ctx); err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	n.loop.Run(ctx)

	if n.bus.IsConnected() {
		n.tracker.NotifyActive(false)
	}
	n.bus.Disconnect()
	return nil
}

// call runs fn on the event loop and waits for it.
func (n *node) call(ctx context.Context, fn func()) error {
	return n.loop.Call(ctx, fn)
}

// Tracker exposes the liveness table of the peer.
func (n *node) Tracker() *liveness.Tracker { return n.tracker }

// Connected reports whether the bus client holds a broker connection.
func (n *node) Connected() bool { return n.bus.IsConnected() }
