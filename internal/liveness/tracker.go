// Package liveness tracks which peers report themselves active and
// publishes this peer's own liveness.
package liveness

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/mapi"
	"github.com/e7canasta/flame-avsim/internal/metrics"
)

// State is a peer's last known liveness.
type State int

const (
	Unknown State = iota
	Active
	Inactive
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Inactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

func (s State) gauge() float64 {
	switch s {
	case Active:
		return 1
	case Inactive:
		return 0
	default:
		return -1
	}
}

// Publisher is the part of bus.Client the tracker needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Tracker holds the liveness record. Notifications for the same peer are
// applied in arrival order: the last one wins, even if it was sent earlier.
type Tracker struct {
	self   mapi.PeerID
	pub    Publisher
	logger zerolog.Logger

	mu       sync.RWMutex
	peers    map[mapi.PeerID]State
	onChange func(peer mapi.PeerID, state State)
}

// NewTracker creates a tracker with every known peer in Unknown.
func NewTracker(self mapi.PeerID, pub Publisher, known ...mapi.PeerID) *Tracker {
	t := &Tracker{
		self:   self,
		pub:    pub,
		logger: log.WithComponent("liveness"),
		peers:  make(map[mapi.PeerID]State, len(known)),
	}
	for _, p := range known {
		t.peers[p] = Unknown
		metrics.SetPeerState(string(p), Unknown.gauge())
	}
	return t
}

// OnChange registers a callback invoked after every applied notification.
func (t *Tracker) OnChange(fn func(peer mapi.PeerID, state State)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// RequestActive asks every peer to announce its liveness.
func (t *Tracker) RequestActive() {
	t.publish(mapi.TopicRequestActive, nil)
}

// NotifyActive announces this peer's own liveness.
func (t *Tracker) NotifyActive(active bool) {
	t.publish(mapi.TopicNotifyActive, map[string]any{"active": active})
}

// Register announces this peer to the manager.
func (t *Tracker) Register(active bool) {
	t.publish(mapi.TopicManager, map[string]any{"active": active})
}

func (t *Tracker) publish(topic mapi.Topic, fields map[string]any) {
	payload, err := mapi.Marshal(t.self, fields)
	if err != nil {
		t.logger.Error().Err(err).Str(log.FieldTopic, string(topic)).Msg("cannot encode liveness message")
		return
	}

	if err := t.pub.Publish(string(topic), payload); err != nil {
		if errors.Is(err, bus.ErrNotConnected) {
			t.logger.Warn().Str(log.FieldTopic, string(topic)).Msg("bus disconnected, liveness message skipped")
			return
		}
		t.logger.Error().Err(err).Str(log.FieldTopic, string(topic)).Msg("liveness publish failed")
	}
}

// HandleNotify applies a liveness notification. Envelopes without a
// boolean "active" are logged and ignored.
func (t *Tracker) HandleNotify(env mapi.Envelope) {
	active, ok := env.Bool("active")
	if !ok {
		t.logger.Warn().Str(log.FieldPeer, string(env.App)).Msg("liveness notification without active flag")
		return
	}

	state := Inactive
	if active {
		state = Active
	}

	t.mu.Lock()
	old, known := t.peers[env.App]
	t.peers[env.App] = state
	fn := t.onChange
	t.mu.Unlock()

	metrics.SetPeerState(string(env.App), state.gauge())
	if !known || old != state {
		t.logger.Info().
			Str(log.FieldPeer, string(env.App)).
			Str(log.FieldOldState, old.String()).
			Str(log.FieldNewState, state.String()).
			Msg("peer liveness changed")
	}

	if fn != nil {
		fn(env.App, state)
	}
}

// State returns the recorded state of peer (Unknown if never seen).
func (t *Tracker) State(peer mapi.PeerID) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[peer]
}

// PeerState is one row of a Snapshot.
type PeerState struct {
	Peer  mapi.PeerID `json:"peer"`
	State string      `json:"state"`
}

// Snapshot returns every tracked peer sorted by name.
func (t *Tracker) Snapshot() []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerState, 0, len(t.peers))
	for p, s := range t.peers {
		out = append(out, PeerState{Peer: p, State: s.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
