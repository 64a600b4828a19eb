// Package livefeed streams the manager's operator view to websocket
// clients. A new client first receives a snapshot of the current table,
// highlights, peer states and status line, then every change as it
// happens.
package livefeed

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/liveness"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/mapi"
	"github.com/e7canasta/flame-avsim/internal/metrics"
	"github.com/e7canasta/flame-avsim/internal/scenario"
)

const (
	sendBuffer   = 64
	writeTimeout = 2 * time.Second
	readLimit    = 512
)

// Event types.
const (
	TypeSnapshot  = "snapshot"
	TypeStatus    = "status"
	TypeRows      = "rows"
	TypeReset     = "reset"
	TypeHighlight = "highlight"
	TypePeer      = "peer"
	TypeEnded     = "ended"
)

// Row is one scenario table row as sent to clients.
type Row struct {
	Time    float64 `json:"time"`
	MAPI    string  `json:"mapi"`
	Message string  `json:"message"`
}

// Event is one message on the feed.
type Event struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Rows        []Row             `json:"rows,omitempty"`
	Highlighted []int             `json:"highlighted,omitempty"`
	Peer        string            `json:"peer,omitempty"`
	State       string            `json:"state,omitempty"`
	Peers       map[string]string `json:"peers,omitempty"`
	Time        time.Time         `json:"ts"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a presenter that fans the operator view out to websocket
// clients. Presenter calls never block: a client whose buffer is full
// is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	clients     map[*client]struct{}
	closed      bool
	status      string
	rows        []Row
	highlighted map[int]struct{}
	peers       map[string]string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:      log.WithComponent("livefeed"),
		now:         time.Now,
		clients:     make(map[*client]struct{}),
		highlighted: make(map[int]struct{}),
		peers:       make(map[string]string),
	}
}

func (h *Hub) StatusText(text string) {
	h.mu.Lock()
	h.status = text
	h.mu.Unlock()
	h.broadcast(Event{Type: TypeStatus, Text: text})
}

func (h *Hub) SetRows(rows []scenario.Row) {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row{Time: r.Time, MAPI: string(r.Topic), Message: r.Message}
	}

	h.mu.Lock()
	h.rows = out
	h.highlighted = make(map[int]struct{})
	h.mu.Unlock()
	h.broadcast(Event{Type: TypeRows, Rows: out})
}

func (h *Hub) ResetRows() {
	h.mu.Lock()
	h.highlighted = make(map[int]struct{})
	h.mu.Unlock()
	h.broadcast(Event{Type: TypeReset})
}

func (h *Hub) HighlightRow(row int) {
	h.mu.Lock()
	h.highlighted[row] = struct{}{}
	h.mu.Unlock()
	h.broadcast(Event{Type: TypeHighlight, Highlighted: []int{row}})
}

func (h *Hub) MarkPeer(peer mapi.PeerID, state liveness.State) {
	h.mu.Lock()
	h.peers[string(peer)] = state.String()
	h.mu.Unlock()
	h.broadcast(Event{Type: TypePeer, Peer: string(peer), State: state.String()})
}

func (h *Hub) ScenarioEnded() {
	h.broadcast(Event{Type: TypeEnded})
}

// snapshotLocked builds the catch-up event for a new client.
func (h *Hub) snapshotLocked() Event {
	ev := Event{
		Type:  TypeSnapshot,
		Text:  h.status,
		Rows:  append([]Row(nil), h.rows...),
		Peers: make(map[string]string, len(h.peers)),
		Time:  h.now(),
	}
	for p, s := range h.peers {
		ev.Peers[p] = s
	}
	for row := range h.highlighted {
		ev.Highlighted = append(ev.Highlighted, row)
	}
	sort.Ints(ev.Highlighted)
	return ev
}

func (h *Hub) broadcast(ev Event) {
	ev.Time = h.now()
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.Type).Msg("cannot encode feed event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str(log.FieldRemote, c.conn.RemoteAddr().String()).Msg("slow feed client dropped")
			metrics.LivefeedDroppedTotal.Inc()
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	data, err := json.Marshal(h.snapshotLocked())
	if err == nil {
		c.send <- data
	}
	h.clients[c] = struct{}{}
	metrics.LivefeedClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	h.logger.Info().Str(log.FieldRemote, conn.RemoteAddr().String()).Msg("feed client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// writePump drains c.send until the hub closes it.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("feed client read failed")
			}
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.LivefeedClients.Set(float64(len(h.clients)))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
