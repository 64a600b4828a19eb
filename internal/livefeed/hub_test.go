package livefeed

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/e7canasta/flame-avsim/internal/liveness"
	"github.com/e7canasta/flame-avsim/internal/mapi"
	"github.com/e7canasta/flame-avsim/internal/scenario"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func next(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func sampleRows() []scenario.Row {
	return []scenario.Row{
		{Time: 0, Topic: mapi.TopicCamRecordStart, Message: "{}"},
		{Time: 1.5, Topic: mapi.TopicCamCaptureImage, Message: "{'delay': 1}"},
		{Time: 3, Topic: mapi.TopicCamRecordStop, Message: "{}"},
	}
}

func TestHub_NewClientReceivesSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	hub.SetRows(sampleRows())
	hub.HighlightRow(1)
	hub.MarkPeer("avsim-cam", liveness.Active)
	hub.MarkPeer("avsim-neon", liveness.Inactive)
	hub.StatusText("Scenario is running")

	conn := dial(t, srv)
	defer conn.Close()

	ev := next(t, conn)
	assert.Equal(t, TypeSnapshot, ev.Type)
	assert.Equal(t, "Scenario is running", ev.Text)
	require.Len(t, ev.Rows, 3)
	assert.Equal(t, string(mapi.TopicCamCaptureImage), ev.Rows[1].MAPI)
	assert.Equal(t, "{'delay': 1}", ev.Rows[1].Message)
	assert.Equal(t, []int{1}, ev.Highlighted)
	assert.Equal(t, map[string]string{"avsim-cam": "ACTIVE", "avsim-neon": "INACTIVE"}, ev.Peers)
}

func TestHub_BroadcastsChangesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, TypeSnapshot, next(t, conn).Type)

	hub.ResetRows()
	hub.HighlightRow(0)
	hub.MarkPeer("avsim-cam", liveness.Unknown)
	hub.ScenarioEnded()

	ev := next(t, conn)
	assert.Equal(t, TypeReset, ev.Type)

	ev = next(t, conn)
	assert.Equal(t, TypeHighlight, ev.Type)
	assert.Equal(t, []int{0}, ev.Highlighted)

	ev = next(t, conn)
	assert.Equal(t, TypePeer, ev.Type)
	assert.Equal(t, "avsim-cam", ev.Peer)
	assert.Equal(t, "UNKNOWN", ev.State)

	assert.Equal(t, TypeEnded, next(t, conn).Type)
}

func TestHub_SetRowsClearsHighlights(t *testing.T) {
	hub := NewHub()
	hub.HighlightRow(2)
	hub.SetRows(sampleRows())

	hub.mu.Lock()
	snap := hub.snapshotLocked()
	hub.mu.Unlock()
	assert.Empty(t, snap.Highlighted)
	assert.Len(t, snap.Rows, 3)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	next(t, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	next(t, conn)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
