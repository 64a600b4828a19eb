package liveness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/mapi"
)

func envelope(t *testing.T, raw string) mapi.Envelope {
	t.Helper()
	env, err := mapi.Decode([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestTracker_InitialStateUnknown(t *testing.T) {
	tr := NewTracker("avsim-manager", bus.NewHub().Client(), "avsim-cam", "avsim-neon")

	assert.Equal(t, Unknown, tr.State("avsim-cam"))
	assert.Equal(t, []PeerState{
		{Peer: "avsim-cam", State: "UNKNOWN"},
		{Peer: "avsim-neon", State: "UNKNOWN"},
	}, tr.Snapshot())
}

func TestTracker_HandleNotify_LastWriteWins(t *testing.T) {
	tr := NewTracker("avsim-manager", bus.NewHub().Client(), "avsim-cam")

	var changes []State
	tr.OnChange(func(peer mapi.PeerID, s State) {
		assert.Equal(t, mapi.PeerID("avsim-cam"), peer)
		changes = append(changes, s)
	})

	tr.HandleNotify(envelope(t, `{"app":"avsim-cam","active":true}`))
	assert.Equal(t, Active, tr.State("avsim-cam"))

	tr.HandleNotify(envelope(t, `{"app":"avsim-cam","active":false}`))
	tr.HandleNotify(envelope(t, `{"app":"avsim-cam","active":true}`))
	assert.Equal(t, Active, tr.State("avsim-cam"))
	assert.Equal(t, []State{Active, Inactive, Active}, changes)
}

func TestTracker_HandleNotify_IgnoresMissingActive(t *testing.T) {
	tr := NewTracker("avsim-manager", bus.NewHub().Client(), "avsim-cam")
	called := false
	tr.OnChange(func(mapi.PeerID, State) { called = true })

	tr.HandleNotify(envelope(t, `{"app":"avsim-cam"}`))
	tr.HandleNotify(envelope(t, `{"app":"avsim-cam","active":"yes"}`))

	assert.False(t, called)
	assert.Equal(t, Unknown, tr.State("avsim-cam"))
}

func TestTracker_AddsUnknownPeers(t *testing.T) {
	tr := NewTracker("avsim-manager", bus.NewHub().Client())
	tr.HandleNotify(envelope(t, `{"app":"avsim-extra","active":false}`))
	assert.Equal(t, Inactive, tr.State("avsim-extra"))
}

func TestTracker_PublishesLivenessMessages(t *testing.T) {
	client := bus.NewHub().Client()
	require.NoError(t, client.Connect(context.Background()))
	tr := NewTracker("avsim-cam", client)

	tr.RequestActive()
	tr.NotifyActive(true)
	tr.Register(true)

	sent := client.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, string(mapi.TopicRequestActive), sent[0].Topic)
	assert.JSONEq(t, `{"app":"avsim-cam"}`, string(sent[0].Payload))
	assert.Equal(t, string(mapi.TopicNotifyActive), sent[1].Topic)
	assert.JSONEq(t, `{"app":"avsim-cam","active":true}`, string(sent[1].Payload))
	assert.Equal(t, string(mapi.TopicManager), sent[2].Topic)
	assert.JSONEq(t, `{"app":"avsim-cam","active":true}`, string(sent[2].Payload))
}

func TestTracker_DisconnectedPublishIsSkipped(t *testing.T) {
	client := bus.NewHub().Client()
	tr := NewTracker("avsim-cam", client)

	assert.NotPanics(t, func() { tr.NotifyActive(true) })
	assert.Empty(t, client.Sent())
}
