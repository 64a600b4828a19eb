package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/e7canasta/flame-avsim/internal/types"
)

func TestMailbox_NewestWins(t *testing.T) {
	drops := 0
	m := NewMailbox(func() { drops++ })

	m.Publish(&types.Frame{Seq: 1})
	m.Publish(&types.Frame{Seq: 2})
	m.Publish(&types.Frame{Seq: 3})

	f, ok := m.TryTake()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)
	assert.Equal(t, 2, drops)

	_, ok = m.TryTake()
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.TotalDrops)
	assert.Equal(t, uint64(0), stats.ConsecutiveDrops)
	assert.Equal(t, uint64(3), stats.LastConsumedSeq)
}

func TestMailbox_TakeBlocksUntilPublish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := NewMailbox(nil)
	got := make(chan *types.Frame, 1)
	go func() { got <- m.Take() }()

	select {
	case <-got:
		t.Fatal("Take returned before a frame was published")
	case <-time.After(20 * time.Millisecond):
	}

	m.Publish(&types.Frame{Seq: 9})
	select {
	case f := <-got:
		assert.Equal(t, uint64(9), f.Seq)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestMailbox_CloseWakesTake(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := NewMailbox(nil)
	got := make(chan *types.Frame, 1)
	go func() { got <- m.Take() }()

	m.Close()
	m.Close()
	select {
	case f := <-got:
		assert.Nil(t, f)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Take")
	}

	m.Publish(&types.Frame{Seq: 1})
	_, ok := m.TryTake()
	assert.False(t, ok)
}
