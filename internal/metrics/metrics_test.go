package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncDropped(t *testing.T) {
	before := testutil.ToFloat64(MAPIDroppedTotal.WithLabelValues("missing_app"))
	IncDropped("missing_app")
	assert.Equal(t, before+1, testutil.ToFloat64(MAPIDroppedTotal.WithLabelValues("missing_app")))

	beforeUnknown := testutil.ToFloat64(MAPIDroppedTotal.WithLabelValues("unknown"))
	IncDropped("")
	assert.Equal(t, beforeUnknown+1, testutil.ToFloat64(MAPIDroppedTotal.WithLabelValues("unknown")))
}

func TestSetBusConnected(t *testing.T) {
	SetBusConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(BusConnected))
	SetBusConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(BusConnected))
}

func TestSetPeerState(t *testing.T) {
	SetPeerState("avsim-cam", -1)
	assert.Equal(t, -1.0, testutil.ToFloat64(PeerActive.WithLabelValues("avsim-cam")))
	SetPeerState("avsim-cam", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(PeerActive.WithLabelValues("avsim-cam")))
}
