package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/eyetracker"
	"github.com/e7canasta/flame-avsim/internal/mapi"
)

func startNeon(t *testing.T, device eyetracker.Device) (*Neon, *bus.Loopback) {
	t.Helper()
	hub := bus.NewHub()
	remote := hub.Client()
	require.NoError(t, remote.Connect(context.Background()))

	n := NewNeon(NeonOptions{Self: "avsim-neon", Bus: hub.Client(), Device: device})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, n.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		st, err := n.Status(context.Background())
		return err == nil && st.BusConnected
	}, time.Second, 5*time.Millisecond)
	return n, remote
}

func TestNeon_RecordCommandsReachDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := eyetracker.NewMockDevice(ctrl)

	started := make(chan struct{})
	stopped := make(chan struct{})
	device.EXPECT().Open(gomock.Any()).Return(nil)
	device.EXPECT().Status(gomock.Any()).Return(eyetracker.Status{Name: "Neon Companion", BatteryLevel: 80}, nil).AnyTimes()
	device.EXPECT().RecordStart(gomock.Any()).DoAndReturn(func(context.Context) (string, error) {
		close(started)
		return "rec-1", nil
	})
	device.EXPECT().RecordStop(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(stopped)
		return nil
	})
	device.EXPECT().Close().Return(nil)

	n, remote := startNeon(t, device)
	require.True(t, n.Available())

	require.NoError(t, remote.Publish(string(mapi.TopicNeonRecordStart), []byte(`{"app":"avsim-manager"}`)))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("record start never reached the device")
	}
	require.Eventually(t, func() bool {
		st, _ := n.Status(context.Background())
		return st.RecordingID == "rec-1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, remote.Publish(string(mapi.TopicNeonRecordStop), []byte(`{"app":"avsim-manager"}`)))
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("record stop never reached the device")
	}
	require.Eventually(t, func() bool {
		st, _ := n.Status(context.Background())
		return st.RecordingID == ""
	}, time.Second, 5*time.Millisecond)

	st, err := n.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Neon Companion", st.Device.Name)
	assert.Equal(t, 80, st.Device.BatteryLevel)
}

func TestNeon_DeviceErrorKeepsPeerRunning(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := eyetracker.NewMockDevice(ctrl)

	device.EXPECT().Open(gomock.Any()).Return(nil)
	device.EXPECT().Status(gomock.Any()).Return(eyetracker.Status{}, nil).AnyTimes()
	device.EXPECT().RecordStart(gomock.Any()).Return("", &eyetracker.APIError{Op: "recording:start", StatusCode: 400, Message: "already recording"})
	device.EXPECT().Close().Return(nil)

	n, _ := startNeon(t, device)

	_, err := n.RecordStart(context.Background())
	require.Error(t, err)
	assert.True(t, eyetracker.IsAPIError(err))
	assert.True(t, n.Available())
}

func TestNeon_MissingDeviceStillAnswersLiveness(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := eyetracker.NewMockDevice(ctrl)

	device.EXPECT().Open(gomock.Any()).Return(eyetracker.ErrNoDevice)
	device.EXPECT().Close().Return(nil)

	n, remote := startNeon(t, device)
	assert.False(t, n.Available())

	// Commands are refused without touching the device.
	require.NoError(t, remote.Publish(string(mapi.TopicNeonRecordStart), []byte(`{"app":"avsim-manager"}`)))
	_, err := n.RecordStart(context.Background())
	assert.True(t, errors.Is(err, eyetracker.ErrNoDevice))
	assert.ErrorIs(t, n.RecordStop(context.Background()), eyetracker.ErrNoDevice)

	sent := func() int {
		count := 0
		for _, msg := range n.bus.(*bus.Loopback).Sent() {
			if msg.Topic == string(mapi.TopicNotifyActive) && string(msg.Payload) == `{"active":true,"app":"avsim-neon"}` {
				count++
			}
		}
		return count
	}
	require.Eventually(t, func() bool { return sent() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, remote.Publish(string(mapi.TopicRequestActive), []byte(`{"app":"avsim-manager"}`)))
	require.Eventually(t, func() bool { return sent() == 2 }, time.Second, 5*time.Millisecond)
}
