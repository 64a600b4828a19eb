package eyetracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusBody = `{"message":"Success","result":[
	{"model":"Phone","data":{"battery_level":87,"battery_state":"OK","device_name":"Neon Companion","ip":"10.0.0.7","port":8080,"memory":53687091200,"memory_state":"OK"}},
	{"model":"Hardware","data":{"version":"2.0"}},
	{"model":"Recording","data":{"id":"","action":"STOP"}}
]}`

type fakeCompanion struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
}

func (f *fakeCompanion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	code := f.fail[r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if code != 0 {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"message":"Recording not running"}`))
		return
	}

	switch r.URL.Path {
	case pathStatus:
		_, _ = w.Write([]byte(statusBody))
	case pathRecordStart:
		_, _ = w.Write([]byte(`{"message":"Recording started","result":{"id":"3c5d9a7e"}}`))
	case pathRecordStop:
		_, _ = w.Write([]byte(`{"message":"Recording stopped","result":{}}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCompanion) Fail(path string, code int) {
	f.mu.Lock()
	f.fail[path] = code
	f.mu.Unlock()
}

func (f *fakeCompanion) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newCompanion(t *testing.T) (*fakeCompanion, *Neon) {
	t.Helper()
	fake := &fakeCompanion{fail: map[string]int{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, NewNeon(NeonOptions{Address: strings.TrimPrefix(srv.URL, "http://")})
}

func TestNeon_OpenReadsStatus(t *testing.T) {
	fake, neon := newCompanion(t)
	ctx := context.Background()

	require.NoError(t, neon.Open(ctx))

	st, err := neon.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Neon Companion", st.Name)
	assert.Equal(t, "10.0.0.7:8080", st.Address)
	assert.Equal(t, 87, st.BatteryLevel)
	assert.Equal(t, int64(50), st.FreeGB())
	assert.Empty(t, st.RecordingID)

	assert.Equal(t, []string{"GET /api/status", "GET /api/status"}, fake.Calls())
}

func TestNeon_RecordStartStop(t *testing.T) {
	fake, neon := newCompanion(t)
	ctx := context.Background()
	require.NoError(t, neon.Open(ctx))

	id, err := neon.RecordStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3c5d9a7e", id)

	require.NoError(t, neon.RecordStop(ctx))
	assert.Equal(t, []string{
		"GET /api/status",
		"POST /api/recording:start",
		"POST /api/recording:stop_and_save",
	}, fake.Calls())
}

func TestNeon_DeviceErrorIsReturned(t *testing.T) {
	fake, neon := newCompanion(t)
	ctx := context.Background()
	require.NoError(t, neon.Open(ctx))
	fake.Fail(pathRecordStop, http.StatusBadRequest)

	err := neon.RecordStop(ctx)
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.Contains(t, err.Error(), "Recording not running")
}

func TestNeon_CommandsBeforeOpen(t *testing.T) {
	fake, neon := newCompanion(t)
	ctx := context.Background()

	_, err := neon.RecordStart(ctx)
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.ErrorIs(t, neon.RecordStop(ctx), ErrNoDevice)
	_, err = neon.Status(ctx)
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.Empty(t, fake.Calls())

	assert.NoError(t, neon.Close())
}

func TestNeon_OpenWithoutAddress(t *testing.T) {
	neon := NewNeon(NeonOptions{})
	assert.ErrorIs(t, neon.Open(context.Background()), ErrNoDevice)
}

func TestNeon_OpenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	neon := NewNeon(NeonOptions{Address: url})
	assert.ErrorIs(t, neon.Open(context.Background()), ErrNoDevice)
}

func TestNeon_CloseAfterOpenRefusesCommands(t *testing.T) {
	_, neon := newCompanion(t)
	ctx := context.Background()
	require.NoError(t, neon.Open(ctx))
	require.NoError(t, neon.Close())

	_, err := neon.RecordStart(ctx)
	assert.ErrorIs(t, err, ErrNoDevice)
}
