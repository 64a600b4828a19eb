package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/config"
	"github.com/e7canasta/flame-avsim/internal/health"
)

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags("avsim-cam", "config/avsim-cam.yaml", nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, Flags{Config: "config/avsim-cam.yaml"}, f)

	f, err = ParseFlags("avsim-cam", "config/avsim-cam.yaml",
		[]string{"-config", "x.yaml", "-broker", "10.0.0.2:1883", "-debug", "-loopback", "-health-addr", ":9090"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, Flags{Config: "x.yaml", Broker: "10.0.0.2:1883", HealthAddr: ":9090", Debug: true, Loopback: true}, f)

	_, err = ParseFlags("avsim-cam", "", []string{"-nope"}, io.Discard)
	assert.Error(t, err)
}

func TestLoadConfig_AppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app: avsim-cam\nlog_level: warn\n"), 0o644))

	cfg, err := LoadConfig(Flags{Config: path})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1883", cfg.MQTT.Broker)
	assert.Equal(t, "warn", cfg.LogLevel)

	cfg, err = LoadConfig(Flags{Config: path, Broker: "broker:1883", HealthAddr: ":8081", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, "broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, ":8081", cfg.HealthAddr)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = LoadConfig(Flags{Config: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMainExit_ConfigError(t *testing.T) {
	code := Main("avsim-neon", filepath.Join(t.TempDir(), "missing.yaml"), nil, BuildNeon)
	assert.Equal(t, 1, code)
}

func TestRun_FirstFailureCancelsTheRest(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})

	err := Run(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
		func(context.Context) error { return boom },
	)
	assert.ErrorIs(t, err, boom)
	select {
	case <-stopped:
	default:
		t.Fatal("sibling component still running")
	}
}

func TestNewBusClient_LoopbackUsesHub(t *testing.T) {
	cfg := &config.Config{App: "avsim-cam"}
	hub := bus.NewHub()
	_, ok := NewBusClient(cfg, hub).(*bus.Loopback)
	assert.True(t, ok)

	_, ok = NewBusClient(cfg, nil).(*bus.MQTTClient)
	assert.True(t, ok)
}

// TestBuildManager_LoopbackRunsScenarioEndToEnd drives the demo process
// through its HTTP surface: the scenario starts and stops a recording on
// the in-process camera peer.
func TestBuildManager_LoopbackRunsScenarioEndToEnd(t *testing.T) {
	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "scenario.json")
	require.NoError(t, os.WriteFile(scenarioPath, []byte(`{"scenario":[
		{"time":0,"event":[{"mapi":"flame/avsim/cam/mapi_record_start","message":"{'app':'avsim-manager'}"}]},
		{"time":0.3,"event":[{"mapi":"flame/avsim/cam/mapi_record_stop","message":"{'app':'avsim-manager'}"}]}
	]}`), 0o644))

	yaml := strings.Join([]string{
		"app: avsim-manager",
		"camera:",
		"  device_ids: [0]",
		"  width: 8",
		"  height: 4",
		"  fps: 50",
		"  data_dir: " + filepath.Join(dir, "data"),
		"  still_dir: " + filepath.Join(dir, "stills"),
		"manager:",
		"  peers: [avsim-cam, avsim-neon]",
		"  tick_interval_ms: 50",
		"  scenario_file: " + scenarioPath,
	}, "\n")
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	p, err := BuildManager(cfg, bus.NewHub())
	require.NoError(t, err)
	require.Len(t, p.Components, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, p.Components...) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("demo process did not stop")
		}
	}()

	srv := health.New(p.Health).Handler()
	status := func() map[string]any {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return nil
		}
		detail, _ := body["detail"].(map[string]any)
		return detail
	}

	require.Eventually(t, func() bool {
		d := status()
		return d != nil && d["events"] == float64(2)
	}, 2*time.Second, 10*time.Millisecond)

	// The camera peer answers the connect-time liveness request.
	require.Eventually(t, func() bool {
		peers, _ := status()["peers"].([]any)
		for _, peer := range peers {
			p, _ := peer.(map[string]any)
			if p["peer"] == "avsim-cam" && p["state"] == "ACTIVE" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scenario/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "data", "*", "cam_0.frames"))
		return len(matches) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return status()["state"] == "STOPPED"
	}, 3*time.Second, 10*time.Millisecond)
}
