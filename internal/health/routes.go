package health

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/e7canasta/flame-avsim/internal/eventloop"
	"github.com/e7canasta/flame-avsim/internal/eyetracker"
	"github.com/e7canasta/flame-avsim/internal/manager"
	"github.com/e7canasta/flame-avsim/internal/scenario"
	"github.com/e7canasta/flame-avsim/internal/types"
)

const maxBody = 64 << 10

// ScenarioControl is the manager's command surface.
type ScenarioControl interface {
	RunScenario(ctx context.Context) error
	StopScenario(ctx context.Context) error
	PauseScenario(ctx context.Context) error
	LoadScenario(ctx context.Context, path string) error
	ReloadScenario(ctx context.Context) error
	SaveScenario(ctx context.Context, path string) error
}

// RecorderControl is the camera peer's command surface.
type RecorderControl interface {
	RecordStart()
	RecordStop()
	CaptureImage(delay time.Duration)
}

// FrameSource returns the latest displayed frame of a device.
type FrameSource interface {
	Latest(device int) (*types.Frame, bool)
}

// EyeTrackerControl is the eye-tracker peer's command surface.
type EyeTrackerControl interface {
	RecordStart(ctx context.Context) (string, error)
	RecordStop(ctx context.Context) error
}

type pathRequest struct {
	Path string `json:"path"`
}

// ManagerRoutes exposes the scenario runner commands. Paths given to load
// and save are names relative to dir; anything outside it is refused.
func ManagerRoutes(c ScenarioControl, dir string) func(chi.Router) {
	simple := func(fn func(context.Context) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := fn(r.Context()); err != nil {
				writeCommandError(w, err)
				return
			}
			writeOK(w, nil)
		}
	}

	return func(r chi.Router) {
		r.Post("/api/scenario/run", simple(c.RunScenario))
		r.Post("/api/scenario/stop", simple(c.StopScenario))
		r.Post("/api/scenario/pause", simple(c.PauseScenario))
		r.Post("/api/scenario/reload", simple(c.ReloadScenario))

		r.Post("/api/scenario/load", func(w http.ResponseWriter, r *http.Request) {
			req, ok := decodePath(w, r)
			if !ok {
				return
			}
			if req.Path == "" {
				writeError(w, http.StatusBadRequest, "invalid_request", "path is required")
				return
			}
			path, err := scenario.ResolvePath(dir, req.Path)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
				return
			}
			if err := c.LoadScenario(r.Context(), path); err != nil {
				writeCommandError(w, err)
				return
			}
			writeOK(w, map[string]any{"path": path})
		})

		r.Post("/api/scenario/save", func(w http.ResponseWriter, r *http.Request) {
			req, ok := decodePath(w, r)
			if !ok {
				return
			}
			// An empty path saves over the file the scenario came from.
			path := ""
			if req.Path != "" {
				var err error
				if path, err = scenario.ResolvePath(dir, req.Path); err != nil {
					writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
					return
				}
			}
			if err := c.SaveScenario(r.Context(), path); err != nil {
				writeCommandError(w, err)
				return
			}
			writeOK(w, nil)
		})
	}
}

// CameraRoutes exposes recording, still capture and the latest frames.
func CameraRoutes(c RecorderControl, frames FrameSource) func(chi.Router) {
	return func(r chi.Router) {
		r.Post("/api/record/start", func(w http.ResponseWriter, r *http.Request) {
			c.RecordStart()
			writeOK(w, nil)
		})
		r.Post("/api/record/stop", func(w http.ResponseWriter, r *http.Request) {
			c.RecordStop()
			writeOK(w, nil)
		})
		r.Post("/api/capture", func(w http.ResponseWriter, r *http.Request) {
			var delay float64
			if raw := r.URL.Query().Get("delay"); raw != "" {
				d, err := strconv.ParseFloat(raw, 64)
				if err != nil || d < 0 {
					writeError(w, http.StatusBadRequest, "invalid_request", "delay must be a non-negative number of seconds")
					return
				}
				delay = d
			}
			c.CaptureImage(time.Duration(delay * float64(time.Second)))
			writeOK(w, map[string]any{"delay": delay})
		})

		if frames == nil {
			return
		}
		r.Get("/api/frames/{device}", func(w http.ResponseWriter, r *http.Request) {
			device, err := strconv.Atoi(chi.URLParam(r, "device"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "device must be an integer")
				return
			}
			f, ok := frames.Latest(device)
			if !ok {
				writeError(w, http.StatusNotFound, "not_found", "no frame for device")
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-store")
			_ = png.Encode(w, f.Image())
		})
	}
}

// NeonRoutes exposes the eye-tracker recording commands.
func NeonRoutes(c EyeTrackerControl) func(chi.Router) {
	return func(r chi.Router) {
		r.Post("/api/record/start", func(w http.ResponseWriter, r *http.Request) {
			id, err := c.RecordStart(r.Context())
			if err != nil {
				writeCommandError(w, err)
				return
			}
			writeOK(w, map[string]any{"recording_id": id})
		})
		r.Post("/api/record/stop", func(w http.ResponseWriter, r *http.Request) {
			if err := c.RecordStop(r.Context()); err != nil {
				writeCommandError(w, err)
				return
			}
			writeOK(w, nil)
		})
	}
}

func decodePath(w http.ResponseWriter, r *http.Request) (pathRequest, bool) {
	var req pathRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return req, false
	}
	return req, true
}

func writeOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"status": "ok"}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeCommandError maps command failures onto HTTP status codes.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scenario.ErrNoScenario), errors.Is(err, scenario.ErrEmpty):
		writeError(w, http.StatusConflict, "no_scenario", err.Error())
	case errors.Is(err, manager.ErrNoScenarioFile):
		writeError(w, http.StatusConflict, "no_scenario_file", err.Error())
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, eyetracker.ErrNoDevice):
		writeError(w, http.StatusServiceUnavailable, "no_device", err.Error())
	case eyetracker.IsAPIError(err):
		writeError(w, http.StatusBadGateway, "device_error", err.Error())
	case errors.Is(err, eventloop.ErrStopped), errors.Is(err, eventloop.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, "command_failed", err.Error())
	}
}
