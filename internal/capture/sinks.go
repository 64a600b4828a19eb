package capture

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	"github.com/e7canasta/flame-avsim/internal/framing"
	"github.com/e7canasta/flame-avsim/internal/types"
)

const (
	// RecordingDirLayout names a recording directory after its start time.
	RecordingDirLayout = "2006-01-02-15-04-05"
	// PoseTimestampLayout is the first column of every pose row.
	PoseTimestampLayout = "2006-01-02 15:04:05.000"
)

// RecordingSinks are the outputs of one recording session of one device.
type RecordingSinks interface {
	WriteRaw(f *types.Frame) error
	WriteProcessed(f *types.Frame) error
	WritePose(ts time.Time, res types.PoseResult) error
	Dir() string
	Close() error
}

// SinkFactory creates the outputs a worker writes to.
type SinkFactory interface {
	OpenRecording(deviceID int, startedAt time.Time) (RecordingSinks, error)
	WriteStill(deviceID int, f *types.Frame) (string, error)
}

// FileSinkFactory writes recordings below DataDir and stills to StillDir.
//
// Layout of one recording:
//
//	<DataDir>/<YYYY-MM-DD-HH-MM-SS>/cam_<id>.frames       raw frames
//	<DataDir>/<YYYY-MM-DD-HH-MM-SS>/proc_cam_<id>.frames  annotated frames
//	<DataDir>/<YYYY-MM-DD-HH-MM-SS>/pose_cam_<id>.csv     one row per recorded frame
//
// Frame files are streams of length-prefixed msgpack types.Frame records.
type FileSinkFactory struct {
	DataDir  string
	StillDir string
}

func (f FileSinkFactory) OpenRecording(deviceID int, startedAt time.Time) (RecordingSinks, error) {
	dir := filepath.Join(f.DataDir, startedAt.Format(RecordingDirLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	s := &fileSinks{dir: dir}
	var err error
	if s.raw, err = openFrameFile(filepath.Join(dir, fmt.Sprintf("cam_%d.frames", deviceID))); err != nil {
		return nil, err
	}
	if s.proc, err = openFrameFile(filepath.Join(dir, fmt.Sprintf("proc_cam_%d.frames", deviceID))); err != nil {
		_ = s.raw.close()
		return nil, err
	}

	poseFile, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("pose_cam_%d.csv", deviceID)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = s.raw.close()
		_ = s.proc.close()
		return nil, fmt.Errorf("open pose log: %w", err)
	}
	s.poseFile = poseFile
	s.pose = csv.NewWriter(poseFile)

	return s, nil
}

// WriteStill atomically replaces <StillDir>/<id>.png with f.
func (f FileSinkFactory) WriteStill(deviceID int, frame *types.Frame) (string, error) {
	dir := f.StillDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create still dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.png", deviceID))

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("create pending still: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if err := png.Encode(pending, frame.Image()); err != nil {
		return "", fmt.Errorf("encode still: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("replace still: %w", err)
	}
	return path, nil
}

type frameFile struct {
	f *os.File
	w *bufio.Writer
}

func openFrameFile(path string) (*frameFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open frame stream: %w", err)
	}
	return &frameFile{f: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

func (ff *frameFile) write(frame *types.Frame) error {
	_, err := framing.Write(ff.w, frame)
	return err
}

func (ff *frameFile) close() error {
	return errors.Join(ff.w.Flush(), ff.f.Close())
}

type fileSinks struct {
	dir      string
	raw      *frameFile
	proc     *frameFile
	poseFile *os.File
	pose     *csv.Writer
}

func (s *fileSinks) Dir() string { return s.dir }

func (s *fileSinks) WriteRaw(f *types.Frame) error { return s.raw.write(f) }

func (s *fileSinks) WriteProcessed(f *types.Frame) error { return s.proc.write(f) }

func (s *fileSinks) WritePose(ts time.Time, res types.PoseResult) error {
	if err := s.pose.Write(PoseRow(ts, res)); err != nil {
		return fmt.Errorf("write pose row: %w", err)
	}
	s.pose.Flush()
	return s.pose.Error()
}

func (s *fileSinks) Close() error {
	s.pose.Flush()
	return errors.Join(s.raw.close(), s.proc.close(), s.pose.Error(), s.poseFile.Close())
}

// PoseRow formats one pose log row: timestamp, 17 (x, y) keypoints and the
// bounding box of the first detection, then the detector stage timings in
// milliseconds. Missing values are written as nan.
func PoseRow(ts time.Time, res types.PoseResult) []string {
	row := make([]string, 0, 1+types.NumKeypoints*2+4+3)
	row = append(row, ts.Format(PoseTimestampLayout))

	var det *types.Detection
	if len(res.Detections) > 0 {
		det = &res.Detections[0]
	}

	for i := 0; i < types.NumKeypoints; i++ {
		if det != nil && i < len(det.Keypoints) {
			row = append(row, formatFloat(det.Keypoints[i].X), formatFloat(det.Keypoints[i].Y))
			continue
		}
		row = append(row, formatFloat(math.NaN()), formatFloat(math.NaN()))
	}

	if det != nil {
		row = append(row,
			formatFloat(det.BBox.X1), formatFloat(det.BBox.Y1),
			formatFloat(det.BBox.X2), formatFloat(det.BBox.Y2))
	} else {
		for i := 0; i < 4; i++ {
			row = append(row, formatFloat(math.NaN()))
		}
	}

	return append(row,
		formatFloat(res.Timings.PreprocessMS),
		formatFloat(res.Timings.InferenceMS),
		formatFloat(res.Timings.PostprocessMS))
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
