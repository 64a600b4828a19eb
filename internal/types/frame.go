package types

import (
	"image"
	"time"
)

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the per-device monotonic sequence number
	Seq uint64 `msgpack:"seq"`
	// Timestamp is when the frame was grabbed
	Timestamp time.Time `msgpack:"ts"`
	// DeviceID is the V4L2 index of the camera that produced the frame
	DeviceID int `msgpack:"device"`
	// Width in pixels
	Width int `msgpack:"width"`
	// Height in pixels
	Height int `msgpack:"height"`
	// Data contains packed RGB24 pixels, Width*Height*3 bytes
	Data []byte `msgpack:"data"`
	// TraceID follows the frame through detection and recording
	TraceID string `msgpack:"trace_id"`
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// Image converts the RGB24 buffer to an RGBA image
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n && i*3+2 < len(f.Data); i++ {
		img.Pix[i*4] = f.Data[i*3]
		img.Pix[i*4+1] = f.Data[i*3+1]
		img.Pix[i*4+2] = f.Data[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// FrameMeta contains frame metadata without the pixel data
type FrameMeta struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  int       `json:"device"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

// Meta strips the pixel data
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{Seq: f.Seq, Timestamp: f.Timestamp, DeviceID: f.DeviceID, Width: f.Width, Height: f.Height}
}
