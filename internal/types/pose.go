package types

// NumKeypoints is the number of COCO body keypoints per detected person
const NumKeypoints = 17

// Keypoint is one body landmark in pixel coordinates
type Keypoint struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
}

// BBox is an axis-aligned box in pixel coordinates (x1, y1, x2, y2)
type BBox struct {
	X1 float64 `msgpack:"x1" json:"x1"`
	Y1 float64 `msgpack:"y1" json:"y1"`
	X2 float64 `msgpack:"x2" json:"x2"`
	Y2 float64 `msgpack:"y2" json:"y2"`
}

// Detection is one detected person
type Detection struct {
	BBox       BBox       `msgpack:"bbox" json:"bbox"`
	Keypoints  []Keypoint `msgpack:"keypoints" json:"keypoints"`
	Confidence float64    `msgpack:"confidence" json:"confidence"`
}

// Timings reports detector stage latencies in milliseconds
type Timings struct {
	PreprocessMS  float64 `msgpack:"preprocess_ms" json:"preprocess_ms"`
	InferenceMS   float64 `msgpack:"inference_ms" json:"inference_ms"`
	PostprocessMS float64 `msgpack:"postprocess_ms" json:"postprocess_ms"`
}

// PoseResult is the detector output for one frame. An empty Detections
// slice means nobody was found (or the detector failed).
type PoseResult struct {
	Detections []Detection `msgpack:"detections" json:"detections"`
	Timings    Timings     `msgpack:"timings" json:"timings"`
}
