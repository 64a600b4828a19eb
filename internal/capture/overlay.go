package capture

import (
	"math"

	"github.com/e7canasta/flame-avsim/internal/types"
)

const markerRadius = 7

var markerColor = [3]byte{255, 0, 0}

// DrawKeypoints paints a filled marker on every keypoint of every
// detection, in place. Markers are clipped to the frame.
func DrawKeypoints(f *types.Frame, res types.PoseResult) {
	for _, det := range res.Detections {
		for _, kp := range det.Keypoints {
			if math.IsNaN(kp.X) || math.IsNaN(kp.Y) {
				continue
			}
			fillCircle(f, int(kp.X), int(kp.Y), markerRadius)
		}
	}
}

func fillCircle(f *types.Frame, cx, cy, r int) {
	for y := cy - r; y <= cy+r; y++ {
		if y < 0 || y >= f.Height {
			continue
		}
		for x := cx - r; x <= cx+r; x++ {
			if x < 0 || x >= f.Width {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > r*r {
				continue
			}
			i := (y*f.Width + x) * 3
			if i+2 >= len(f.Data) {
				return
			}
			f.Data[i], f.Data[i+1], f.Data[i+2] = markerColor[0], markerColor[1], markerColor[2]
		}
	}
}
