// Command avsim-cam runs the in-cabin camera recorder peer.
package main

import (
	"os"

	"github.com/e7canasta/flame-avsim/internal/app"
	"github.com/e7canasta/flame-avsim/internal/capture"
	"github.com/e7canasta/flame-avsim/internal/capture/gstsource"
	"github.com/e7canasta/flame-avsim/internal/config"
)

const defaultConfigPath = "config/avsim-cam.yaml"

// sources picks the frame source configured by camera.source.
func sources(cam config.CameraConfig, deviceID int) capture.Source {
	if cam.Source == "v4l2" {
		return gstsource.NewV4L2Source(deviceID, cam.Width, cam.Height)
	}
	return app.SyntheticSources(cam, deviceID)
}

func main() {
	os.Exit(app.Main("avsim-cam", defaultConfigPath, os.Args[1:], app.CameraBuilder(sources)))
}
