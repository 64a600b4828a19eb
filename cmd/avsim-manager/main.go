// Command avsim-manager runs the scenario manager peer.
package main

import (
	"os"

	"github.com/e7canasta/flame-avsim/internal/app"
)

const defaultConfigPath = "config/avsim-manager.yaml"

func main() {
	os.Exit(app.Main("avsim-manager", defaultConfigPath, os.Args[1:], app.BuildManager))
}
