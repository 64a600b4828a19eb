// Command avsim-neon runs the eye-tracker controller peer.
package main

import (
	"os"

	"github.com/e7canasta/flame-avsim/internal/app"
)

const defaultConfigPath = "config/avsim-neon.yaml"

func main() {
	os.Exit(app.Main("avsim-neon", defaultConfigPath, os.Args[1:], app.BuildNeon))
}
