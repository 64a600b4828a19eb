package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ErrUnsafePath is returned by ResolvePath for names that would leave the
// scenario directory.
var ErrUnsafePath = errors.New("scenario path must be a relative .json file inside the scenario directory")

// ResolvePath joins a client supplied scenario name onto dir. Absolute
// names, names containing ".." that climb out of dir, files without the
// .json extension and symlinks leading outside dir are rejected.
func ResolvePath(dir, name string) (string, error) {
	if strings.Contains(name, `\`) || !filepath.IsLocal(name) || !strings.EqualFold(filepath.Ext(name), ".json") {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
	}
	path := filepath.Join(dir, name)

	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		// Nothing under a missing directory can point elsewhere.
		return path, nil
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Saving a new file: its directory must still be inside.
		if target, err = filepath.EvalSymlinks(filepath.Dir(path)); err != nil {
			return path, nil
		}
	}
	if rel, err := filepath.Rel(realDir, target); err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafePath)
	}
	return path, nil
}

// LoadFile reads and parses a scenario document.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// SaveFile writes the scenario to path atomically; readers and file
// watchers never observe a partial document.
func SaveFile(path string, s *Scenario) error {
	if s == nil {
		return ErrNoScenario
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save scenario: %w", err)
	}
	return nil
}
