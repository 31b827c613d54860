package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
)

// SkipIfNoDevice skips test if no neuron device is present
func SkipIfNoDevice(t *testing.T) string {
	t.Helper()

	devices := []string{"/dev/neuron0", "/dev/neuron1", "/dev/neuron2"}
	for _, path := range devices {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	t.Skip("No neuron device available")
	return ""
}

// TempFile creates a temporary file with given content
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0644)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

// SmallLayout is a V1 layout with three engines per core, the geometry used
// by the worked offset examples.
func SmallLayout() driver.Layout {
	l := driver.V1Layout()
	l.Engines = 3
	return l
}

// AssertStatus fails unless err carries the given driver status
func AssertStatus(t *testing.T, err error, want driver.Status, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected %s error, got nil", msg, want)
		return
	}
	if got := driver.StatusOf(err); got != want {
		t.Errorf("%s: got status %s (%v), want %s", msg, got, err, want)
	}
}
