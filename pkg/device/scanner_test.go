//go:build unit

package device

import (
	"os"
	"path/filepath"
	"testing"
)

// mockSysfs lays out a sysfs class directory, its /dev nodes and, when pci
// is set, a PCI function with resource0 and resource2 for every device.
func mockSysfs(t *testing.T, devices []string, pci bool) *DeviceScanner {
	t.Helper()
	tmpDir := t.TempDir()
	classDir := filepath.Join(tmpDir, "sys", "class", "neuron_device")
	devDir := filepath.Join(tmpDir, "dev")
	for _, dir := range []string{classDir, devDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	for i, dev := range devices {
		entry := filepath.Join(classDir, dev)
		if err := os.Mkdir(entry, 0755); err != nil {
			t.Fatalf("failed to create device dir: %v", err)
		}
		f, err := os.Create(filepath.Join(devDir, dev))
		if err != nil {
			t.Fatalf("failed to create device file: %v", err)
		}
		f.Close()

		if !pci {
			continue
		}
		fn := filepath.Join(tmpDir, "sys", "devices", "pci0000:00", "0000:00:1"+string(rune('e'-i))+".0")
		if err := os.MkdirAll(fn, 0755); err != nil {
			t.Fatalf("failed to create pci dir: %v", err)
		}
		for _, res := range []string{"resource0", "resource2"} {
			if err := os.WriteFile(filepath.Join(fn, res), nil, 0644); err != nil {
				t.Fatalf("failed to create %s: %v", res, err)
			}
		}
		if err := os.Symlink(fn, filepath.Join(entry, "device")); err != nil {
			t.Fatalf("failed to link pci function: %v", err)
		}
	}

	return &DeviceScanner{sysfsPath: classDir, devPath: devDir}
}

func TestScanFindsDevicesInMockSysfs(t *testing.T) {
	scanner := mockSysfs(t, []string{"neuron0", "neuron1"}, false)

	found, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 devices, found %d", len(found))
	}
	if found[0].DeviceID != "neuron0" {
		t.Errorf("expected device id neuron0, got %s", found[0].DeviceID)
	}
	if found[0].Bar0 != "" {
		t.Errorf("expected no bar without a pci function, got %s", found[0].Bar0)
	}
}

func TestScanResolvesPCIResources(t *testing.T) {
	scanner := mockSysfs(t, []string{"neuron0"}, true)

	found, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 device, found %d", len(found))
	}

	info := found[0]
	if info.DeviceID != "0000:00:1e.0" {
		t.Errorf("expected pci address as device id, got %s", info.DeviceID)
	}
	if filepath.Base(info.Bar0) != "resource0" || filepath.Base(info.Bar2) != "resource2" {
		t.Errorf("unexpected bars %q %q", info.Bar0, info.Bar2)
	}

	cfg := info.Config()
	if cfg.Device.Bar2 != info.Bar2 || cfg.Device.Path != info.Path {
		t.Errorf("config does not carry the scanned paths: %+v", cfg.Device)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("scanned config invalid: %v", err)
	}
}

func TestScanSkipsForeignEntries(t *testing.T) {
	scanner := mockSysfs(t, []string{"neuron0", "power"}, false)

	found, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("expected 1 device, found %d", len(found))
	}
}

func TestScanFallsBackToDevNodes(t *testing.T) {
	tmpDir := t.TempDir()
	devDir := filepath.Join(tmpDir, "dev")
	if err := os.MkdirAll(devDir, 0755); err != nil {
		t.Fatalf("failed to create mock /dev: %v", err)
	}
	for _, dev := range []string{"neuron2", "neuron5"} {
		if err := os.WriteFile(filepath.Join(devDir, dev), nil, 0644); err != nil {
			t.Fatalf("failed to create device file: %v", err)
		}
	}

	scanner := &DeviceScanner{
		sysfsPath: filepath.Join(tmpDir, "sys", "class", "neuron_device"),
		devPath:   devDir,
	}
	found, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 devices, found %d", len(found))
	}
	if found[1].DeviceID != "neuron5" {
		t.Errorf("expected neuron5, got %s", found[1].DeviceID)
	}
}

func TestScanEmptyWhenNoDevices(t *testing.T) {
	scanner := mockSysfs(t, nil, false)

	devices, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected 0 devices, found %d", len(devices))
	}
}

func TestDevicePathValidation(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"/dev/neuron0", true},
		{"/dev/neuron1", true},
		{"/dev/neuron15", true},
		{"/dev/neuron", false},
		{"/dev/neuronx", false},
		{"/dev/null", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := isValidNeuronDevicePath(tt.path)
			if got != tt.valid {
				t.Errorf("isValidNeuronDevicePath(%s) = %v, expected %v", tt.path, got, tt.valid)
			}
		})
	}
}

func TestNewScanner(t *testing.T) {
	scanner := NewScanner()
	if scanner.sysfsPath != "/sys/class/neuron_device" {
		t.Errorf("unexpected sysfs path: %s", scanner.sysfsPath)
	}
	if scanner.devPath != "/dev" {
		t.Errorf("unexpected dev path: %s", scanner.devPath)
	}
}
