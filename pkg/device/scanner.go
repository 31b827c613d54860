package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emergingrobotics/go-neuron/pkg/config"
)

// DeviceInfo contains discovered device information
type DeviceInfo struct {
	Path     string
	DeviceID string
	// PCIPath is the sysfs directory of the PCI function, empty if unknown
	PCIPath string
	Bar0    string
	Bar2    string
}

// Config returns a configuration for this device on top of the defaults
func (i DeviceInfo) Config() *config.Config {
	cfg := config.Default()
	cfg.Device.Path = i.Path
	cfg.Device.Bar0 = i.Bar0
	cfg.Device.Bar2 = i.Bar2
	return cfg
}

// DeviceScanner scans for neuron devices
type DeviceScanner struct {
	sysfsPath string
	devPath   string
}

// NewScanner creates a new device scanner
func NewScanner() *DeviceScanner {
	return &DeviceScanner{
		sysfsPath: "/sys/class/neuron_device",
		devPath:   "/dev",
	}
}

// Scan finds all neuron devices
func (s *DeviceScanner) Scan() ([]DeviceInfo, error) {
	if s.sysfsPath == "" {
		s.sysfsPath = "/sys/class/neuron_device"
	}
	if s.devPath == "" {
		s.devPath = "/dev"
	}

	var devices []DeviceInfo

	// First try sysfs path
	entries, err := os.ReadDir(s.sysfsPath)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !isValidNeuronDevicePath("/dev/" + name) {
				continue
			}
			devPath := filepath.Join(s.devPath, name)
			if _, err := os.Stat(devPath); err != nil {
				continue
			}

			info := DeviceInfo{Path: devPath, DeviceID: name}
			if pci, err := filepath.EvalSymlinks(filepath.Join(s.sysfsPath, name, "device")); err == nil {
				info.PCIPath = pci
				info.DeviceID = filepath.Base(pci)
				info.Bar0 = resourceFile(pci, 0)
				info.Bar2 = resourceFile(pci, 2)
			}
			devices = append(devices, info)
		}
	}

	// If no devices found via sysfs, try direct device path scanning
	if len(devices) == 0 {
		for i := 0; i < 16; i++ {
			name := fmt.Sprintf("neuron%d", i)
			devPath := filepath.Join(s.devPath, name)
			if _, err := os.Stat(devPath); err == nil {
				devices = append(devices, DeviceInfo{
					Path:     devPath,
					DeviceID: name,
				})
			}
		}
	}

	return devices, nil
}

// resourceFile returns the path of BAR n of a PCI function if it exists
func resourceFile(pciPath string, n int) string {
	p := filepath.Join(pciPath, fmt.Sprintf("resource%d", n))
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Scan uses the default scanner to find all neuron devices
func Scan() ([]DeviceInfo, error) {
	return NewScanner().Scan()
}

// isValidNeuronDevicePath checks if a path is a valid neuron device path
func isValidNeuronDevicePath(path string) bool {
	const prefix = "/dev/neuron"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return false
	}
	for _, r := range path[len(prefix):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
