package device

import "errors"

// Errors for device operations
var (
	ErrNoDevices    = errors.New("no neuron devices found")
	ErrDeviceClosed = errors.New("device is closed")
	ErrNoBars       = errors.New("device register BARs not configured")
)
