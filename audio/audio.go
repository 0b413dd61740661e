// Package audio owns the capture side: device enumeration, the platform
// capture backends, and the capture engine that buffers one recording into an
// opaque artifact.
package audio

import "strings"

// DataCallback receives raw little-endian 16-bit mono PCM.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// IsBluetooth guesses from the device name; BT mics force a low-quality
// headset profile while capturing.
func IsBluetooth(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "bluetooth") ||
		strings.Contains(n, "bluez") ||
		strings.Contains(n, "airpods") ||
		strings.Contains(n, "headset")
}
