// Package device resolves the requested compute device.
package device

import (
	"os"

	"github.com/pkg/errors"
)

// Device names accepted on the command line.
const (
	Auto = "auto"
	CUDA = "cuda"
	CPU  = "cpu"
)

// ErrUnknownDevice is returned for a preference outside Auto, CUDA and CPU.
var ErrUnknownDevice = errors.New("unknown device")

// Probe reports whether an accelerator can be used.
type Probe interface {
	Available() bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() bool

// Available implements Probe.
func (f ProbeFunc) Available() bool { return f() }

// All is available only when every probe is, checked in order.
type All []Probe

// Available implements Probe.
func (a All) Available() bool {
	if len(a) == 0 {
		return false
	}
	for _, p := range a {
		if !p.Available() {
			return false
		}
	}
	return true
}

// NVIDIAProbe looks for the NVIDIA kernel driver.
type NVIDIAProbe struct {
	// Paths overrides the driver files to look for.
	Paths []string
}

var nvidiaPaths = []string{"/proc/driver/nvidia/version", "/dev/nvidia0"}

// Available implements Probe.
func (p NVIDIAProbe) Available() bool {
	paths := p.Paths
	if paths == nil {
		paths = nvidiaPaths
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// Resolve turns a preference into a concrete device. Auto picks CUDA when
// probe reports an accelerator and CPU otherwise; other preferences pass
// through unchanged.
func Resolve(preference string, probe Probe) (string, error) {
	switch preference {
	case Auto:
		if probe != nil && probe.Available() {
			return CUDA, nil
		}
		return CPU, nil
	case CUDA, CPU:
		return preference, nil
	}
	return "", errors.Wrapf(ErrUnknownDevice, "%q", preference)
}
