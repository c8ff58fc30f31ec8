//go:build !linux && !darwin && !freebsd

package safety

import "errors"

// StatfsProbe is unsupported on this platform
type StatfsProbe struct {
	Path string
}

// NewStatfsProbe creates a probe for the filesystem containing path
func NewStatfsProbe(path string) *StatfsProbe {
	return &StatfsProbe{Path: path}
}

// FreeSpaceFraction always fails on platforms without statfs
func (p *StatfsProbe) FreeSpaceFraction() (float64, error) {
	return 0, errors.New("disk probe not supported on this platform")
}
