//go:build linux || darwin || freebsd

package safety

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsProbe reports free space of the filesystem holding Path
type StatfsProbe struct {
	Path string
}

// NewStatfsProbe creates a probe for the filesystem containing path
func NewStatfsProbe(path string) *StatfsProbe {
	return &StatfsProbe{Path: path}
}

// FreeSpaceFraction returns available blocks over total blocks
func (p *StatfsProbe) FreeSpaceFraction() (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(p.Path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", p.Path, err)
	}
	if stat.Blocks == 0 {
		return 0, fmt.Errorf("statfs %s: filesystem reports zero blocks", p.Path)
	}
	return float64(stat.Bavail) / float64(stat.Blocks), nil
}
