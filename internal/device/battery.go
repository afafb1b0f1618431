// Package device reads host power state used to gate background sync
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tildaslashalef/recipebox/internal/loggy"
)

// Battery reports whether the device is too low on power to sync
type Battery interface {
	Critical() bool
}

// SysfsBattery reads a Linux power_supply capacity file, e.g.
// /sys/class/power_supply/BAT0/capacity. A sibling "status" file reporting
// Charging or Full overrides a low capacity.
type SysfsBattery struct {
	path          string
	criticalLevel int
	logger        *loggy.Logger
}

// NewSysfsBattery creates a battery reader. A criticalLevel of zero or less
// never reports critical.
func NewSysfsBattery(path string, criticalLevel int, logger *loggy.Logger) *SysfsBattery {
	return &SysfsBattery{path: path, criticalLevel: criticalLevel, logger: logger}
}

// Level returns the remaining capacity in percent
func (b *SysfsBattery) Level() (int, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return 0, fmt.Errorf("reading battery capacity: %w", err)
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing battery capacity %q: %w", strings.TrimSpace(string(data)), err)
	}
	return level, nil
}

// Charging reports whether the supply is charging or full
func (b *SysfsBattery) Charging() bool {
	data, err := os.ReadFile(filepath.Join(filepath.Dir(b.path), "status"))
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "charging", "full":
		return true
	}
	return false
}

// Critical reports whether capacity is at or below the critical level. A
// device without a readable battery is never critical.
func (b *SysfsBattery) Critical() bool {
	if b.criticalLevel <= 0 || b.path == "" {
		return false
	}

	level, err := b.Level()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Debug("Battery state unavailable", "path", b.path, "error", err)
		}
		return false
	}

	if level > b.criticalLevel || b.Charging() {
		return false
	}
	b.logger.Debug("Battery critical", "level", level, "critical_level", b.criticalLevel)
	return true
}

// AlwaysPowered is a Battery that is never critical
type AlwaysPowered struct{}

// Critical always returns false
func (AlwaysPowered) Critical() bool { return false }
