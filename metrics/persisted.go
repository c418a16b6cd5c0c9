package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ankur-anand/otaengine/clock"
	"github.com/ankur-anand/otaengine/prefs"
)

// Int64Prefs is the slice of the preference store the persisted helpers use.
type Int64Prefs interface {
	Exists(key string) bool
	GetInt64(key string) (int64, bool, error)
	SetInt64(key string, value int64) error
}

var _ Int64Prefs = prefs.Prefs(nil)

func mustPrefs(p Int64Prefs) {
	if p == nil {
		panic("metrics: nil prefs")
	}
}

func mustClock(c clock.Clock) {
	if c == nil {
		panic("metrics: nil clock")
	}
}

// GetPersistedValue returns the non-negative value stored at key, or 0 when
// the key is missing, unreadable or negative.
func GetPersistedValue(key string, p Int64Prefs) int64 {
	mustPrefs(p)
	if !p.Exists(key) {
		return 0
	}
	v, found, err := p.GetInt64(key)
	if err != nil || !found {
		return 0
	}
	if v < 0 {
		slog.Error("otaengine: invalid persisted value, defaulting to 0", "key", key, "value", v)
		return 0
	}
	return v
}

func SetNumReboots(n int64, p Int64Prefs) error {
	mustPrefs(p)
	if err := p.SetInt64(prefs.KeyNumReboots, n); err != nil {
		return fmt.Errorf("metrics: set reboot count: %w", err)
	}
	slog.Info("otaengine: reboots during current update attempt", "count", n)
	return nil
}

func SetPayloadAttemptNumber(n int64, p Int64Prefs) error {
	mustPrefs(p)
	if err := p.SetInt64(prefs.KeyPayloadAttemptNumber, n); err != nil {
		return fmt.Errorf("metrics: set payload attempt number: %w", err)
	}
	slog.Info("otaengine: payload attempt number", "attempt", n)
	return nil
}

// SetSystemUpdatedMarker stamps the monotonic time at which the update
// finished, in microseconds.
func SetSystemUpdatedMarker(c clock.Clock, p Int64Prefs) error {
	mustPrefs(p)
	mustClock(c)
	marker := c.Monotonic()
	if err := p.SetInt64(prefs.KeySystemUpdatedMarker, marker.Microseconds()); err != nil {
		return fmt.Errorf("metrics: set system updated marker: %w", err)
	}
	slog.Info("otaengine: system updated marker", "monotonic", marker)
	return nil
}

// SetUpdateTimestampStart stamps the wall-clock start of the attempt, in Unix
// microseconds.
func SetUpdateTimestampStart(start time.Time, p Int64Prefs) error {
	mustPrefs(p)
	if err := p.SetInt64(prefs.KeyUpdateTimestampStart, start.UnixMicro()); err != nil {
		return fmt.Errorf("metrics: set update start timestamp: %w", err)
	}
	slog.Info("otaengine: update timestamp start", "time", start)
	return nil
}

// SetUpdateBootTimestampStart stamps the boot-clock start of the attempt, in
// microseconds.
func SetUpdateBootTimestampStart(boot time.Duration, p Int64Prefs) error {
	mustPrefs(p)
	if err := p.SetInt64(prefs.KeyUpdateBootTimestampStart, boot.Microseconds()); err != nil {
		return fmt.Errorf("metrics: set update boot timestamp: %w", err)
	}
	slog.Info("otaengine: update boot timestamp start", "boot_time", boot)
	return nil
}

// LoadAndReportTimeToReboot reports the whole minutes between the system
// updated marker and now on the monotonic clock. It returns false when no
// marker is stored or the clock reads earlier than the marker.
func LoadAndReportTimeToReboot(r Reporter, p Int64Prefs, c clock.Clock) bool {
	mustPrefs(p)
	mustClock(c)
	if r == nil {
		panic("metrics: nil reporter")
	}
	stored := GetPersistedValue(prefs.KeySystemUpdatedMarker, p)
	if stored == 0 {
		return false
	}

	updatedAt := time.Duration(stored) * time.Microsecond
	now := c.Monotonic()
	timeToReboot := now - updatedAt
	if timeToReboot < 0 {
		slog.Warn("otaengine: time to reboot is negative", "system_updated_at", updatedAt, "now", now)
		return false
	}
	r.ReportTimeToReboot(int64(timeToReboot / time.Minute))
	return true
}
