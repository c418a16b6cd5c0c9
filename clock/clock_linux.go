//go:build linux

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

func (System) Monotonic() time.Duration {
	return readClock(unix.CLOCK_MONOTONIC)
}

func (System) BootTime() time.Duration {
	return readClock(unix.CLOCK_BOOTTIME)
}

func readClock(id int32) time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return processElapsed()
	}
	return time.Duration(ts.Nano())
}
