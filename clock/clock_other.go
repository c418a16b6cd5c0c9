//go:build !linux

package clock

import "time"

func (System) Monotonic() time.Duration {
	return processElapsed()
}

func (System) BootTime() time.Duration {
	return processElapsed()
}
