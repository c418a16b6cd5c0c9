package clock

import "time"

var processStart = time.Now()

// processElapsed is the monotonic time since the package was loaded.
func processElapsed() time.Duration {
	return time.Since(processStart)
}
