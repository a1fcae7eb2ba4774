package helpers

import (
	"time"

	"github.com/temoto/alive/v2"
)

// AliveSleep waits d or until a is stopping. Returns false on stop.
func AliveSleep(a *alive.Alive, d time.Duration) bool {
	if d <= 0 {
		return a.IsRunning()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return a.IsRunning()
	case <-a.StopChan():
		return false
	}
}
