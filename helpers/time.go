package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x < 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// IntervalPerHour converts "at most N times per hour" into minimal interval.
// rate<=0 means no limit.
func IntervalPerHour(rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Hour / time.Duration(rate)
}
