package health

import (
	"context"
	"fmt"
	"time"
)

// FuncChecker adapts a function to Checker.
type FuncChecker struct {
	name string
	f    func(context.Context) (Status, string)
}

func NewFuncChecker(name string, f func(context.Context) (Status, string)) FuncChecker {
	return FuncChecker{name: name, f: f}
}

func (c FuncChecker) Name() string { return c.name }
func (c FuncChecker) Check(ctx context.Context) (Status, string) {
	return c.f(ctx)
}

// BrokerChecker is degraded while MQTT connection is down, messages stay queued.
func BrokerChecker(connected func() bool) Checker {
	return NewFuncChecker("broker", func(context.Context) (Status, string) {
		if !connected() {
			return StatusDegraded, "not connected"
		}
		return StatusHealthy, ""
	})
}

// QueueChecker is degraded above high watermark and unhealthy when full.
func QueueChecker(length func() int, high, max int) Checker {
	return NewFuncChecker("queue", func(context.Context) (Status, string) {
		n := length()
		switch {
		case max > 0 && n >= max:
			return StatusUnhealthy, fmt.Sprintf("full length=%d", n)
		case high > 0 && n >= high:
			return StatusDegraded, fmt.Sprintf("high length=%d", n)
		}
		return StatusHealthy, ""
	})
}

// MeterChecker is unhealthy when no telegram arrived within maxAge.
// Zero last time means nothing received yet.
func MeterChecker(last func() time.Time, maxAge time.Duration) Checker {
	return NewFuncChecker("meter", func(context.Context) (Status, string) {
		t := last()
		if t.IsZero() {
			return StatusDegraded, "no telegram yet"
		}
		if age := time.Since(t); age > maxAge {
			return StatusUnhealthy, fmt.Sprintf("last telegram %s ago", age.Truncate(time.Second))
		}
		return StatusHealthy, ""
	})
}
