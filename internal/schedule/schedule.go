// Package schedule evaluates the policy's weekly enforcement windows
// against the host's local clock.
package schedule

import (
	"time"

	"github.com/blockandfocus/baf/internal/config"
)

// IsActiveAt reports whether now falls inside any enabled rule. A
// disabled schedule is never active here; the decision function treats
// that case as "always enforce" at a higher level.
func IsActiveAt(now time.Time, sc config.ScheduleConfig) bool {
	_, ok := ActiveRule(now, sc)
	return ok
}

// ActiveRule returns the first rule whose days contain now's weekday and
// whose [start, end) window contains now's time-of-day, both read in
// now's own location (the engine passes time.Now, i.e. host local time).
// Rules are checked in document order.
func ActiveRule(now time.Time, sc config.ScheduleConfig) (config.ScheduleRule, bool) {
	if !sc.Enabled {
		return config.ScheduleRule{}, false
	}

	minute := now.Hour()*60 + now.Minute()
	weekday := int(now.Weekday())

	for _, r := range sc.Rules {
		if !r.OnDay(weekday) {
			continue
		}
		start, end, err := r.Window()
		if err != nil {
			// Validated on load; an unparseable rule can only mean the
			// document was corrupted in memory. Skip it.
			continue
		}
		if minute >= start && minute < end {
			return r, true
		}
	}
	return config.ScheduleRule{}, false
}
