package learner

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trigger decides when accumulated turns become an update. Either condition
// fires it; a zero field disables that condition.
type Trigger struct {
	Turns    int
	Interval time.Duration
}

// ParseTrigger reads "count:N", "interval:D" or both joined by a comma.
func ParseTrigger(s string) (Trigger, error) {
	var t Trigger
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, param, ok := strings.Cut(part, ":")
		if !ok || param == "" {
			return Trigger{}, fmt.Errorf("failed to parse trigger %q: want NAME:VALUE", part)
		}
		switch typ {
		case "count":
			n, err := strconv.Atoi(param)
			if err != nil || n <= 0 {
				return Trigger{}, fmt.Errorf(`failed to parse %q as "count:N": want a positive integer`, part)
			}
			t.Turns = n
		case "interval":
			d, err := time.ParseDuration(param)
			if err != nil || d <= 0 {
				return Trigger{}, fmt.Errorf(`failed to parse %q as "interval:DURATION"`, part)
			}
			t.Interval = d
		default:
			return Trigger{}, fmt.Errorf("unknown trigger %s (should be one of -- count|interval)", typ)
		}
	}
	if t.Turns == 0 && t.Interval == 0 {
		return Trigger{}, fmt.Errorf("trigger %q sets no condition", s)
	}
	return t, nil
}

func (t Trigger) String() string {
	var parts []string
	if t.Turns > 0 {
		parts = append(parts, fmt.Sprintf("count:%d", t.Turns))
	}
	if t.Interval > 0 {
		parts = append(parts, "interval:"+t.Interval.String())
	}
	return strings.Join(parts, ",")
}

// Due reports whether pending turns accumulated since last should be applied.
func (t Trigger) Due(pending int, last, now time.Time) bool {
	if pending == 0 {
		return false
	}
	if t.Turns > 0 && pending >= t.Turns {
		return true
	}
	return t.Interval > 0 && now.Sub(last) >= t.Interval
}
