package alerts

import (
	"strconv"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/store"
)

// InBlackout reports whether t falls inside any of the rule's blackout
// windows. During a blackout the alert still opens and transitions, only
// notification dispatch is suppressed.
func InBlackout(windows []store.BlackoutWindow, t time.Time) bool {
	for _, w := range windows {
		if blackoutMatches(w, t) {
			return true
		}
	}
	return false
}

func blackoutMatches(w store.BlackoutWindow, t time.Time) bool {
	startMins, ok := parseHHMM(w.StartHHMM)
	if !ok {
		return false
	}
	endMins, ok := parseHHMM(w.EndHHMM)
	if !ok {
		return false
	}

	nowMins := t.Hour()*60 + t.Minute()
	wd := int(t.Weekday())

	// Daily window (no weekday constraint). Supports midnight crossing,
	// e.g. 23:00-05:00.
	if w.Weekday < 0 {
		if startMins <= endMins {
			return nowMins >= startMins && nowMins < endMins
		}
		return nowMins >= startMins || nowMins < endMins
	}

	// Weekly window that spans into a different weekday,
	// e.g. Sat 22:00 - Sun 06:00.
	if w.EndWeekday >= 0 && w.EndWeekday != w.Weekday {
		if wd == w.Weekday {
			return nowMins >= startMins
		}
		if wd == w.EndWeekday {
			return nowMins < endMins
		}
		return false
	}

	// Weekly window within a single weekday.
	if wd != w.Weekday {
		return false
	}
	if startMins <= endMins {
		return nowMins >= startMins && nowMins < endMins
	}
	return nowMins >= startMins || nowMins < endMins
}

// parseHHMM converts "22:30" to minutes since midnight. Malformed values
// fail open: a window that cannot be parsed never suppresses dispatch.
func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
