package presence

import (
	"fmt"
	"time"
)

const offlineText = "Offline"

// StatusText renders a last-seen timestamp as relative status text. It is a
// pure step function of elapsed time, with one calendar-aware step: a gap
// that crosses exactly one midnight reads "yesterday" no matter how few
// hours it spans.
func StatusText(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return offlineText
	}

	elapsed := now.Sub(lastSeen)
	if elapsed < 0 {
		elapsed = 0
	}

	if elapsed < time.Minute {
		return "just now"
	}

	minutes := int(elapsed.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%d %s ago", minutes, pluralize("minute", minutes))
	}

	midnights := midnightsCrossed(lastSeen, now)
	if midnights == 0 {
		hours := int(elapsed.Hours())
		return fmt.Sprintf("%d %s ago", hours, pluralize("hour", hours))
	}
	if midnights == 1 {
		return "yesterday"
	}

	if midnights < 7 {
		return fmt.Sprintf("%d days ago", midnights)
	}
	if midnights < 14 {
		weeks := midnights / 7
		return fmt.Sprintf("Inactive, %d %s ago", weeks, pluralize("week", weeks))
	}

	return offlineText
}

// RecentlyActive reports whether the last-seen timestamp falls inside the
// strict recent-activity window.
func RecentlyActive(lastSeen, now time.Time, window time.Duration) bool {
	if lastSeen.IsZero() {
		return false
	}
	elapsed := now.Sub(lastSeen)
	return elapsed >= 0 && elapsed < window
}

// midnightsCrossed counts calendar day boundaries between the two instants,
// evaluated in now's location.
func midnightsCrossed(lastSeen, now time.Time) int {
	lastSeen = lastSeen.In(now.Location())
	ly, lm, ld := lastSeen.Date()
	ny, nm, nd := now.Date()
	lastDay := time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(nowDay.Sub(lastDay).Hours() / 24)
}

func pluralize(unit string, n int) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
