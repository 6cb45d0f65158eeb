package scheduler

import (
	"time"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

// WithinBusinessHours reports whether now falls inside the daily sending
// window. Disabled windows, unknown zones and empty windows always allow.
func WithinBusinessHours(now time.Time, bh domain.BusinessHours) bool {
	if !bh.Enabled {
		return true
	}
	loc, err := time.LoadLocation(bh.TimeZone)
	if err != nil {
		return true
	}

	start := bh.Start.Hour()*60 + bh.Start.Minute()
	end := bh.End.Hour()*60 + bh.End.Minute()
	if start == end {
		return true
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if end < start {
		// window spans midnight
		return minute >= start || minute < end
	}
	return minute >= start && minute < end
}

// NextBusinessOpening returns how long to wait from now until the window
// opens again; zero when already inside it.
func NextBusinessOpening(now time.Time, bh domain.BusinessHours) time.Duration {
	if WithinBusinessHours(now, bh) {
		return 0
	}
	loc, err := time.LoadLocation(bh.TimeZone)
	if err != nil {
		return 0
	}

	local := now.In(loc)
	opening := time.Date(local.Year(), local.Month(), local.Day(), bh.Start.Hour(), bh.Start.Minute(), 0, 0, loc)
	if !opening.After(local) {
		opening = opening.AddDate(0, 0, 1)
	}
	return opening.Sub(local)
}
