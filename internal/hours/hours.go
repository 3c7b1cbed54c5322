package hours

import (
	"errors"
	"fmt"
	"time"

	"github.com/billoapp/tabz/internal/domain"
)

// ErrNoTimezone reports a venue timezone that cannot be resolved. Callers
// treat it as "cannot determine business day end" rather than failing.
var ErrNoTimezone = errors.New("unresolvable venue timezone")

// IsOpenAt reports whether the venue is open at the given instant, evaluated
// in the venue's local wall-clock time. Boundary minutes are inclusive on
// both ends.
func IsOpenAt(venue domain.Venue, at time.Time) (bool, error) {
	switch venue.Hours.Mode {
	case domain.HoursAlwaysOpen:
		return true, nil
	case domain.HoursSimple, domain.HoursAdvanced:
		loc, err := time.LoadLocation(venue.Timezone)
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrNoTimezone, venue.Timezone)
		}
		local := at.In(loc)
		window, ok := windowFor(venue.Hours, local.Weekday())
		if !ok {
			return false, nil
		}
		minute := local.Hour()*60 + local.Minute()
		openMin := window.Open.MinuteOfDay()
		closeMin := window.Close.MinuteOfDay()
		if window.Overnight() {
			return minute >= openMin || minute <= closeMin, nil
		}
		return minute >= openMin && minute <= closeMin, nil
	default:
		return false, fmt.Errorf("unknown hours mode %q", venue.Hours.Mode)
	}
}

// BusinessDayEnd computes the absolute instant at which the business day
// containing ref closes, used as the overdue threshold for tabs opened on
// that day. It returns nil when no such instant exists: always-open venues,
// advanced-mode days with no configured hours, and venues whose timezone
// cannot be resolved.
//
// The closing instant is built from local calendar components with the
// venue's location, so the timezone offset in force on that specific date is
// applied exactly once.
func BusinessDayEnd(venue domain.Venue, ref time.Time) (*time.Time, error) {
	switch venue.Hours.Mode {
	case domain.HoursAlwaysOpen:
		return nil, nil
	case domain.HoursSimple, domain.HoursAdvanced:
		loc, err := time.LoadLocation(venue.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNoTimezone, venue.Timezone)
		}
		local := ref.In(loc)
		window, ok := windowFor(venue.Hours, local.Weekday())
		if !ok {
			return nil, nil
		}
		year, month, day := local.Date()
		end := time.Date(year, month, day, window.Close.Hour, window.Close.Minute, 0, 0, loc)
		if window.Overnight() {
			end = end.AddDate(0, 0, 1)
		}
		return &end, nil
	default:
		return nil, fmt.Errorf("unknown hours mode %q", venue.Hours.Mode)
	}
}

// Validate rejects malformed hours configurations at the boundary.
func Validate(cfg domain.BusinessHours) error {
	switch cfg.Mode {
	case domain.HoursAlwaysOpen:
		return nil
	case domain.HoursSimple:
		if cfg.Simple == nil {
			return errors.New("simple hours require an open/close window")
		}
		return validateWindow(*cfg.Simple)
	case domain.HoursAdvanced:
		if len(cfg.Weekdays) == 0 {
			return errors.New("advanced hours require at least one weekday window")
		}
		for day, window := range cfg.Weekdays {
			if day < time.Sunday || day > time.Saturday {
				return fmt.Errorf("invalid weekday %d", day)
			}
			if err := validateWindow(window); err != nil {
				return fmt.Errorf("%v: %w", day, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown hours mode %q", cfg.Mode)
	}
}

func validateWindow(w domain.DayWindow) error {
	if !w.Open.Valid() || !w.Close.Valid() {
		return errors.New("open/close must be valid wall-clock times")
	}
	return nil
}

func windowFor(cfg domain.BusinessHours, day time.Weekday) (domain.DayWindow, bool) {
	if cfg.Mode == domain.HoursSimple {
		if cfg.Simple == nil {
			return domain.DayWindow{}, false
		}
		return *cfg.Simple, true
	}
	window, ok := cfg.Weekdays[day]
	return window, ok
}
