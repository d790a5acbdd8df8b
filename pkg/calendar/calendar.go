package calendar

import (
	"fmt"
	"regexp"
	"time"

	"k8s.io/utils/clock"
)

// dayFormat is the compact day layout used inside store keys.
const dayFormat = "20060102"

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DayIn returns the YYYYMMDD day for the given instant in the org's IANA
// timezone. This is the only place day boundaries are computed: a submission
// always lands on "today" in the org's calendar, never on the day of its
// reported timestamp.
func DayIn(tz string, at time.Time) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return at.In(loc).Format(dayFormat), nil
}

// DayKey returns the canonical "DAY#YYYYMMDD" store key for the current
// instant in the org's timezone.
func DayKey(clk clock.Clock, tz string) (string, error) {
	day, err := DayIn(tz, clk.Now())
	if err != nil {
		return "", err
	}
	return "DAY#" + day, nil
}

// DayKeyFromDate converts a caller-supplied "YYYY-MM-DD" date into a
// "DAY#YYYYMMDD" key, validating the shape and calendar validity.
func DayKeyFromDate(date string) (string, error) {
	if !dateRe.MatchString(date) {
		return "", fmt.Errorf("malformed date %q, want YYYY-MM-DD", date)
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	return "DAY#" + t.Format(dayFormat), nil
}

// DateFromDayKey strips the DAY# prefix and renders YYYY-MM-DD.
func DateFromDayKey(dayKey string) string {
	day := dayKey
	if len(day) > 4 && day[:4] == "DAY#" {
		day = day[4:]
	}
	if len(day) != 8 {
		return day
	}
	return day[:4] + "-" + day[4:6] + "-" + day[6:]
}

// ValidTimezone reports whether tz is a loadable IANA timezone.
func ValidTimezone(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}
