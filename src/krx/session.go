package krx

import (
	"time"
)

// ----- session labels -----

type Session string

const (
	SessionClosed  Session = "closed"
	SessionRegular Session = "regular"
)

const (
	regularOpenHour    = 9
	regularCloseHour   = 15
	regularCloseMinute = 30
)

// Calendar answers KRX session questions in KST. Falls back to UTC+9 when
// the tz database is unavailable.
type Calendar struct {
	loc *time.Location
}

func NewCalendar() *Calendar {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return &Calendar{loc: loc}
}

// Location returns the KST location used for bucket and session math.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// DetectSession labels the given instant.
func (c *Calendar) DetectSession(t time.Time) Session {
	kt := t.In(c.loc)

	if kt.Weekday() == time.Saturday || kt.Weekday() == time.Sunday || isHoliday(kt) {
		return SessionClosed
	}

	open := time.Date(kt.Year(), kt.Month(), kt.Day(), regularOpenHour, 0, 0, 0, c.loc)
	close := time.Date(kt.Year(), kt.Month(), kt.Day(), regularCloseHour, regularCloseMinute, 0, 0, c.loc)

	if kt.Before(open) || !kt.Before(close) {
		return SessionClosed
	}
	return SessionRegular
}

// InSession reports whether the regular KRX session is running.
func (c *Calendar) InSession(t time.Time) bool {
	return c.DetectSession(t) == SessionRegular
}

// SessionOpen returns the regular-session open on the given date in KST.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	kt := t.In(c.loc)
	return time.Date(kt.Year(), kt.Month(), kt.Day(), regularOpenHour, 0, 0, 0, c.loc)
}

// SessionClose returns the regular-session close on the given date in KST.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	kt := t.In(c.loc)
	return time.Date(kt.Year(), kt.Month(), kt.Day(), regularCloseHour, regularCloseMinute, 0, 0, c.loc)
}

// KRX closure days. Lunar holidays move each year, so these are listed per
// year rather than computed.
// TODO: extend past 2026 before year end.
var krxHolidays = map[string]struct{}{
	// 2025
	"2025-01-01": {}, "2025-01-27": {}, "2025-01-28": {}, "2025-01-29": {},
	"2025-01-30": {}, "2025-03-03": {}, "2025-05-01": {}, "2025-05-05": {},
	"2025-05-06": {}, "2025-06-06": {}, "2025-08-15": {}, "2025-10-03": {},
	"2025-10-06": {}, "2025-10-07": {}, "2025-10-08": {}, "2025-10-09": {},
	"2025-12-25": {}, "2025-12-31": {},
	// 2026
	"2026-01-01": {}, "2026-02-16": {}, "2026-02-17": {}, "2026-02-18": {},
	"2026-03-02": {}, "2026-05-01": {}, "2026-05-05": {}, "2026-05-25": {},
	"2026-06-06": {}, "2026-08-17": {}, "2026-09-24": {}, "2026-09-25": {},
	"2026-10-05": {}, "2026-10-09": {}, "2026-12-25": {}, "2026-12-31": {},
}

func isHoliday(kt time.Time) bool {
	_, ok := krxHolidays[kt.Format("2006-01-02")]
	return ok
}
