package krx

import (
	"testing"
	"time"
)

func kst(t *testing.T, value string) time.Time {
	t.Helper()
	c := NewCalendar()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, c.Location())
	if err != nil {
		t.Fatalf("bad time literal %q: %v", value, err)
	}
	return ts
}

func TestDetectSession(t *testing.T) {
	c := NewCalendar()

	cases := []struct {
		name string
		at   string
		want Session
	}{
		{"mid session", "2026-09-01 10:30", SessionRegular},
		{"open boundary", "2026-09-01 09:00", SessionRegular},
		{"just before open", "2026-09-01 08:59", SessionClosed},
		{"close boundary", "2026-09-01 15:30", SessionClosed},
		{"last trading minute", "2026-09-01 15:29", SessionRegular},
		{"weekend", "2026-09-05 10:30", SessionClosed},
		{"chuseok holiday", "2026-09-24 10:30", SessionClosed},
		{"new year", "2026-01-01 10:30", SessionClosed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.DetectSession(kst(t, tc.at))
			if got != tc.want {
				t.Fatalf("DetectSession(%s) = %s, want %s", tc.at, got, tc.want)
			}
		})
	}
}

func TestSessionBoundaries(t *testing.T) {
	c := NewCalendar()
	at := kst(t, "2026-09-01 12:00")

	open := c.SessionOpen(at)
	if open.Hour() != 9 || open.Minute() != 0 {
		t.Fatalf("unexpected open: %s", open)
	}

	close := c.SessionClose(at)
	if close.Hour() != 15 || close.Minute() != 30 {
		t.Fatalf("unexpected close: %s", close)
	}
}
