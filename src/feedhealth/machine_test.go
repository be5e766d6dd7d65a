package feedhealth

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func newTestMachine() *Machine {
	cfg := Config{
		StalenessThreshold:    90 * time.Second,
		StartupGrace:          120 * time.Second,
		RecoveryPolicy:        RecoveryAuto,
		RecoveryMaxMessageAge: 10 * time.Second,
		RecoveryStableFor:     180 * time.Second,
		RecoveryMinBars:       3,
	}
	return NewMachine(cfg, t0)
}

func staleStatus() Status {
	return Status{StreamingEnabled: true, Connected: false, MessageAge: 5 * time.Minute}
}

func healthyStatus(bars int64) Status {
	return Status{StreamingEnabled: true, Connected: true, MessageAge: time.Second, CompletedBars: bars}
}

func TestDegradesOnStaleFeedInSession(t *testing.T) {
	m := newTestMachine()

	now := t0.Add(5 * time.Minute) // past the startup grace
	d := m.Evaluate(now, true, staleStatus(), false)

	if d.Overlay != OverlayDegradedFeed {
		t.Fatalf("expected DEGRADED_FEED, got %s", d.Overlay)
	}
	if d.Transition == nil || d.Transition.From != OverlayNormal || d.Transition.To != OverlayDegradedFeed {
		t.Fatalf("expected (NORMAL, DEGRADED_FEED) transition, got %+v", d.Transition)
	}
	if d.Policy.ActiveFeedMode != FeedModeREST {
		t.Fatalf("expected rest feed mode, got %s", d.Policy.ActiveFeedMode)
	}
	if !d.Policy.WSShouldRun {
		t.Fatalf("expected ws to keep running while degraded")
	}
}

func TestOffSessionStalenessIsNotAnIncident(t *testing.T) {
	m := newTestMachine()

	d := m.Evaluate(t0.Add(5*time.Minute), false, staleStatus(), false)

	if d.Overlay != OverlayNormal {
		t.Fatalf("expected NORMAL off-session, got %s", d.Overlay)
	}
	if d.Transition != nil {
		t.Fatalf("expected no transition off-session, got %+v", d.Transition)
	}
}

func TestStartupGraceSuppressesDegradation(t *testing.T) {
	m := newTestMachine()

	d := m.Evaluate(t0.Add(time.Minute), true, staleStatus(), false)

	if d.Overlay != OverlayNormal {
		t.Fatalf("expected NORMAL inside grace period, got %s", d.Overlay)
	}
}

func TestDisabledStreamingNeverDegrades(t *testing.T) {
	m := newTestMachine()

	fs := staleStatus()
	fs.StreamingEnabled = false

	d := m.Evaluate(t0.Add(10*time.Minute), true, fs, false)
	if d.Overlay != OverlayNormal {
		t.Fatalf("expected NORMAL with streaming disabled, got %s", d.Overlay)
	}
}

func TestRecoveryRequiresStabilityAndBars(t *testing.T) {
	m := newTestMachine()

	now := t0.Add(5 * time.Minute)
	m.Evaluate(now, true, staleStatus(), false)

	// First healthy sample only arms the recovery window.
	now = now.Add(30 * time.Second)
	d := m.Evaluate(now, true, healthyStatus(10), false)
	if d.Overlay != OverlayDegradedFeed {
		t.Fatalf("expected still degraded on first healthy sample")
	}

	// Stable long enough but not enough new bars.
	now = now.Add(181 * time.Second)
	d = m.Evaluate(now, true, healthyStatus(11), false)
	if d.Overlay != OverlayDegradedFeed {
		t.Fatalf("expected still degraded with too few new bars")
	}

	// Both conditions met.
	now = now.Add(time.Second)
	d = m.Evaluate(now, true, healthyStatus(13), false)
	if d.Overlay != OverlayNormal {
		t.Fatalf("expected recovery to NORMAL, got %s", d.Overlay)
	}
	if d.Transition == nil || d.Transition.From != OverlayDegradedFeed || d.Transition.To != OverlayNormal {
		t.Fatalf("expected (DEGRADED_FEED, NORMAL) transition, got %+v", d.Transition)
	}
}

func TestRecoveryWindowResetsOnUnhealthySample(t *testing.T) {
	m := newTestMachine()

	now := t0.Add(5 * time.Minute)
	m.Evaluate(now, true, staleStatus(), false)

	now = now.Add(30 * time.Second)
	m.Evaluate(now, true, healthyStatus(10), false)

	// A single lucky reconnect followed by another drop must not recover.
	now = now.Add(100 * time.Second)
	m.Evaluate(now, true, staleStatus(), false)

	now = now.Add(200 * time.Second)
	d := m.Evaluate(now, true, healthyStatus(20), false)
	if d.Overlay != OverlayDegradedFeed {
		t.Fatalf("expected recovery window to restart after unhealthy sample")
	}
}

func TestManualRecoveryPolicyNeverAutoRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryPolicy = RecoveryManual
	m := NewMachine(cfg, t0)

	now := t0.Add(5 * time.Minute)
	m.Evaluate(now, true, staleStatus(), false)

	for i := 0; i < 100; i++ {
		now = now.Add(time.Minute)
		d := m.Evaluate(now, true, healthyStatus(int64(i)), false)
		if d.Overlay != OverlayDegradedFeed {
			t.Fatalf("manual policy must not auto-recover")
		}
	}
}

func TestRiskStopForcesHaltedPolicy(t *testing.T) {
	m := newTestMachine()

	d := m.Evaluate(t0.Add(5*time.Minute), true, healthyStatus(5), true)
	if !d.Policy.Halted {
		t.Fatalf("expected halted policy under risk stop")
	}
	if d.Overlay != OverlayNormal {
		t.Fatalf("risk stop must not change the feed overlay, got %s", d.Overlay)
	}
}
