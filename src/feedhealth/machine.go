package feedhealth

import (
	"time"
)

// Overlay is the machine's current mode.
type Overlay string

const (
	OverlayNormal       Overlay = "NORMAL"
	OverlayDegradedFeed Overlay = "DEGRADED_FEED"
)

// FeedMode is the data source the rest of the system should trust.
type FeedMode string

const (
	FeedModeWS   FeedMode = "ws"
	FeedModeREST FeedMode = "rest"
)

// RecoveryPolicy controls how DEGRADED_FEED clears.
type RecoveryPolicy string

const (
	RecoveryAuto   RecoveryPolicy = "auto"
	RecoveryManual RecoveryPolicy = "manual"
)

// Status is one health sample of the streaming feed. CompletedBars is a
// monotonic counter of bars the stream has finished since process start;
// the machine diffs it to judge recovery progress.
type Status struct {
	StreamingEnabled bool
	Connected        bool
	MessageAge       time.Duration
	LastBarAt        time.Time
	CompletedBars    int64
}

// Policy is the machine's directive, valid until the next evaluation.
type Policy struct {
	ActiveFeedMode FeedMode
	WSShouldRun    bool
	Halted         bool
}

// Transition is reported only when the overlay actually changed during an
// evaluation. Callers must not infer transitions from overlay snapshots.
type Transition struct {
	From Overlay
	To   Overlay
}

// Decision is the full output of one evaluation.
type Decision struct {
	Overlay    Overlay
	Policy     Policy
	Transition *Transition
}

type Config struct {
	StalenessThreshold time.Duration
	StartupGrace       time.Duration
	RecoveryPolicy     RecoveryPolicy
	// Recovery under the auto policy requires the stream connected with a
	// message age at or below RecoveryMaxMessageAge for RecoveryStableFor,
	// and RecoveryMinBars new completed bars since recovery began.
	RecoveryMaxMessageAge time.Duration
	RecoveryStableFor     time.Duration
	RecoveryMinBars       int64
}

func DefaultConfig() Config {
	return Config{
		StalenessThreshold:    90 * time.Second,
		StartupGrace:          120 * time.Second,
		RecoveryPolicy:        RecoveryAuto,
		RecoveryMaxMessageAge: 10 * time.Second,
		RecoveryStableFor:     180 * time.Second,
		RecoveryMinBars:       3,
	}
}

// Machine decides, from noisy feed-health samples, whether the live data
// source is trustworthy. It is a single-threaded evaluator: its output
// depends on retained history, so it must only ever be called from one
// control loop.
type Machine struct {
	cfg       Config
	startedAt time.Time

	overlay             Overlay
	degradedSince       time.Time
	recoverySince       time.Time
	barsAtRecoveryStart int64
}

func NewMachine(cfg Config, startedAt time.Time) *Machine {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultConfig().StalenessThreshold
	}
	if cfg.RecoveryPolicy == "" {
		cfg.RecoveryPolicy = RecoveryAuto
	}
	if cfg.RecoveryMaxMessageAge <= 0 {
		cfg.RecoveryMaxMessageAge = DefaultConfig().RecoveryMaxMessageAge
	}

	return &Machine{
		cfg:       cfg,
		startedAt: startedAt,
		overlay:   OverlayNormal,
	}
}

// Overlay returns the current mode without evaluating.
func (m *Machine) Overlay() Overlay {
	return m.overlay
}

// Evaluate runs one step. A risk stop forces a halted policy independently
// of feed health. Off-session staleness never degrades: a silent feed
// outside trading hours is expected, not an incident.
func (m *Machine) Evaluate(now time.Time, inSession bool, fs Status, riskStop bool) Decision {
	var transition *Transition

	if inSession {
		switch m.overlay {
		case OverlayNormal:
			if m.shouldDegrade(now, fs) {
				transition = m.moveTo(OverlayDegradedFeed, now)
			}
		case OverlayDegradedFeed:
			if m.shouldRecover(now, fs) {
				transition = m.moveTo(OverlayNormal, now)
			}
		}
	}

	return Decision{
		Overlay:    m.overlay,
		Policy:     m.policy(riskStop),
		Transition: transition,
	}
}

func (m *Machine) shouldDegrade(now time.Time, fs Status) bool {
	if !fs.StreamingEnabled {
		return false
	}
	if now.Sub(m.startedAt) < m.cfg.StartupGrace {
		// Feed connections need time to warm up after process start.
		return false
	}
	return !fs.Connected || fs.MessageAge >= m.cfg.StalenessThreshold
}

func (m *Machine) shouldRecover(now time.Time, fs Status) bool {
	if m.cfg.RecoveryPolicy != RecoveryAuto {
		return false
	}

	healthy := fs.Connected && fs.MessageAge <= m.cfg.RecoveryMaxMessageAge
	if !healthy {
		m.recoverySince = time.Time{}
		return false
	}

	if m.recoverySince.IsZero() {
		m.recoverySince = now
		m.barsAtRecoveryStart = fs.CompletedBars
		return false
	}

	stableLongEnough := now.Sub(m.recoverySince) >= m.cfg.RecoveryStableFor
	enoughBars := fs.CompletedBars-m.barsAtRecoveryStart >= m.cfg.RecoveryMinBars

	return stableLongEnough && enoughBars
}

func (m *Machine) moveTo(next Overlay, now time.Time) *Transition {
	prev := m.overlay
	m.overlay = next

	switch next {
	case OverlayDegradedFeed:
		m.degradedSince = now
		m.recoverySince = time.Time{}
	case OverlayNormal:
		m.degradedSince = time.Time{}
		m.recoverySince = time.Time{}
	}

	return &Transition{From: prev, To: next}
}

// policy decouples "which source to trust" from "which source to keep
// trying": while degraded, REST is authoritative but the stream keeps
// attempting reconnection in the background.
func (m *Machine) policy(riskStop bool) Policy {
	p := Policy{ActiveFeedMode: FeedModeWS, WSShouldRun: true}
	if m.overlay == OverlayDegradedFeed {
		p.ActiveFeedMode = FeedModeREST
	}
	if riskStop {
		p.Halted = true
	}
	return p
}
