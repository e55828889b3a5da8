package gatt

import (
	"time"

	"github.com/sirupsen/logrus"
)

// RecoveryTier is the escalation ladder, in increasing severity.
type RecoveryTier int

const (
	TierNone RecoveryTier = iota
	// TierLocalRetry re-attempts the failed operation in place.
	TierLocalRetry
	// TierLinkReset tears the link down and restarts scanning.
	TierLinkReset
	// TierStackReset disables and re-enables the whole radio stack.
	TierStackReset
	// TierEmergencyReset is the last resort: a stack reset preceded by
	// the hardware-specific forced-reset hook.
	TierEmergencyReset
)

// String returns a short name for logging and status output.
func (t RecoveryTier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierLocalRetry:
		return "local_retry"
	case TierLinkReset:
		return "link_reset"
	case TierStackReset:
		return "stack_reset"
	case TierEmergencyReset:
		return "emergency_reset"
	default:
		return "unknown"
	}
}

// supervisor owns the process-wide recovery counters. The counters
// outlive any single connection; they are zeroed on every successful
// reach of steady state and on a full stack reset.
type supervisor struct {
	opts *Options
	log  *logrus.Logger
	now  func() time.Time

	discoveryFailures int // consecutive failures of the current discovery stage
	connectFailures   int // consecutive connection-create failures
	linkResets        []time.Time
	stackResets       int // tier-3 executions since last steady state
	lastFullReset     time.Time
	lastConnected     time.Time
	lastSteady        time.Time
	lastTier          RecoveryTier
}

func newSupervisor(opts *Options, log *logrus.Logger, now func() time.Time) *supervisor {
	return &supervisor{
		opts:          opts,
		log:           log,
		now:           now,
		lastConnected: now(),
	}
}

// onDiscoveryFailure records one failed discovery attempt and decides
// the response. A stage with max-retry N escalates exactly on the
// (N+1)-th consecutive failure, never earlier, never later.
func (s *supervisor) onDiscoveryFailure(stage DiscoveryStage, kind FailureKind) RecoveryTier {
	s.discoveryFailures++
	s.log.WithFields(logrus.Fields{
		"stage":    stage,
		"kind":     kind,
		"failures": s.discoveryFailures,
	}).Warn("Discovery stage failed")

	if s.discoveryFailures <= s.opts.DiscoveryRetryMax {
		s.lastTier = TierLocalRetry
		return TierLocalRetry
	}
	s.discoveryFailures = 0
	return s.escalateLinkReset()
}

// resetDiscoveryFailures clears the per-stage counter; called whenever
// a new connection is created.
func (s *supervisor) resetDiscoveryFailures() {
	s.discoveryFailures = 0
}

// onConnectFailure records one failed connection-create. Connection
// failures and discovery failures are tracked independently; they
// indicate different root causes.
func (s *supervisor) onConnectFailure() RecoveryTier {
	s.connectFailures++
	s.log.WithField("failures", s.connectFailures).Warn("Connection create failed")

	if s.connectFailures >= s.opts.ConnectFailureMax {
		s.connectFailures = 0
		return s.escalateStackReset()
	}
	s.lastTier = TierLocalRetry
	return TierLocalRetry
}

// onSubscribeExhausted is invoked when the subscription manager (or
// the supervisory timer acting in its stead) runs out of retries.
func (s *supervisor) onSubscribeExhausted() RecoveryTier {
	return s.escalateLinkReset()
}

// onSteadyState zeroes every counter; the link is connected and
// subscribed.
func (s *supervisor) onSteadyState() {
	s.discoveryFailures = 0
	s.connectFailures = 0
	s.linkResets = nil
	s.stackResets = 0
	s.lastSteady = s.now()
	s.lastTier = TierNone
}

// noteConnected marks a successful connection create for the
// time-based absence check.
func (s *supervisor) noteConnected() {
	s.lastConnected = s.now()
}

// escalateLinkReset records a tier-2 reset and bumps to tier 3 when
// the reset rate within the sliding window exceeds the threshold.
func (s *supervisor) escalateLinkReset() RecoveryTier {
	now := s.now()
	cutoff := now.Add(-s.opts.ResetRateWindow)
	kept := s.linkResets[:0]
	for _, t := range s.linkResets {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.linkResets = append(kept, now)

	if len(s.linkResets) > s.opts.LinkResetRateMax {
		s.linkResets = nil
		return s.escalateStackReset()
	}
	s.lastTier = TierLinkReset
	return TierLinkReset
}

// escalateStackReset records a tier-3 reset, bumping to tier 4 when
// tier 3 has already been exercised the configured number of times
// without reaching steady state, or when no connection has succeeded
// within the absence window.
func (s *supervisor) escalateStackReset() RecoveryTier {
	now := s.now()
	if s.stackResets >= s.opts.EmergencyStackResets ||
		now.Sub(s.lastConnected) > s.opts.LinkAbsenceWindow {
		s.stackResets = 0
		s.lastFullReset = now
		s.lastTier = TierEmergencyReset
		return TierEmergencyReset
	}
	s.stackResets++
	s.lastFullReset = now
	s.lastTier = TierStackReset
	return TierStackReset
}

// noteFullReset zeroes the windowed counters after a tier-3/4 reset
// completed.
func (s *supervisor) noteFullReset() {
	s.connectFailures = 0
	s.discoveryFailures = 0
	s.linkResets = nil
}
