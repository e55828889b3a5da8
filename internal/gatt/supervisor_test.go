package gatt

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, mutate func(*Options)) (*supervisor, *time.Time) {
	t.Helper()
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())
	if mutate != nil {
		mutate(opts)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	now := time.Unix(1700000000, 0)
	s := newSupervisor(opts, log, func() time.Time { return now })
	return s, &now
}

func TestDiscoveryRetryEscalatesOnExactCount(t *testing.T) {
	// GOAL: max-retry N means the (N+1)-th consecutive failure
	// escalates, never earlier and never later
	s, _ := newTestSupervisor(t, func(o *Options) { o.DiscoveryRetryMax = 2 })

	assert.Equal(t, TierLocalRetry, s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound))
	assert.Equal(t, TierLocalRetry, s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound))
	assert.Equal(t, TierLinkReset, s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound))

	// The escalation consumed the counter: the ladder starts over
	assert.Equal(t, TierLocalRetry, s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound))
}

func TestNewConnectionResetsDiscoveryCounter(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) { o.DiscoveryRetryMax = 2 })

	s.onDiscoveryFailure(StageRxCharSearch, DiscoveryNotFound)
	s.onDiscoveryFailure(StageRxCharSearch, DiscoveryNotFound)
	s.resetDiscoveryFailures()

	assert.Equal(t, TierLocalRetry, s.onDiscoveryFailure(StageRxCharSearch, DiscoveryNotFound))
}

func TestConnectFailuresTrackedIndependently(t *testing.T) {
	// GOAL: discovery failures never advance the connect-failure
	// counter and vice versa
	s, _ := newTestSupervisor(t, func(o *Options) {
		o.DiscoveryRetryMax = 10
		o.ConnectFailureMax = 3
	})

	s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound)
	s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound)

	assert.Equal(t, TierLocalRetry, s.onConnectFailure())
	assert.Equal(t, TierLocalRetry, s.onConnectFailure())
	assert.Equal(t, TierStackReset, s.onConnectFailure())
}

func TestLinkResetRateEscalatesToStackReset(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) {
		o.LinkResetRateMax = 2
		o.ResetRateWindow = 60 * time.Second
	})

	assert.Equal(t, TierLinkReset, s.escalateLinkReset())
	assert.Equal(t, TierLinkReset, s.escalateLinkReset())
	assert.Equal(t, TierStackReset, s.escalateLinkReset())
}

func TestLinkResetWindowSlides(t *testing.T) {
	// GOAL: resets older than the window fall out and no longer count
	// toward the rate
	s, now := newTestSupervisor(t, func(o *Options) {
		o.LinkResetRateMax = 2
		o.ResetRateWindow = 60 * time.Second
	})

	assert.Equal(t, TierLinkReset, s.escalateLinkReset())
	assert.Equal(t, TierLinkReset, s.escalateLinkReset())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, TierLinkReset, s.escalateLinkReset())
	assert.Equal(t, TierLinkReset, s.escalateLinkReset())
	assert.Equal(t, TierStackReset, s.escalateLinkReset())
}

func TestRepeatedStackResetsBecomeEmergency(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) { o.EmergencyStackResets = 2 })
	s.noteConnected()

	assert.Equal(t, TierStackReset, s.escalateStackReset())
	assert.Equal(t, TierStackReset, s.escalateStackReset())
	assert.Equal(t, TierEmergencyReset, s.escalateStackReset())

	// The emergency reset consumed the count
	assert.Equal(t, TierStackReset, s.escalateStackReset())
}

func TestLinkAbsenceForcesEmergencyReset(t *testing.T) {
	// GOAL: the time-based trigger fires regardless of how few stack
	// resets have happened
	s, now := newTestSupervisor(t, func(o *Options) {
		o.EmergencyStackResets = 100
		o.LinkAbsenceWindow = 3 * time.Minute
	})
	s.noteConnected()

	*now = now.Add(3*time.Minute + time.Second)
	assert.Equal(t, TierEmergencyReset, s.escalateStackReset())
}

func TestSteadyStateZeroesEverything(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) {
		o.DiscoveryRetryMax = 1
		o.ConnectFailureMax = 2
		o.LinkResetRateMax = 1
		o.EmergencyStackResets = 1
	})
	s.noteConnected()

	s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound)
	s.onConnectFailure()
	s.escalateLinkReset()
	s.escalateStackReset()

	s.onSteadyState()
	assert.Equal(t, TierNone, s.lastTier)

	// Every ladder starts from scratch again
	assert.Equal(t, TierLocalRetry, s.onDiscoveryFailure(StageServiceSearch, DiscoveryNotFound))
	assert.Equal(t, TierLocalRetry, s.onConnectFailure())
	assert.Equal(t, TierLinkReset, s.escalateLinkReset())
	assert.Equal(t, TierStackReset, s.escalateStackReset())
}

func TestSubscribeExhaustionIsLinkReset(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	assert.Equal(t, TierLinkReset, s.onSubscribeExhausted())
}

func TestFullResetClearsWindowedCounters(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) {
		o.LinkResetRateMax = 1
		o.ConnectFailureMax = 2
	})
	s.noteConnected()

	s.escalateLinkReset()
	s.onConnectFailure()
	s.noteFullReset()

	assert.Empty(t, s.linkResets)
	assert.Zero(t, s.connectFailures)
	assert.Zero(t, s.discoveryFailures)
}
