package gatt_test

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/rentscan/rentlink/internal/gatt"
	"github.com/rentscan/rentlink/internal/gatt/gattest"
)

const peerAddr = "00:11:22:33:44:55"

// CentralTestSuite drives the link state machine against the scripted
// backend with a manual scheduler and clock.
type CentralTestSuite struct {
	suitelib.Suite

	opts    *gatt.Options
	backend *gattest.Backend
	sched   *gattest.ManualScheduler
	clock   *gattest.FakeClock
	central *gatt.Central

	notified [][]byte
}

func TestCentralTestSuite(t *testing.T) {
	suitelib.Run(t, new(CentralTestSuite))
}

func (suite *CentralTestSuite) SetupTest() {
	suite.opts = gatt.DefaultOptions()
	suite.opts.DiscoveryRetryMax = 2
	suite.opts.SubscribeRetryMax = 2
	suite.opts.ConnectFailureMax = 5
	suite.opts.StackSettleDelay = 0
	suite.opts.StackOpRetryBackoff = 0

	suite.backend = gattest.NewBackend()
	suite.sched = gattest.NewManualScheduler()
	suite.clock = gattest.NewFakeClock()
	suite.notified = nil

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	central, err := gatt.NewCentral(suite.backend, suite.opts, logger)
	suite.Require().NoError(err)
	central.SetScheduler(suite.sched)
	central.SetClock(suite.clock.Now)
	central.SetNotificationSink(func(p []byte) {
		suite.notified = append(suite.notified, append([]byte(nil), p...))
	})
	suite.central = central
}

// drain delivers every queued event.
func (suite *CentralTestSuite) drain() {
	for suite.central.Step() {
	}
}

// tick fires every armed timer and drains the resulting events.
func (suite *CentralTestSuite) tick() {
	suite.sched.FireAll()
	suite.drain()
}

func (suite *CentralTestSuite) addRentalPeripheral() {
	suite.backend.AddPeripheral(gattest.RentalPeripheral(suite.opts, peerAddr))
}

// reachSteadyState starts the central and drains until the link is
// subscribed.
func (suite *CentralTestSuite) reachSteadyState() {
	suite.central.Start()
	suite.drain()
	st := suite.central.Status()
	suite.Require().True(st.Connected, "expected connected, status %+v", st)
	suite.Require().True(st.Subscribed, "expected subscribed, status %+v", st)
}

func (suite *CentralTestSuite) TestScenarioASteadyState() {
	// GOAL: name match -> connect -> ordered discovery -> subscribe ->
	// steady state with recovery counters at zero
	suite.addRentalPeripheral()
	suite.central.Start()
	suite.drain()

	st := suite.central.Status()
	suite.True(st.Connected)
	suite.True(st.Subscribed)
	suite.False(st.Scanning)
	suite.Equal(peerAddr, st.PeerAddr)
	suite.Equal(gatt.TierNone, st.LastTier)
	suite.Empty(st.LastError)

	// One pass through each pipeline stage, in order
	suite.Equal(1, suite.backend.ServiceDiscoveries)
	suite.Equal(2, suite.backend.CharDiscoveries)
	suite.Equal(1, suite.backend.DescDiscoveries)
	suite.Equal([]uint16{gatt.CccNotifyEnable}, suite.backend.CCCWrites)
}

func (suite *CentralTestSuite) TestMatchByServiceUUIDOnly() {
	// Peripheral advertises no usable name but carries the service UUID
	p := gattest.RentalPeripheral(suite.opts, peerAddr)
	p.Name = "garbled"
	suite.backend.AddPeripheral(p)

	suite.central.Start()
	suite.drain()
	suite.True(suite.central.Status().Connected)
}

func (suite *CentralTestSuite) TestNonMatchingAdvertisementIgnored() {
	suite.backend.AddPeripheral(gattest.NewPeripheralBuilder().
		WithAddress("aa:aa:aa:aa:aa:aa").
		WithName("Thermostat").
		WithAdvertisedServices("180f").
		Build())

	suite.central.Start()
	suite.drain()

	st := suite.central.Status()
	suite.False(st.Connected)
	suite.True(st.Scanning)
	suite.Zero(suite.backend.Connects)
}

func (suite *CentralTestSuite) TestScenarioBDiscoveryExhaustionLinkReset() {
	// GOAL: ServiceSearch exhausts (retry max 2) three times in a row,
	// each retry deferred through the scheduler with a linearly
	// increasing backoff, then tier-2 link reset runs and the scanner
	// restarts
	suite.backend.AddPeripheral(gattest.NewPeripheralBuilder().
		WithAddress(peerAddr).
		WithName(suite.opts.PeerName).
		Build()) // no attribute table at all

	suite.central.Start()
	suite.drain()

	// The first failure arms a deferred retry instead of re-issuing
	// the request in place
	suite.Equal(1, suite.backend.ServiceDiscoveries)
	suite.Equal(suite.opts.DiscoveryRetryBackoff, suite.sched.LastDelay())

	suite.tick()
	suite.Equal(2, suite.backend.ServiceDiscoveries)
	suite.Equal(2*suite.opts.DiscoveryRetryBackoff, suite.sched.LastDelay())

	suite.tick()

	// Escalates exactly on the third consecutive failure, never
	// earlier, never later
	suite.Equal(3, suite.backend.ServiceDiscoveries)
	st := suite.central.Status()
	suite.False(st.Connected)
	suite.Equal(gatt.TierLinkReset, st.LastTier)
	suite.GreaterOrEqual(suite.backend.Disconnects, 1)

	// The settle timer restarts scanning without any external trigger
	scans := suite.backend.ScanStarts
	suite.tick()
	suite.Greater(suite.backend.ScanStarts, scans)
}

func (suite *CentralTestSuite) TestScenarioCConnectFailuresStackReset() {
	// GOAL: five consecutive connection-create failures within the
	// window trigger a tier-3 stack reset, after which the counters
	// are clear and the next attempt succeeds
	suite.addRentalPeripheral()
	for i := 0; i < 5; i++ {
		suite.backend.ConnectErrs = append(suite.backend.ConnectErrs, fmt.Errorf("conn create %d", i))
	}

	suite.central.Start()
	suite.drain()

	for suite.backend.Disables == 0 {
		suite.Require().Positive(suite.sched.Pending(), "no timers left before stack reset")
		suite.tick()
	}

	// Five failed creates plus the successful attempt right after the
	// stack came back
	suite.Equal(6, suite.backend.Connects)
	suite.Equal(1, suite.backend.Disables)
	suite.Equal(1, suite.backend.Enables)

	// Scanning resumed right after the reset and the sixth attempt
	// reached steady state; steady state zeroes the counters
	st := suite.central.Status()
	suite.True(st.Connected)
	suite.True(st.Subscribed)
	suite.Equal(gatt.TierNone, st.LastTier)
}

func (suite *CentralTestSuite) TestScenarioDUnsubscribeSignalAndResubscribe() {
	// GOAL: empty notification clears the subscription but keeps the
	// link; the supervisory timer re-subscribes after the grace period
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	h := suite.backend.LastHandle()

	suite.backend.Notify(h, nil)
	suite.drain()

	st := suite.central.Status()
	suite.True(st.Connected)
	suite.False(st.Subscribed)

	// Within the grace period the supervisor leaves the link alone
	suite.tick()
	suite.False(suite.central.Status().Subscribed)

	suite.clock.Advance(suite.opts.SubscribeGracePeriod + time.Second)
	suite.tick()

	st = suite.central.Status()
	suite.True(st.Connected)
	suite.True(st.Subscribed)
	suite.Equal([]uint16{gatt.CccNotifyEnable, gatt.CccNotifyEnable}, suite.backend.CCCWrites)
}

func (suite *CentralTestSuite) TestScenarioESendWithoutConnection() {
	err := suite.central.Send([]byte("rental-state"))
	suite.Require().Error(err)
	suite.True(errors.Is(err, gatt.ErrNotConnected))
	suite.Zero(suite.backend.Connects)
	suite.Empty(suite.backend.Written)
}

func (suite *CentralTestSuite) TestSendAndNotifyBridge() {
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	h := suite.backend.LastHandle()

	suite.Require().NoError(suite.central.Send([]byte{0x01, 0x02}))
	suite.Equal([][]byte{{0x01, 0x02}}, suite.backend.Written)

	suite.backend.Notify(h, []byte("available"))
	suite.drain()
	suite.Equal([][]byte{[]byte("available")}, suite.notified)
}

func (suite *CentralTestSuite) TestDisconnectClearsStateAndRescans() {
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	h := suite.backend.LastHandle()

	suite.backend.KillConnection(h)
	suite.drain()

	st := suite.central.Status()
	suite.False(st.Connected)
	suite.False(st.Subscribed)
	suite.True(errors.Is(suite.central.Send([]byte("x")), gatt.ErrNotConnected))

	// Scanning restarts within the settle delay and the link recovers
	suite.Equal(suite.opts.SettleDelay, suite.sched.LastDelay())
	suite.tick()
	suite.True(suite.central.Status().Connected)
}

func (suite *CentralTestSuite) TestStaleCallbacksRejected() {
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	h := suite.backend.LastHandle()
	stale := h + 42

	before := suite.central.Status()

	suite.central.Deliver(gatt.Event{Type: gatt.EvDisconnected, Conn: stale})
	suite.central.Deliver(gatt.Event{
		Type: gatt.EvAttributeFound,
		Conn: stale,
		Attr: gatt.Attr{UUID: suite.opts.ServiceUUID, Handle: 1, EndHandle: 9},
	})
	suite.central.Deliver(gatt.Event{Type: gatt.EvSubscribeResult, Conn: stale, Err: fmt.Errorf("boom")})
	suite.central.Deliver(gatt.Event{Type: gatt.EvNotifyReceived, Conn: stale, Payload: []byte("spoof")})

	suite.Equal(before, suite.central.Status())
	suite.Empty(suite.notified)
}

func (suite *CentralTestSuite) TestReplacedLinkIdentityNeverAliases() {
	// GOAL: a reconnect gets a fresh connection identity, never a
	// recycled one, so late callbacks from the dead link stay stale
	// even after a new link is live
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	old := suite.backend.LastHandle()

	suite.backend.KillConnection(old)
	suite.drain()
	suite.tick() // settle timer -> rescan -> reconnect

	suite.Require().True(suite.central.Status().Subscribed)
	suite.NotEqual(old, suite.backend.LastHandle())

	before := suite.central.Status()
	suite.central.Deliver(gatt.Event{Type: gatt.EvNotifyReceived, Conn: old, Payload: []byte("ghost")})
	suite.central.Deliver(gatt.Event{Type: gatt.EvDisconnected, Conn: old})
	suite.central.Deliver(gatt.Event{Type: gatt.EvSubscribeResult, Conn: old, Err: fmt.Errorf("late failure")})

	suite.Equal(before, suite.central.Status())
	suite.Empty(suite.notified)
}

func (suite *CentralTestSuite) TestStaleContextDetectedBySupervisor() {
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	h := suite.backend.LastHandle()

	// The stack forgets the handle without delivering a disconnect
	suite.backend.DropConnection(h)
	suite.tick()

	st := suite.central.Status()
	suite.False(st.Connected)
	suite.Equal(gatt.TierLinkReset, st.LastTier)

	// Settle timer brings the link back
	suite.tick()
	suite.True(suite.central.Status().Connected)
}

func (suite *CentralTestSuite) TestSubscribeRetriesThenSuccess() {
	suite.addRentalPeripheral()
	suite.backend.SubscribeErrs = []error{
		fmt.Errorf("ccc write rejected"),
		fmt.Errorf("ccc write rejected"),
	}

	suite.central.Start()
	suite.drain()
	suite.False(suite.central.Status().Subscribed)

	suite.tick() // first retry, fails
	suite.tick() // second retry, succeeds

	suite.True(suite.central.Status().Subscribed)
	suite.Len(suite.backend.CCCWrites, 3)
}

func (suite *CentralTestSuite) TestSubscribeExhaustionEscalates() {
	suite.addRentalPeripheral()
	for i := 0; i < 4; i++ {
		suite.backend.SubscribeErrs = append(suite.backend.SubscribeErrs, fmt.Errorf("ccc write rejected"))
	}

	suite.central.Start()
	suite.drain()
	suite.tick()
	suite.tick()

	// Retry max 2: the third consecutive failure escalates to tier 2
	suite.Len(suite.backend.CCCWrites, 3)
	st := suite.central.Status()
	suite.False(st.Connected)
	suite.Equal(gatt.TierLinkReset, st.LastTier)
}

func (suite *CentralTestSuite) TestAlreadySubscribedIsSuccess() {
	suite.addRentalPeripheral()
	suite.backend.SubscribeErrs = []error{fmt.Errorf("notifications already enabled")}

	suite.central.Start()
	suite.drain()

	st := suite.central.Status()
	suite.True(st.Subscribed)
	suite.Equal(gatt.TierNone, st.LastTier)
}

func (suite *CentralTestSuite) TestSubscribeHelloSentOnSteadyState() {
	suite.opts.SubscribeHello = "hello"
	suite.addRentalPeripheral()
	suite.reachSteadyState()
	suite.Equal([][]byte{[]byte("hello")}, suite.backend.Written)
}

func (suite *CentralTestSuite) TestScanBusyRetriesWithLinearBackoff() {
	suite.opts.ScanRetryMax = 2

	busy := fmt.Errorf("radio busy")
	suite.central.Deliver(gatt.Event{Type: gatt.EvScanFailed, Err: busy})
	suite.Equal(suite.opts.ScanRetryBackoff, suite.sched.LastDelay())

	suite.central.Deliver(gatt.Event{Type: gatt.EvScanFailed, Err: busy})
	suite.Equal(2*suite.opts.ScanRetryBackoff, suite.sched.LastDelay())

	// Third consecutive busy exhausts the bounded retries
	pending := suite.sched.Pending()
	suite.central.Deliver(gatt.Event{Type: gatt.EvScanFailed, Err: busy})
	suite.Equal(pending, suite.sched.Pending())
	suite.NotEmpty(suite.central.Status().LastError)
}

func (suite *CentralTestSuite) TestSupervisorRestartsAbandonedScan() {
	suite.addRentalPeripheral()
	suite.backend.ScanStartErrs = []error{fmt.Errorf("scan init failed")}

	suite.central.Start()
	suite.drain()
	suite.False(suite.central.Status().Scanning)

	suite.tick()
	suite.True(suite.central.Status().Connected)
}

func (suite *CentralTestSuite) TestEmergencyResetAfterRepeatedStackResets() {
	// Tier 4 fires once tier 3 has been exercised the configured
	// number of times without reaching steady state
	suite.opts.ConnectFailureMax = 1
	suite.opts.EmergencyStackResets = 2
	forced := 0
	suite.central.SetForcedResetHook(func() { forced++ })
	suite.addRentalPeripheral()
	for i := 0; i < 3; i++ {
		suite.backend.ConnectErrs = append(suite.backend.ConnectErrs, fmt.Errorf("conn create failed"))
	}

	suite.central.Start()
	suite.drain() // failure 1 -> stack reset 1, rescan, failure 2 -> stack reset 2, rescan, failure 3 -> emergency

	suite.Equal(1, forced)
	suite.Equal(3, suite.backend.Disables)
	st := suite.central.Status()
	suite.True(st.Connected, "link recovers after the emergency reset")
}

func (suite *CentralTestSuite) TestSecondMatchDuringConnectIgnored() {
	// GOAL: at most one in-flight connection attempt; a second match
	// arriving before the first connect resolves is ignored
	suite.addRentalPeripheral()
	second := gattest.RentalPeripheral(suite.opts, "66:77:88:99:aa:bb")
	suite.backend.AddPeripheral(second)

	suite.central.Start()
	suite.drain()

	require.Equal(suite.T(), 1, suite.backend.Connects)
	suite.Equal(peerAddr, suite.central.Status().PeerAddr)
}
