package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NotificationSink receives inbound notification payloads verbatim.
// The bytes are opaque to the link layer; the rental backend interprets
// their structure. Implementations must not retain the slice.
type NotificationSink func(payload []byte)

// ForcedResetHook is the hardware-specific last-resort reset invoked
// during an emergency recovery, before the stack is re-enabled.
type ForcedResetHook func()

// Status is the queryable snapshot of the link state machine.
type Status struct {
	Connected  bool
	Subscribed bool
	Scanning   bool
	PeerAddr   string
	LastTier   RecoveryTier
	LastError  string
}

// Central is the GATT central state machine: it scans for the
// peripheral, connects, drives the discovery pipeline, subscribes to
// notifications and bridges payloads, escalating through the recovery
// tiers on failure.
//
// All events are processed to completion one at a time. External
// callers (Send, Status) synchronize through the same mutex; no
// callback blocks except for the short stabilization delays inside
// recovery-tier transitions.
type Central struct {
	mu      sync.Mutex
	backend Backend
	opts    *Options
	log     *logrus.Logger
	sched   Scheduler
	now     func() time.Time

	filter Filter
	cache  *advCache
	sup    *supervisor

	sink        NotificationSink
	forcedReset ForcedResetHook

	events chan Event

	// epoch invalidates deferred work items scheduled before a major
	// transition (link create/destroy, stack reset)
	epoch uint64

	scanning        bool
	scanAttempts    int
	connectInFlight bool

	link       *Link
	cursor     *discoveryCursor
	sub        *subscriptionRecord
	subscribed bool
	// when the current link entered (or re-entered) the
	// connected-but-not-subscribed condition
	subPendingSince time.Time

	lastErr error
	started bool
}

// NewCentral builds the state machine over the given backend. opts is
// validated and its UUID fields normalized in place.
func NewCentral(backend Backend, opts *Options, logger *logrus.Logger) (*Central, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Central{
		backend: backend,
		opts:    opts,
		log:     logger,
		sched:   NewScheduler(),
		now:     time.Now,
		filter:  NewFilter(opts),
		cache:   newAdvCache(),
		events:  make(chan Event, 256),
	}
	c.sup = newSupervisor(opts, logger, func() time.Time { return c.now() })
	backend.Bind(c.Post)
	return c, nil
}

// SetNotificationSink registers the consumer of inbound payloads.
func (c *Central) SetNotificationSink(sink NotificationSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetForcedResetHook registers the hardware emergency-reset hook.
func (c *Central) SetForcedResetHook(hook ForcedResetHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedReset = hook
}

// SetScheduler replaces the deferred-work scheduler. Must be called
// before Start.
func (c *Central) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched = s
}

// SetClock replaces the time source used by the recovery windows.
// Must be called before Start.
func (c *Central) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.sup.lastConnected = now()
}

// Post enqueues an event for the dispatcher. Safe to call from any
// goroutine; it never processes the event in place.
func (c *Central) Post(ev Event) {
	c.events <- ev
}

// Step delivers at most one queued event and reports whether one was
// processed. Used by tests to drain the queue deterministically.
func (c *Central) Step() bool {
	select {
	case ev := <-c.events:
		c.Deliver(ev)
		return true
	default:
		return false
	}
}

// Start arms the supervisory timer and begins scanning. Idempotent.
func (c *Central) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.scheduleTimer(TimerSupervisor, c.opts.SupervisorPeriod)
	c.startScanLocked()
}

// Run starts the state machine and processes events until the context
// is cancelled.
func (c *Central) Run(ctx context.Context) error {
	c.Start()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.stopScanLocked()
			link := c.link
			c.mu.Unlock()
			if link != nil {
				if err := c.backend.Disconnect(link.Handle); err != nil {
					c.log.WithError(err).Warn("Disconnect on shutdown failed")
				}
			}
			return ctx.Err()
		case ev := <-c.events:
			c.Deliver(ev)
		}
	}
}

// Deliver processes one event to completion.
func (c *Central) Deliver(ev Event) {
	c.mu.Lock()
	after := c.handle(ev)
	c.mu.Unlock()
	// Sink invocation happens outside the lock so the consumer may
	// call Send from the callback.
	if after != nil {
		after()
	}
}

// Send writes an outbound payload to the RX characteristic without
// response. Fails synchronously with NotConnected when no link exists
// or the RX handle is not yet discovered; never escalates.
func (c *Central) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(payload)
}

func (c *Central) sendLocked(payload []byte) error {
	if c.link == nil || c.cursor == nil || c.cursor.rxHandle == 0 {
		return ErrNotConnected
	}
	return NormalizeError(c.backend.WriteCommand(c.link.Handle, c.cursor.rxHandle, payload))
}

// Status returns the current link snapshot.
func (c *Central) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Connected:  c.link != nil,
		Subscribed: c.subscribed,
		Scanning:   c.scanning,
		LastTier:   c.sup.lastTier,
	}
	if c.link != nil {
		st.PeerAddr = c.link.Addr
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Devices returns the advertisers seen since scanning began.
func (c *Central) Devices() []AdvInfo {
	return c.cache.Snapshot()
}

// ----------------------------
// Dispatcher
// ----------------------------

// handle is the single dispatch point for every stack callback. It
// runs with the mutex held and may return a closure to run after the
// lock is released.
func (c *Central) handle(ev Event) func() {
	switch ev.Type {
	case EvScanResult:
		c.handleScanResult(ev)
	case EvScanFailed:
		c.handleScanFailed(ev.Err)
	case EvConnected:
		c.handleConnected(ev)
	case EvDisconnected:
		c.handleDisconnected(ev)
	case EvAttributeFound:
		c.handleAttributeFound(ev)
	case EvAttributeSearchExhausted:
		c.handleSearchExhausted(ev)
	case EvSubscribeResult:
		return c.handleSubscribeResult(ev)
	case EvNotifyReceived:
		return c.handleNotify(ev)
	case EvTimer:
		c.handleTimer(ev)
	default:
		c.log.WithField("type", ev.Type).Warn("Dropping unknown event")
	}
	return nil
}

// ----------------------------
// Scanning
// ----------------------------

func (c *Central) startScanLocked() {
	if c.scanning {
		return
	}
	err := NormalizeError(c.backend.StartScan(c.opts.ScanParams()))
	switch {
	case err == nil:
		c.scanning = true
		c.scanAttempts = 0
		c.log.WithFields(logrus.Fields{
			"interval": c.opts.ScanInterval,
			"window":   c.opts.ScanWindow,
		}).Info("Scanning started")
	case errors.Is(err, ErrScanBusy):
		c.retryScanLocked(err)
	default:
		// Non-transient: abandon until the supervisory timer or the
		// recovery supervisor restarts scanning.
		c.lastErr = fmt.Errorf("%w: %v", ErrScanFatal, err)
		c.scanAttempts = 0
		c.log.WithError(err).Error("Scan start failed, waiting for supervisor")
	}
}

func (c *Central) retryScanLocked(err error) {
	c.scanAttempts++
	if c.scanAttempts > c.opts.ScanRetryMax {
		c.lastErr = err
		c.scanAttempts = 0
		c.log.WithError(err).Error("Scan retries exhausted, waiting for supervisor")
		return
	}
	// Linearly increasing backoff
	delay := c.opts.ScanRetryBackoff * time.Duration(c.scanAttempts)
	c.log.WithFields(logrus.Fields{
		"attempt": c.scanAttempts,
		"delay":   delay,
	}).Warn("Radio busy, retrying scan start")
	c.scheduleTimer(TimerScanRetry, delay)
}

func (c *Central) stopScanLocked() {
	if !c.scanning {
		return
	}
	c.scanning = false
	if err := c.backend.StopScan(); err != nil {
		c.log.WithError(err).Warn("Scan stop failed")
	}
}

func (c *Central) handleScanResult(ev Event) {
	existed := c.cache.Observe(AdvInfo{
		Addr:     ev.Addr,
		Name:     ev.Name,
		RSSI:     ev.RSSI,
		Services: ev.Services,
		LastSeen: c.now(),
		Matched:  c.filter.Match(ev.Name, ev.Services),
	})

	// At most one in-flight connection attempt: a second match before
	// the first connect resolves is ignored.
	if c.link != nil || c.connectInFlight {
		return
	}
	if !c.filter.Match(ev.Name, ev.Services) {
		return
	}

	if !existed {
		c.log.WithFields(logrus.Fields{
			"name":    ev.Name,
			"address": ev.Addr,
			"rssi":    ev.RSSI,
		}).Info("Peripheral matched")
	}

	// Stop immediately so later reports of the same device cannot
	// trigger duplicate connection attempts.
	c.stopScanLocked()
	c.connectLocked(ev.Addr)
}

func (c *Central) handleScanFailed(err error) {
	c.scanning = false
	err = NormalizeError(err)
	if errors.Is(err, ErrScanBusy) {
		c.retryScanLocked(err)
		return
	}
	c.lastErr = fmt.Errorf("%w: %v", ErrScanFatal, err)
	c.log.WithError(err).Error("Scanning failed, waiting for supervisor")
}

// ----------------------------
// Connection manager
// ----------------------------

func (c *Central) connectLocked(addr string) {
	// A second connect while the stack privately holds a prior handle
	// live is the dominant source of fatal invalid-argument failures:
	// validate and tear down any stale context first.
	if c.link != nil {
		if c.backend.IsConnected(c.link.Handle) {
			c.log.WithField("address", addr).Warn("Connect requested while already connected, ignoring")
			return
		}
		c.log.WithFields(logrus.Fields{
			"stale_handle": c.link.Handle,
			"address":      c.link.Addr,
		}).Warn("Tearing down stale connection context before connect")
		if err := c.backend.Disconnect(c.link.Handle); err != nil {
			c.log.WithError(err).Debug("Stale disconnect failed")
		}
		c.clearLinkLocked()
	}

	c.connectInFlight = true
	c.log.WithField("address", addr).Info("Connecting")
	if err := NormalizeError(c.backend.Connect(addr, c.opts.ConnParams())); err != nil {
		c.connectInFlight = false
		c.handleConnectFailureLocked(err)
	}
}

func (c *Central) handleConnected(ev Event) {
	c.connectInFlight = false

	if ev.Err != nil {
		// Partial context, if any, dies here. Connection failures are
		// escalated independently of discovery failures.
		c.handleConnectFailureLocked(NormalizeError(ev.Err))
		return
	}

	c.epoch++
	c.link = &Link{
		Handle: ev.Conn,
		Addr:   ev.Addr,
		Params: c.opts.ConnParams(),
	}
	c.cursor = newDiscoveryCursor(c.opts)
	c.sub = nil
	c.subscribed = false
	c.subPendingSince = c.now()
	c.sup.resetDiscoveryFailures()
	c.sup.noteConnected()

	c.log.WithFields(logrus.Fields{
		"address": ev.Addr,
		"handle":  ev.Conn,
	}).Info("Connected, starting discovery")

	if err := c.cursor.issue(c.backend, c.link.Handle); err != nil {
		c.handleDiscoveryFailureLocked(DiscoveryNotFound, err)
	}
}

func (c *Central) handleConnectFailureLocked(err error) {
	c.lastErr = fmt.Errorf("%w: %v", ErrConnectFailed, err)
	switch tier := c.sup.onConnectFailure(); tier {
	case TierLocalRetry:
		// Retry means going back through the scanner.
		c.scheduleTimer(TimerSettleRescan, c.opts.SettleDelay)
	default:
		c.executeTierLocked(tier)
	}
}

func (c *Central) handleDisconnected(ev Event) {
	if !c.link.matches(ev.Conn) {
		c.log.WithField("handle", ev.Conn).Debug("Dropping stale disconnect")
		return
	}
	c.log.WithFields(logrus.Fields{
		"address": c.link.Addr,
		"handle":  ev.Conn,
	}).Warn("Disconnected")

	// Baseline liveness: no external trigger is needed to resume
	// operation after any disconnect.
	c.clearLinkLocked()
	c.scheduleTimer(TimerSettleRescan, c.opts.SettleDelay)
}

// clearLinkLocked releases the connection context and every piece of
// state that must not outlive it.
func (c *Central) clearLinkLocked() {
	c.epoch++
	c.link = nil
	c.cursor = nil
	c.sub = nil
	c.subscribed = false
	c.connectInFlight = false
}

// ----------------------------
// Discovery engine
// ----------------------------

func (c *Central) handleAttributeFound(ev Event) {
	if !c.link.matches(ev.Conn) || c.cursor == nil {
		c.log.WithField("handle", ev.Conn).Debug("Dropping stale discovery result")
		return
	}

	stage := c.cursor.stage
	switch c.cursor.accept(ev.Attr, c.opts) {
	case outcomeAdvanced:
		c.log.WithFields(logrus.Fields{
			"stage": stage,
			"next":  c.cursor.stage,
			"uuid":  ShortenUUID(ev.Attr.UUID),
		}).Debug("Discovery stage complete")
		if c.cursor.stage == StageDone {
			c.beginSubscribeLocked()
			return
		}
		if err := c.cursor.issue(c.backend, c.link.Handle); err != nil {
			c.handleDiscoveryFailureLocked(DiscoveryNotFound, err)
		}
	case outcomeContinue:
		// Out-of-range match; keep searching the rest of the window.
		if err := c.cursor.issue(c.backend, c.link.Handle); err != nil {
			c.handleDiscoveryFailureLocked(DiscoveryNotFound, err)
		}
	case outcomeExhausted:
		c.handleDiscoveryFailureLocked(DiscoveryNotFound, nil)
	case outcomeMalformed:
		c.handleDiscoveryFailureLocked(DiscoveryMalformed, nil)
	}
}

func (c *Central) handleSearchExhausted(ev Event) {
	if !c.link.matches(ev.Conn) || c.cursor == nil {
		c.log.WithField("handle", ev.Conn).Debug("Dropping stale discovery result")
		return
	}
	c.handleDiscoveryFailureLocked(DiscoveryNotFound, nil)
}

func (c *Central) handleDiscoveryFailureLocked(kind FailureKind, cause error) {
	if cause != nil {
		c.lastErr = fmt.Errorf("%s: %w", kind, cause)
	} else {
		c.lastErr = &LinkError{Kind: kind}
	}

	tier := c.sup.onDiscoveryFailure(c.cursor.stage, kind)
	if tier != TierLocalRetry {
		c.executeTierLocked(tier)
		return
	}

	// Backoff multiplied by the consecutive-failure count, like the
	// scan and subscribe retries.
	delay := c.opts.DiscoveryRetryBackoff * time.Duration(c.sup.discoveryFailures)
	c.cursor.restart()
	c.scheduleTimer(TimerDiscoveryRetry, delay)
}

// ----------------------------
// Subscription manager
// ----------------------------

func (c *Central) beginSubscribeLocked() {
	c.sub = newSubscriptionRecord(c.cursor)
	c.log.WithFields(logrus.Fields{
		"tx_handle":  c.sub.txHandle,
		"ccc_handle": c.sub.cccHandle,
	}).Info("Discovery complete, subscribing")
	if err := NormalizeError(c.sub.write(c.backend, c.link.Handle)); err != nil {
		c.handleSubscribeFailureLocked(err)
	}
}

func (c *Central) handleSubscribeResult(ev Event) func() {
	if !c.link.matches(ev.Conn) || c.sub == nil {
		c.log.WithField("handle", ev.Conn).Debug("Dropping stale subscribe result")
		return nil
	}

	err := NormalizeError(ev.Err)
	if err != nil && !errors.Is(err, ErrAlreadySubscribed) {
		c.handleSubscribeFailureLocked(err)
		return nil
	}

	// Steady state reached.
	c.sub.active = true
	c.subscribed = true
	c.lastErr = nil
	c.sup.onSteadyState()
	c.log.WithField("address", c.link.Addr).Info("Subscribed, link in steady state")

	if hello := c.opts.SubscribeHello; hello != "" {
		if err := c.sendLocked([]byte(hello)); err != nil {
			c.log.WithError(err).Warn("Failed to send subscription confirmation")
		}
	}
	return nil
}

func (c *Central) handleSubscribeFailureLocked(err error) {
	c.lastErr = fmt.Errorf("%w: %v", ErrSubscribeFailed, err)

	if c.sub.attempts <= c.opts.SubscribeRetryMax {
		// Backoff multiplied by the attempt number
		delay := c.opts.SubscribeRetryBackoff * time.Duration(c.sub.attempts)
		c.log.WithFields(logrus.Fields{
			"attempt": c.sub.attempts,
			"delay":   delay,
		}).Warn("Subscribe failed, retrying")
		c.scheduleTimer(TimerSubscribeRetry, delay)
		return
	}

	c.log.WithError(err).Error("Subscribe retries exhausted")
	c.executeTierLocked(c.sup.onSubscribeExhausted())
}

// ----------------------------
// Notification/write bridge
// ----------------------------

func (c *Central) handleNotify(ev Event) func() {
	if !c.link.matches(ev.Conn) {
		c.log.WithField("handle", ev.Conn).Debug("Dropping stale notification")
		return nil
	}

	if len(ev.Payload) == 0 {
		// The stack zeroes the value handle to signal "unsubscribed":
		// the link stays connected, the supervisory timer notices the
		// connected-but-not-subscribed condition and re-subscribes.
		c.log.Warn("Empty notification, subscription lost")
		c.sub = nil
		c.subscribed = false
		c.subPendingSince = c.now()
		return nil
	}

	sink := c.sink
	if sink == nil {
		return nil
	}
	payload := ev.Payload
	return func() { sink(payload) }
}

// ----------------------------
// Timers and supervisory checks
// ----------------------------

func (c *Central) scheduleTimer(kind TimerKind, d time.Duration) {
	ep := c.epoch
	c.sched.After(d, func() {
		c.Post(Event{Type: EvTimer, Timer: kind, Epoch: ep})
	})
}

func (c *Central) handleTimer(ev Event) {
	// The supervisory timer is process-wide; everything else belongs
	// to the epoch it was armed in.
	if ev.Timer != TimerSupervisor && ev.Epoch != c.epoch {
		return
	}

	switch ev.Timer {
	case TimerScanRetry, TimerSettleRescan:
		if c.link == nil && !c.connectInFlight {
			c.startScanLocked()
		}
	case TimerDiscoveryRetry:
		if c.link != nil && c.cursor != nil && !c.cursor.complete() {
			if err := c.cursor.issue(c.backend, c.link.Handle); err != nil {
				// The retry request itself was rejected; count it as
				// another failure of the same stage.
				c.handleDiscoveryFailureLocked(DiscoveryNotFound, err)
			}
		}
	case TimerSubscribeRetry:
		if c.link != nil && c.sub != nil && !c.subscribed {
			if err := NormalizeError(c.sub.write(c.backend, c.link.Handle)); err != nil {
				c.handleSubscribeFailureLocked(err)
			}
		}
	case TimerSupervisor:
		c.superviseLocked()
		c.scheduleTimer(TimerSupervisor, c.opts.SupervisorPeriod)
	}
}

// superviseLocked performs the periodic liveness checks: scanning must
// be active whenever no link exists, and a link that has sat
// connected-but-not-subscribed past the grace period is recovered.
func (c *Central) superviseLocked() {
	if c.link == nil {
		if !c.connectInFlight && !c.scanning {
			c.log.Info("Supervisor: no link and not scanning, restarting scan")
			c.startScanLocked()
		}
		// Independent time-based check: no successful connection for
		// too long forces the emergency tier.
		if c.now().Sub(c.sup.lastConnected) > c.opts.LinkAbsenceWindow {
			c.log.Error("Supervisor: link absent past window")
			c.sup.lastConnected = c.now()
			c.executeTierLocked(TierEmergencyReset)
		}
		return
	}

	// A link the stack privately invalidated without a disconnect
	// callback is a stale context the connection manager cannot
	// resolve by disconnect alone.
	if !c.backend.IsConnected(c.link.Handle) {
		c.log.WithField("handle", c.link.Handle).Warn("Supervisor: stale connection context detected")
		c.executeTierLocked(TierLinkReset)
		return
	}

	if c.subscribed {
		return
	}
	if c.now().Sub(c.subPendingSince) <= c.opts.SubscribeGracePeriod {
		return
	}

	if c.sub == nil && c.cursor != nil && c.cursor.complete() {
		// Subscription was lost after a completed discovery
		// (unsubscribe notification); re-trigger it.
		c.log.Warn("Supervisor: connected but not subscribed, re-subscribing")
		c.subPendingSince = c.now()
		c.beginSubscribeLocked()
		return
	}

	// Discovery never completed within the grace period; escalate as
	// an exhausted subscription manager would.
	c.log.Warn("Supervisor: subscription incomplete past grace period")
	c.subPendingSince = c.now()
	c.executeTierLocked(c.sup.onSubscribeExhausted())
}

// ----------------------------
// Recovery tiers
// ----------------------------

func (c *Central) executeTierLocked(tier RecoveryTier) {
	if tier > TierNone {
		c.sup.lastTier = tier
	}
	switch tier {
	case TierLinkReset:
		c.linkResetLocked()
	case TierStackReset:
		c.stackResetLocked(false)
	case TierEmergencyReset:
		c.stackResetLocked(true)
	}
}

// linkResetLocked is tier 2: unsubscribe if subscribed, disconnect if
// connected, clear all per-connection state, settle, rescan.
func (c *Central) linkResetLocked() {
	c.log.Warn("Recovery: link reset")
	if c.link != nil {
		if c.subscribed && c.sub != nil {
			if err := c.backend.WriteCCC(c.link.Handle, c.sub.cccHandle, CccNotifyDisable); err != nil {
				c.log.WithError(err).Debug("Unsubscribe during link reset failed")
			}
		}
		if err := c.backend.Disconnect(c.link.Handle); err != nil {
			c.log.WithError(err).Debug("Disconnect during link reset failed")
		}
	}
	c.stopScanLocked()
	c.clearLinkLocked()
	c.scheduleTimer(TimerSettleRescan, c.opts.SettleDelay)
}

// stackResetLocked is tier 3 (and tier 4 when emergency): disable and
// re-enable the whole radio stack, then restart scanning once it is
// back. The short stabilization delays here are the only blocking
// points in the subsystem.
func (c *Central) stackResetLocked(emergency bool) {
	c.log.WithField("emergency", emergency).Error("Recovery: stack reset")

	c.stopScanLocked()
	if c.link != nil {
		if err := c.backend.Disconnect(c.link.Handle); err != nil {
			c.log.WithError(err).Debug("Disconnect during stack reset failed")
		}
	}
	c.clearLinkLocked()

	c.retryStackOp("disable", c.backend.Disable)
	time.Sleep(c.opts.StackSettleDelay)

	if emergency && c.forcedReset != nil {
		c.forcedReset()
	}

	c.retryStackOp("enable", c.backend.Enable)
	c.sup.noteFullReset()
	c.startScanLocked()
}

// retryStackOp runs a stack disable/enable call, which can itself
// report transient busy errors, with bounded retries.
func (c *Central) retryStackOp(name string, op func() error) {
	var err error
	for attempt := 1; attempt <= c.opts.StackOpRetryMax+1; attempt++ {
		err = NormalizeError(op())
		if err == nil {
			return
		}
		if !errors.Is(err, ErrScanBusy) {
			break
		}
		time.Sleep(c.opts.StackOpRetryBackoff * time.Duration(attempt))
	}
	c.log.WithFields(logrus.Fields{
		"op":    name,
		"error": err,
	}).Error("Stack operation failed")
	c.lastErr = err
}
