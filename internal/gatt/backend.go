package gatt

import "time"

// ConnHandle identifies one connection for its whole lifetime. The
// backend issues handles from a monotonically increasing 64-bit
// counter and never hands one out twice, so handle equality is exact
// link identity even across reconnects. The raw stack handle, which
// the stack is free to recycle, never leaves the adapter.
type ConnHandle uint64

// ScanParams configures an advertisement scan.
type ScanParams struct {
	Interval        time.Duration
	Window          time.Duration
	DuplicateFilter bool
}

// ConnParams are the connection parameters requested at connect time.
type ConnParams struct {
	IntervalMin        time.Duration
	IntervalMax        time.Duration
	Latency            int
	SupervisionTimeout time.Duration
}

// EventSink receives backend events. Implementations must not block;
// the central's Post method only enqueues.
type EventSink func(Event)

// Backend abstracts the radio stack underneath the central state
// machine. Calls initiate operations; completions arrive as events
// through the bound EventSink. A synchronous error return means the
// operation was rejected before it was issued (no completion event
// will follow for it).
//
// The production implementation wraps go-ble; tests use a scripted
// fake with a static attribute table.
type Backend interface {
	// Bind registers the sink that receives all subsequent events.
	Bind(sink EventSink)

	// StartScan begins active scanning. Returns ErrScanBusy for a
	// transient radio-busy condition and ErrScanFatal for anything
	// that scanning cannot recover from.
	StartScan(p ScanParams) error
	// StopScan is idempotent; stopping an already stopped scan is not
	// an error.
	StopScan() error

	// Connect requests a link to the peer. The outcome arrives as an
	// EvConnected event (Err set on failure).
	Connect(addr string, p ConnParams) error
	// Disconnect tears the link down; EvDisconnected follows whether
	// the disconnect was locally or remotely initiated.
	Disconnect(h ConnHandle) error
	// IsConnected probes actual link state for the given handle. Used
	// to detect stale handles before issuing a new connect.
	IsConnected(h ConnHandle) bool

	// Discovery primitives, one exchange in flight at a time. Results
	// arrive as EvAttributeFound or EvAttributeSearchExhausted.
	DiscoverService(h ConnHandle, uuid string, start, end uint16) error
	DiscoverCharacteristic(h ConnHandle, uuid string, start, end uint16) error
	DiscoverDescriptor(h ConnHandle, uuid string, start, end uint16) error

	// WriteCCC writes the Client Characteristic Configuration
	// descriptor; the outcome arrives as EvSubscribeResult.
	WriteCCC(h ConnHandle, cccHandle uint16, value uint16) error
	// WriteCommand writes to a characteristic value handle without
	// response.
	WriteCommand(h ConnHandle, valueHandle uint16, payload []byte) error

	// Disable / Enable cycle the whole radio stack. Both can report
	// transient busy errors and are retried by the recovery
	// supervisor.
	Disable() error
	Enable() error
}

// CCC descriptor wire values, 2-byte little-endian.
const (
	CccUUID          = "2902"
	CccNotifyEnable  = uint16(0x0001)
	CccNotifyDisable = uint16(0x0000)
)
