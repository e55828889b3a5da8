package gatt

// EventType identifies a stack callback delivered to the central's
// dispatcher. The radio backend never calls into the state machine
// directly; it translates every callback into one of these events.
type EventType int

const (
	EvScanResult EventType = iota
	EvScanFailed
	EvConnected
	EvDisconnected
	EvAttributeFound
	EvAttributeSearchExhausted
	EvSubscribeResult
	EvNotifyReceived
	EvTimer
)

// String returns a short name for logging.
func (t EventType) String() string {
	switch t {
	case EvScanResult:
		return "scan_result"
	case EvScanFailed:
		return "scan_failed"
	case EvConnected:
		return "connected"
	case EvDisconnected:
		return "disconnected"
	case EvAttributeFound:
		return "attribute_found"
	case EvAttributeSearchExhausted:
		return "attribute_search_exhausted"
	case EvSubscribeResult:
		return "subscribe_result"
	case EvNotifyReceived:
		return "notify_received"
	case EvTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// TimerKind identifies deferred work items posted back into the event
// queue by the scheduler.
type TimerKind int

const (
	TimerScanRetry TimerKind = iota
	TimerSettleRescan
	TimerDiscoveryRetry
	TimerSubscribeRetry
	TimerSupervisor
)

// Attr describes a discovered attribute. Which fields are meaningful
// depends on the discovery stage that produced it: services carry
// Handle and EndHandle, characteristics carry Handle, ValueHandle and
// Properties, descriptors carry only Handle.
type Attr struct {
	UUID        string
	Handle      uint16
	ValueHandle uint16
	EndHandle   uint16
	Properties  CharProperty
}

// CharProperty is the GATT characteristic property bitmask.
type CharProperty uint8

const (
	PropRead                 CharProperty = 0x02
	PropWriteWithoutResponse CharProperty = 0x04
	PropWrite                CharProperty = 0x08
	PropNotify               CharProperty = 0x10
	PropIndicate             CharProperty = 0x20
)

// Event carries one stack callback. Conn is the connection the event
// refers to; the dispatcher drops events whose Conn no longer matches
// the current link (stale callback rejection). Scan events carry a
// zero Conn.
type Event struct {
	Type EventType
	Conn ConnHandle

	// Scan result fields
	Addr     string
	Name     string
	Services []string
	RSSI     int

	// Discovery result
	Attr Attr

	// Notification payload; empty means the peer or the stack cleared
	// the CCC and the subscription is gone.
	Payload []byte

	// Operation outcome for connect/scan/subscribe events
	Err error

	// Deferred work identity
	Timer TimerKind
	Epoch uint64
}
