// Package gattest provides a scripted in-memory GATT backend so the
// link state machine can be exercised without real radio hardware.
// Failures are injected per operation through error queues; every
// radio-facing call is counted for assertions.
package gattest

import (
	"fmt"
	"sync"

	"github.com/rentscan/rentlink/internal/gatt"
)

// Descriptor is one attribute-table descriptor entry.
type Descriptor struct {
	UUID   string
	Handle uint16
}

// Characteristic is one attribute-table characteristic entry.
type Characteristic struct {
	UUID        string
	Handle      uint16
	ValueHandle uint16
	Properties  gatt.CharProperty
	Descriptors []Descriptor
}

// Service is one attribute-table service entry.
type Service struct {
	UUID            string
	Start, End      uint16
	Characteristics []Characteristic
}

// Peripheral is a scripted peer: its advertisement plus its attribute
// table.
type Peripheral struct {
	Addr        string
	Name        string
	AdvServices []string
	RSSI        int
	Services    []Service
}

// Backend is a gatt.Backend over scripted peripherals. Completion
// events are emitted through the bound sink, exactly like the real
// adapter, so tests drain them through the central's queue.
type Backend struct {
	mu   sync.Mutex
	sink gatt.EventSink

	peripherals []*Peripheral
	connected   map[gatt.ConnHandle]*Peripheral
	nextHandle  gatt.ConnHandle
	scanning    bool

	// Error queues, consumed one entry per call. A nil entry means
	// the call succeeds.
	ScanStartErrs []error
	ConnectErrs   []error
	SubscribeErrs []error
	WriteErrs     []error
	DisableErrs   []error
	EnableErrs    []error

	// Call counters and recorded writes
	ScanStarts         int
	ScanStops          int
	Connects           int
	Disconnects        int
	Disables           int
	Enables            int
	ServiceDiscoveries int
	CharDiscoveries    int
	DescDiscoveries    int
	CCCWrites          []uint16
	Written            [][]byte
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		connected:  make(map[gatt.ConnHandle]*Peripheral),
		nextHandle: 1,
	}
}

// AddPeripheral registers a scripted peer; it is advertised on every
// StartScan.
func (b *Backend) AddPeripheral(p *Peripheral) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peripherals = append(b.peripherals, p)
}

func (b *Backend) emit(ev gatt.Event) {
	if b.sink != nil {
		b.sink(ev)
	}
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

// Bind implements gatt.Backend.
func (b *Backend) Bind(sink gatt.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// StartScan implements gatt.Backend. On success every registered
// peripheral's advertisement is reported once.
func (b *Backend) StartScan(gatt.ScanParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ScanStarts++
	if err := pop(&b.ScanStartErrs); err != nil {
		return err
	}
	b.scanning = true
	for _, p := range b.peripherals {
		b.emit(gatt.Event{
			Type:     gatt.EvScanResult,
			Addr:     p.Addr,
			Name:     p.Name,
			Services: p.AdvServices,
			RSSI:     p.RSSI,
		})
	}
	return nil
}

// StopScan implements gatt.Backend; idempotent.
func (b *Backend) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ScanStops++
	b.scanning = false
	return nil
}

// Connect implements gatt.Backend. The outcome is always delivered
// asynchronously, as the connect-complete callback of a real stack.
func (b *Backend) Connect(addr string, _ gatt.ConnParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Connects++

	if err := pop(&b.ConnectErrs); err != nil {
		b.emit(gatt.Event{Type: gatt.EvConnected, Addr: addr, Err: err})
		return nil
	}

	for _, p := range b.peripherals {
		if p.Addr == addr {
			h := b.nextHandle
			b.nextHandle++
			b.connected[h] = p
			b.emit(gatt.Event{Type: gatt.EvConnected, Conn: h, Addr: addr})
			return nil
		}
	}
	b.emit(gatt.Event{Type: gatt.EvConnected, Addr: addr, Err: fmt.Errorf("unknown peer %s", addr)})
	return nil
}

// Disconnect implements gatt.Backend.
func (b *Backend) Disconnect(h gatt.ConnHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Disconnects++
	if _, ok := b.connected[h]; !ok {
		return nil
	}
	delete(b.connected, h)
	b.emit(gatt.Event{Type: gatt.EvDisconnected, Conn: h})
	return nil
}

// DropConnection silently forgets a handle without a disconnect event,
// simulating a stack that privately invalidated the link. The next
// IsConnected probe reports false.
func (b *Backend) DropConnection(h gatt.ConnHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connected, h)
}

// KillConnection delivers the disconnect callback for a live handle,
// as a supervision timeout would.
func (b *Backend) KillConnection(h gatt.ConnHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connected, h)
	b.emit(gatt.Event{Type: gatt.EvDisconnected, Conn: h})
}

// IsConnected implements gatt.Backend.
func (b *Backend) IsConnected(h gatt.ConnHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.connected[h]
	return ok
}

// DiscoverService implements gatt.Backend. Like a real stack it
// searches from the start handle upward; the central is responsible
// for rejecting matches past its window.
func (b *Backend) DiscoverService(h gatt.ConnHandle, uuid string, start, _ uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ServiceDiscoveries++
	p, ok := b.connected[h]
	if !ok {
		return gatt.ErrNotConnected
	}
	want := gatt.NormalizeUUID(uuid)
	for _, svc := range p.Services {
		if gatt.NormalizeUUID(svc.UUID) == want && svc.Start >= start {
			b.emit(gatt.Event{
				Type: gatt.EvAttributeFound,
				Conn: h,
				Attr: gatt.Attr{UUID: svc.UUID, Handle: svc.Start, EndHandle: svc.End},
			})
			return nil
		}
	}
	b.emit(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h})
	return nil
}

// DiscoverCharacteristic implements gatt.Backend.
func (b *Backend) DiscoverCharacteristic(h gatt.ConnHandle, uuid string, start, _ uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CharDiscoveries++
	p, ok := b.connected[h]
	if !ok {
		return gatt.ErrNotConnected
	}
	want := gatt.NormalizeUUID(uuid)
	for _, svc := range p.Services {
		for _, ch := range svc.Characteristics {
			if gatt.NormalizeUUID(ch.UUID) == want && ch.ValueHandle >= start {
				b.emit(gatt.Event{
					Type: gatt.EvAttributeFound,
					Conn: h,
					Attr: gatt.Attr{
						UUID:        ch.UUID,
						Handle:      ch.Handle,
						ValueHandle: ch.ValueHandle,
						Properties:  ch.Properties,
					},
				})
				return nil
			}
		}
	}
	b.emit(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h})
	return nil
}

// DiscoverDescriptor implements gatt.Backend.
func (b *Backend) DiscoverDescriptor(h gatt.ConnHandle, uuid string, start, _ uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DescDiscoveries++
	p, ok := b.connected[h]
	if !ok {
		return gatt.ErrNotConnected
	}
	want := gatt.NormalizeUUID(uuid)
	for _, svc := range p.Services {
		for _, ch := range svc.Characteristics {
			for _, d := range ch.Descriptors {
				if gatt.NormalizeUUID(d.UUID) == want && d.Handle >= start {
					b.emit(gatt.Event{
						Type: gatt.EvAttributeFound,
						Conn: h,
						Attr: gatt.Attr{UUID: d.UUID, Handle: d.Handle},
					})
					return nil
				}
			}
		}
	}
	b.emit(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h})
	return nil
}

// WriteCCC implements gatt.Backend.
func (b *Backend) WriteCCC(h gatt.ConnHandle, _ uint16, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.connected[h]; !ok {
		return gatt.ErrNotConnected
	}
	b.CCCWrites = append(b.CCCWrites, value)
	b.emit(gatt.Event{Type: gatt.EvSubscribeResult, Conn: h, Err: pop(&b.SubscribeErrs)})
	return nil
}

// WriteCommand implements gatt.Backend.
func (b *Backend) WriteCommand(h gatt.ConnHandle, _ uint16, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.connected[h]; !ok {
		return gatt.ErrNotConnected
	}
	if err := pop(&b.WriteErrs); err != nil {
		return err
	}
	b.Written = append(b.Written, append([]byte(nil), payload...))
	return nil
}

// Disable implements gatt.Backend.
func (b *Backend) Disable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Disables++
	return pop(&b.DisableErrs)
}

// Enable implements gatt.Backend.
func (b *Backend) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Enables++
	return pop(&b.EnableErrs)
}

// Notify delivers a notification from the peer on a live handle.
func (b *Backend) Notify(h gatt.ConnHandle, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit(gatt.Event{Type: gatt.EvNotifyReceived, Conn: h, Payload: payload})
}

// LastHandle returns the most recently issued connection handle.
func (b *Backend) LastHandle() gatt.ConnHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextHandle - 1
}
