package gattest

import (
	"time"

	"github.com/rentscan/rentlink/internal/gatt"
)

// PeripheralBuilder assembles a scripted peripheral with a fluent API:
//
//	p := gattest.NewPeripheralBuilder().
//	    WithAddress("00:11:22:33:44:55").
//	    WithName("RentScan").
//	    WithService("6e400001-...", 0x0010, 0x0020).
//	    WithCharacteristic("6e400002-...", 0x0011, 0x0012, gatt.PropWrite).
//	    WithCharacteristic("6e400003-...", 0x0013, 0x0014, gatt.PropNotify).
//	    WithDescriptor(gatt.CccUUID, 0x0015).
//	    Build()
//
// Characteristics attach to the most recent service, descriptors to
// the most recent characteristic.
type PeripheralBuilder struct {
	p Peripheral
}

func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{p: Peripheral{RSSI: -50}}
}

func (b *PeripheralBuilder) WithAddress(addr string) *PeripheralBuilder {
	b.p.Addr = addr
	return b
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.p.Name = name
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.p.RSSI = rssi
	return b
}

// WithAdvertisedServices sets the service UUIDs carried in the
// advertising payload (independent of the attribute table).
func (b *PeripheralBuilder) WithAdvertisedServices(uuids ...string) *PeripheralBuilder {
	b.p.AdvServices = uuids
	return b
}

func (b *PeripheralBuilder) WithService(uuid string, start, end uint16) *PeripheralBuilder {
	b.p.Services = append(b.p.Services, Service{UUID: uuid, Start: start, End: end})
	return b
}

func (b *PeripheralBuilder) WithCharacteristic(uuid string, handle, valueHandle uint16, props gatt.CharProperty) *PeripheralBuilder {
	svc := &b.p.Services[len(b.p.Services)-1]
	svc.Characteristics = append(svc.Characteristics, Characteristic{
		UUID:        uuid,
		Handle:      handle,
		ValueHandle: valueHandle,
		Properties:  props,
	})
	return b
}

func (b *PeripheralBuilder) WithDescriptor(uuid string, handle uint16) *PeripheralBuilder {
	svc := &b.p.Services[len(b.p.Services)-1]
	ch := &svc.Characteristics[len(svc.Characteristics)-1]
	ch.Descriptors = append(ch.Descriptors, Descriptor{UUID: uuid, Handle: handle})
	return b
}

func (b *PeripheralBuilder) Build() *Peripheral {
	p := b.p
	return &p
}

// RentalPeripheral returns a well-formed peer matching the given
// options: the rental service with writable RX, notifiable TX and a
// CCC descriptor on TX.
func RentalPeripheral(opts *gatt.Options, addr string) *Peripheral {
	return NewPeripheralBuilder().
		WithAddress(addr).
		WithName(opts.PeerName).
		WithAdvertisedServices(opts.ServiceUUID).
		WithService(opts.ServiceUUID, 0x0010, 0x0020).
		WithCharacteristic(opts.RxCharUUID, 0x0011, 0x0012, gatt.PropWrite|gatt.PropWriteWithoutResponse).
		WithCharacteristic(opts.TxCharUUID, 0x0013, 0x0014, gatt.PropNotify).
		WithDescriptor(gatt.CccUUID, 0x0015).
		Build()
}

// ManualScheduler collects deferred work items so tests can fire them
// deterministically instead of waiting on real timers.
type ManualScheduler struct {
	entries []*manualEntry
}

type manualEntry struct {
	Delay    time.Duration
	fn       func()
	fired    bool
	canceled bool
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// After implements gatt.Scheduler.
func (s *ManualScheduler) After(d time.Duration, fn func()) func() {
	e := &manualEntry{Delay: d, fn: fn}
	s.entries = append(s.entries, e)
	return func() { e.canceled = true }
}

// Pending returns the number of armed, unfired entries.
func (s *ManualScheduler) Pending() int {
	n := 0
	for _, e := range s.entries {
		if !e.fired && !e.canceled {
			n++
		}
	}
	return n
}

// FireNext runs the oldest armed entry and reports whether one fired.
func (s *ManualScheduler) FireNext() bool {
	for _, e := range s.entries {
		if !e.fired && !e.canceled {
			e.fired = true
			e.fn()
			return true
		}
	}
	return false
}

// FireAll runs every armed entry once, including entries armed while
// firing.
func (s *ManualScheduler) FireAll() {
	for s.FireNext() {
	}
}

// LastDelay returns the delay of the most recently armed entry.
func (s *ManualScheduler) LastDelay() time.Duration {
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Delay
}

// FakeClock is a manually advanced time source for the recovery
// windows.
type FakeClock struct {
	now time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(1700000000, 0)}
}

// Now is passed to Central.SetClock.
func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
