// Package goble implements the radio backend over the go-ble stack.
// Operations are issued from the state machine's dispatcher; every
// completion is translated into a gatt.Event and posted back through
// the bound sink, never delivered in place.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/rentscan/rentlink/internal/gatt"
	"github.com/rentscan/rentlink/internal/groutine"
)

const (
	// writeChunkSize is the maximum number of bytes per BLE write.
	// BLE 4.0/4.1 ATT_MTU is 23 bytes, 20 after the ATT header.
	writeChunkSize = 20

	// writeChunkDelay spaces consecutive chunks so the peripheral's
	// receive buffer is not overrun.
	writeChunkDelay = 10 * time.Millisecond
)

// Backend drives the go-ble stack. At most one connection and one
// discovery exchange are active at a time; the state machine enforces
// the sequencing, the backend only executes.
type Backend struct {
	log  *logrus.Logger
	opts *gatt.Options

	mu         sync.Mutex
	sink       gatt.EventSink
	dev        ble.Device
	client     ble.Client
	handle     gatt.ConnHandle
	nextHandle uint64
	scanCancel context.CancelFunc

	// live discovery context for the current connection
	svc      *ble.Service
	chars    map[uint16]*ble.Characteristic
	lastChar *ble.Characteristic
	subChar  *ble.Characteristic
}

// New returns an unbound backend over the given link options.
func New(opts *gatt.Options, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{
		log:   logger,
		opts:  opts,
		chars: make(map[uint16]*ble.Characteristic),
	}
}

// Bind registers the event sink. Must be called before any operation.
func (b *Backend) Bind(sink gatt.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

func (b *Backend) post(ev gatt.Event) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// ensureDeviceLocked lazily creates the ble.Device and installs it as
// the stack default used by ble.Dial.
func (b *Backend) ensureDeviceLocked() error {
	if b.dev != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	b.dev = dev
	return nil
}

// StartScan begins advertisement scanning in a background goroutine.
// The goroutine runs until StopScan cancels it; a scan terminated by
// the stack itself surfaces as an EvScanFailed event.
func (b *Backend) StartScan(p gatt.ScanParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scanCancel != nil {
		return nil
	}
	if err := b.ensureDeviceLocked(); err != nil {
		return err
	}
	dev := b.dev

	ctx, cancel := context.WithCancel(context.Background())
	b.scanCancel = cancel

	b.log.WithFields(logrus.Fields{
		"interval": p.Interval,
		"window":   p.Window,
	}).Debug("Starting advertisement scan")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, !p.DuplicateFilter, b.onAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.WithError(err).Warn("Scan terminated by stack")
			b.mu.Lock()
			b.scanCancel = nil
			b.mu.Unlock()
			b.post(gatt.Event{Type: gatt.EvScanFailed, Err: err})
		}
	})
	return nil
}

func (b *Backend) onAdvertisement(adv ble.Advertisement) {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, gatt.NormalizeUUID(u.String()))
	}
	b.post(gatt.Event{
		Type:     gatt.EvScanResult,
		Addr:     adv.Addr().String(),
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		Services: services,
	})
}

// StopScan cancels the scan goroutine. Idempotent.
func (b *Backend) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
	return nil
}

// Connect dials the peer in a background goroutine; the outcome
// arrives as EvConnected. The requested connection parameters are
// logged only: go-ble does not expose parameter negotiation.
func (b *Backend) Connect(addr string, p gatt.ConnParams) error {
	b.mu.Lock()
	if err := b.ensureDeviceLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	timeout := b.opts.ConnectTimeout
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"address":      addr,
		"interval_min": p.IntervalMin,
		"interval_max": p.IntervalMax,
		"timeout":      timeout,
	}).Debug("Dialing BLE device")

	groutine.Go(context.Background(), "ble-connect", func(ctx context.Context) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		client, err := ble.Dial(dialCtx, ble.NewAddr(addr))
		if err != nil {
			b.post(gatt.Event{Type: gatt.EvConnected, Addr: addr, Err: err})
			return
		}

		b.mu.Lock()
		// Handles are issued once per process and never reused, so a
		// late callback from a replaced connection cannot alias the
		// new one.
		b.nextHandle++
		h := gatt.ConnHandle(b.nextHandle)
		b.client = client
		b.handle = h
		b.svc = nil
		b.chars = make(map[uint16]*ble.Characteristic)
		b.lastChar = nil
		b.subChar = nil
		b.mu.Unlock()

		b.monitorDisconnect(client, h)
		b.post(gatt.Event{Type: gatt.EvConnected, Conn: h, Addr: addr})
	})
	return nil
}

// monitorDisconnect watches the client's Disconnected channel so a
// remotely dropped link surfaces as an event even when no local call
// is in progress.
func (b *Backend) monitorDisconnect(client ble.Client, h gatt.ConnHandle) {
	groutine.Go(context.Background(), "ble-disconnect-monitor", func(ctx context.Context) {
		<-client.Disconnected()

		b.mu.Lock()
		current := b.client == client
		if current {
			b.clearConnLocked()
		}
		b.mu.Unlock()

		if current {
			b.log.WithField("handle", h).Warn("Stack reported disconnection")
			b.post(gatt.Event{Type: gatt.EvDisconnected, Conn: h})
		}
	})
}

func (b *Backend) clearConnLocked() {
	b.client = nil
	b.handle = 0
	b.svc = nil
	b.chars = make(map[uint16]*ble.Characteristic)
	b.lastChar = nil
	b.subChar = nil
}

// Disconnect tears the link down and reports EvDisconnected itself;
// the monitor goroutine stays silent once the client is cleared.
func (b *Backend) Disconnect(h gatt.ConnHandle) error {
	b.mu.Lock()
	if b.client == nil || b.handle != h {
		b.mu.Unlock()
		return nil
	}
	client := b.client
	b.clearConnLocked()
	b.mu.Unlock()

	err := client.CancelConnection()
	b.post(gatt.Event{Type: gatt.EvDisconnected, Conn: h})
	return err
}

// IsConnected probes whether the handle still names the live client.
func (b *Backend) IsConnected(h gatt.ConnHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.handle == h
}

// currentClient snapshots the client when the handle is still live.
func (b *Backend) currentClient(h gatt.ConnHandle) (ble.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || b.handle != h {
		return nil, gatt.ErrNotConnected
	}
	return b.client, nil
}

// DiscoverService looks the primary service up by UUID. The first
// instance whose declaration handle lies at or past the window start
// is reported; absence reports an exhausted search.
func (b *Backend) DiscoverService(h gatt.ConnHandle, uuid string, start, end uint16) error {
	client, err := b.currentClient(h)
	if err != nil {
		return err
	}
	target, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", uuid, err)
	}

	groutine.Go(context.Background(), "ble-discover-service", func(ctx context.Context) {
		svcs, err := client.DiscoverServices([]ble.UUID{target})
		if err != nil {
			b.log.WithError(err).Warn("Service discovery failed")
			b.post(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h, Err: err})
			return
		}
		for _, svc := range svcs {
			if svc.Handle < start {
				continue
			}
			b.mu.Lock()
			b.svc = svc
			b.mu.Unlock()
			b.post(gatt.Event{Type: gatt.EvAttributeFound, Conn: h, Attr: gatt.Attr{
				UUID:      gatt.NormalizeUUID(svc.UUID.String()),
				Handle:    svc.Handle,
				EndHandle: svc.EndHandle,
			}})
			return
		}
		b.post(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h})
	})
	return nil
}

// DiscoverCharacteristic searches the previously discovered service
// for a characteristic by UUID, bounded below by the window start.
func (b *Backend) DiscoverCharacteristic(h gatt.ConnHandle, uuid string, start, end uint16) error {
	client, err := b.currentClient(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	svc := b.svc
	b.mu.Unlock()
	if svc == nil {
		return &gatt.LinkError{Kind: gatt.DiscoveryNotFound, Msg: "no service discovered"}
	}
	target, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID %q: %w", uuid, err)
	}

	groutine.Go(context.Background(), "ble-discover-char", func(ctx context.Context) {
		chars, err := client.DiscoverCharacteristics([]ble.UUID{target}, svc)
		if err != nil {
			b.log.WithError(err).Warn("Characteristic discovery failed")
			b.post(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h, Err: err})
			return
		}
		for _, ch := range chars {
			if ch.ValueHandle < start {
				continue
			}
			b.mu.Lock()
			b.chars[ch.ValueHandle] = ch
			b.lastChar = ch
			b.mu.Unlock()
			b.post(gatt.Event{Type: gatt.EvAttributeFound, Conn: h, Attr: gatt.Attr{
				UUID:        gatt.NormalizeUUID(ch.UUID.String()),
				Handle:      ch.Handle,
				ValueHandle: ch.ValueHandle,
				// go-ble property bits match the ATT declaration
				// bitmask, so the cast preserves each flag
				Properties: gatt.CharProperty(ch.Property),
			}})
			return
		}
		b.post(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h})
	})
	return nil
}

// DiscoverDescriptor searches the most recently discovered
// characteristic for a descriptor by UUID.
func (b *Backend) DiscoverDescriptor(h gatt.ConnHandle, uuid string, start, end uint16) error {
	client, err := b.currentClient(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	char := b.lastChar
	b.mu.Unlock()
	if char == nil {
		return &gatt.LinkError{Kind: gatt.DiscoveryNotFound, Msg: "no characteristic discovered"}
	}
	target, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("invalid descriptor UUID %q: %w", uuid, err)
	}

	groutine.Go(context.Background(), "ble-discover-desc", func(ctx context.Context) {
		descs, err := client.DiscoverDescriptors([]ble.UUID{target}, char)
		if err != nil {
			b.log.WithError(err).Warn("Descriptor discovery failed")
			b.post(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h, Err: err})
			return
		}
		for _, d := range descs {
			handle := d.Handle
			if handle == 0 {
				// Darwin does not populate descriptor handles;
				// synthesize one the range check upstream accepts.
				handle = synthDescriptorHandle(char.ValueHandle, end)
			}
			if handle < start {
				continue
			}
			b.mu.Lock()
			b.subChar = char
			b.mu.Unlock()
			b.post(gatt.Event{Type: gatt.EvAttributeFound, Conn: h, Attr: gatt.Attr{
				UUID:   gatt.NormalizeUUID(d.UUID.String()),
				Handle: handle,
			}})
			return
		}
		b.post(gatt.Event{Type: gatt.EvAttributeSearchExhausted, Conn: h})
	})
	return nil
}

// synthDescriptorHandle places a synthesized descriptor just past its
// owning characteristic's value handle, clamped to the search window
// end so a characteristic sitting at the end of its service still
// yields an in-window descriptor.
func synthDescriptorHandle(vhandle, end uint16) uint16 {
	h := vhandle + 1
	if end != 0 && h > end {
		h = end
	}
	return h
}

// WriteCCC enables or disables notifications. CoreBluetooth forbids
// raw CCC descriptor writes, so the write is expressed through
// Subscribe/Unsubscribe on the owning characteristic; the stack
// performs the descriptor write underneath.
func (b *Backend) WriteCCC(h gatt.ConnHandle, cccHandle uint16, value uint16) error {
	client, err := b.currentClient(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	char := b.subChar
	b.mu.Unlock()
	if char == nil {
		return &gatt.LinkError{Kind: gatt.SubscribeFailed, Msg: "no notify characteristic discovered"}
	}

	groutine.Go(context.Background(), "ble-write-ccc", func(ctx context.Context) {
		var err error
		if value&gatt.CccNotifyEnable != 0 {
			err = client.Subscribe(char, false, func(data []byte) {
				b.post(gatt.Event{Type: gatt.EvNotifyReceived, Conn: h, Payload: data})
			})
		} else {
			err = client.Unsubscribe(char, false)
		}
		b.post(gatt.Event{Type: gatt.EvSubscribeResult, Conn: h, Err: err})
	})
	return nil
}

// WriteCommand writes to a characteristic value handle without
// response, chunked to the lowest common ATT payload size.
func (b *Backend) WriteCommand(h gatt.ConnHandle, valueHandle uint16, payload []byte) error {
	client, err := b.currentClient(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	char := b.chars[valueHandle]
	b.mu.Unlock()
	if char == nil {
		return &gatt.LinkError{Kind: gatt.NotConnected, Msg: fmt.Sprintf("value handle 0x%04x not discovered", valueHandle)}
	}

	for len(payload) > 0 {
		n := len(payload)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		if err := client.WriteCharacteristic(char, payload[:n], true); err != nil {
			return fmt.Errorf("failed to write to value handle 0x%04x: %w", valueHandle, err)
		}
		payload = payload[n:]
		if len(payload) > 0 {
			time.Sleep(writeChunkDelay)
		}
	}
	return nil
}

// Disable tears the whole stack down: scan, link, device.
func (b *Backend) Disable() error {
	b.mu.Lock()
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
	client := b.client
	dev := b.dev
	b.clearConnLocked()
	b.dev = nil
	b.mu.Unlock()

	if client != nil {
		if err := client.CancelConnection(); err != nil {
			b.log.WithError(err).Debug("Cancel connection during disable failed")
		}
	}
	if dev != nil {
		if err := dev.Stop(); err != nil {
			return fmt.Errorf("failed to stop BLE device: %w", err)
		}
	}
	b.log.Warn("BLE stack disabled")
	return nil
}

// Enable recreates the device after a Disable.
func (b *Backend) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureDeviceLocked(); err != nil {
		return err
	}
	b.log.Info("BLE stack enabled")
	return nil
}
