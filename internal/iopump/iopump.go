// Package iopump provides a ring-buffered, non-blocking byte pump.
// Producers enqueue bytes without ever blocking; a background drainer
// flushes them in frames through a caller-supplied function, typically
// the link's outbound write path. When the buffer is full the newest
// bytes are dropped and counted, never the producer blocked: a stalled
// radio link must not back-pressure the process feeding it.
package iopump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/rentscan/rentlink/internal/groutine"
)

// FlushFunc receives one drained frame. It must not retain the slice.
// A returned error marks the frame as lost; the pump keeps draining.
type FlushFunc func(frame []byte) error

// ErrorCallback is invoked at most once, from the drain goroutine, when
// flushing fails. Implementations must be thread-safe.
type ErrorCallback func(err error)

const (
	// DefaultFrameSize bounds one flush call. Outbound BLE writes are
	// chunked further down; this only caps how much a single drain
	// iteration moves.
	DefaultFrameSize = 256

	// DefaultIdleInterval is how long the drainer sleeps when the
	// buffer is empty. It bounds both flush latency and shutdown
	// latency.
	DefaultIdleInterval = 20 * time.Millisecond
)

// Options configures a Pump. Zero values use the defaults above.
type Options struct {
	Capacity     int            // ring buffer capacity in bytes
	FrameSize    int            // max bytes per flush call
	IdleInterval time.Duration  // drainer sleep when the buffer is empty
	Logger       *logrus.Logger // optional; nil discards
	OnError      ErrorCallback  // optional; first flush failure only
}

// Stats are instantaneous counters for monitoring and backpressure.
type Stats struct {
	QueueLen     int
	QueueCap     int
	DroppedBytes uint64 // enqueued but not buffered (overflow)
	LostBytes    uint64 // buffered but not flushed (flush errors)
	FlushedBytes uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Pump is a single-producer-friendly, multi-producer-safe byte queue
// with an owned drain goroutine. Implements io.WriteCloser.
type Pump struct {
	logger       *logrus.Logger
	flush        FlushFunc
	onError      ErrorCallback
	errorOnce    sync.Once
	frameSize    int
	idleInterval time.Duration

	buf  *ringbuffer.RingBuffer
	done chan struct{}
	wg   sync.WaitGroup

	closed uint32

	dropped uint64
	lost    uint64
	flushed uint64
}

// New starts a pump draining into flush.
func New(flush FlushFunc, opts *Options) (*Pump, error) {
	if flush == nil {
		return nil, fmt.Errorf("flush function cannot be nil")
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("pump capacity must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	frameSize := opts.FrameSize
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	idle := opts.IdleInterval
	if idle <= 0 {
		idle = DefaultIdleInterval
	}

	p := &Pump{
		logger:       logger,
		flush:        flush,
		onError:      opts.OnError,
		frameSize:    frameSize,
		idleInterval: idle,
		buf:          ringbuffer.New(opts.Capacity),
		done:         make(chan struct{}),
	}

	p.wg.Add(1)
	groutine.Go(nil, "iopump-drain", func(ctx context.Context) {
		p.drainLoop()
	})
	return p, nil
}

// Write enqueues data for async flushing. Never blocks; if the buffer
// cannot hold everything, the excess is dropped and counted. Callers
// follow the io.Writer contract: n < len(data) means loss.
func (p *Pump) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.buf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		p.logger.WithError(err).Warn("Pump enqueue failed")
		return 0, err
	}
	if written < len(data) {
		dropped := len(data) - written
		atomic.AddUint64(&p.dropped, uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  written,
		}).Warn("Pump buffer overflow")
	}
	return written, nil
}

func (p *Pump) drainLoop() {
	defer p.wg.Done()

	frame := make([]byte, p.frameSize)
	for {
		if p.buf.IsEmpty() {
			select {
			case <-p.done:
				return
			case <-time.After(p.idleInterval):
				continue
			}
		}

		n, err := p.buf.TryRead(frame)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("Pump dequeue failed")
			continue
		}
		if n == 0 {
			continue
		}

		if err := p.flush(frame[:n]); err != nil {
			atomic.AddUint64(&p.lost, uint64(n))
			p.logger.WithFields(logrus.Fields{
				"bytes": n,
				"error": err,
			}).Debug("Pump flush failed, frame lost")
			if p.onError != nil {
				p.errorOnce.Do(func() {
					p.onError(fmt.Errorf("pump flush failed: %w", err))
				})
			}
			continue
		}
		atomic.AddUint64(&p.flushed, uint64(n))
	}
}

// Close stops the drainer. Already-buffered bytes are not flushed.
func (p *Pump) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	close(p.done)
	p.wg.Wait()
	return nil
}

// Stats returns instantaneous counters.
func (p *Pump) Stats() Stats {
	return Stats{
		QueueLen:     p.buf.Length(),
		QueueCap:     p.buf.Capacity(),
		DroppedBytes: atomic.LoadUint64(&p.dropped),
		LostBytes:    atomic.LoadUint64(&p.lost),
		FlushedBytes: atomic.LoadUint64(&p.flushed),
	}
}
