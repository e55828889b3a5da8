package iopump

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is a thread-safe flush target.
type collector struct {
	mu    sync.Mutex
	bytes []byte
}

func (c *collector) flush(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes = append(c.bytes, frame...)
	return nil
}

func (c *collector) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.bytes...)
}

func TestPumpFlushesQueuedBytes(t *testing.T) {
	col := &collector{}
	p, err := New(col.flush, &Options{Capacity: 64, IdleInterval: time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	n, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Eventually(t, func() bool {
		return string(col.snapshot()) == "hello"
	}, time.Second, time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.FlushedBytes)
	assert.Zero(t, stats.DroppedBytes)
}

func TestPumpPreservesByteOrderAcrossWrites(t *testing.T) {
	col := &collector{}
	p, err := New(col.flush, &Options{Capacity: 1024, IdleInterval: time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	for _, chunk := range []string{"one ", "two ", "three"} {
		_, err := p.Write([]byte(chunk))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return string(col.snapshot()) == "one two three"
	}, time.Second, time.Millisecond)
}

func TestPumpDropsOnOverflowWithoutBlocking(t *testing.T) {
	// A blocked flush must never back-pressure the producer: the
	// producer keeps writing, excess bytes are dropped and counted.
	started := make(chan struct{})
	release := make(chan struct{})
	blockingFlush := func(frame []byte) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	p, err := New(blockingFlush, &Options{Capacity: 4, IdleInterval: time.Millisecond})
	require.NoError(t, err)
	defer func() {
		close(release)
		p.Close()
	}()

	// First byte gets drained into the blocked flush call.
	_, err = p.Write([]byte("x"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("flush never started")
	}

	// Fill the buffer while the drainer is stuck, then overflow it.
	n, err := p.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = p.Write([]byte("efgh"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(4), p.Stats().DroppedBytes)
}

func TestPumpCountsLostBytesOnFlushError(t *testing.T) {
	var calls int
	var mu sync.Mutex
	failingFlush := func(frame []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return assert.AnError
	}

	var reported error
	p, err := New(failingFlush, &Options{
		Capacity:     64,
		IdleInterval: time.Millisecond,
		OnError: func(err error) {
			mu.Lock()
			reported = err
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write([]byte("doomed"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return p.Stats().LostBytes == 6
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 1)
	assert.ErrorIs(t, reported, assert.AnError)
}

func TestPumpWriteAfterCloseFails(t *testing.T) {
	col := &collector{}
	p, err := New(col.flush, &Options{Capacity: 8, IdleInterval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = p.Write([]byte("late"))
	assert.Error(t, err)

	// Close is idempotent
	assert.NoError(t, p.Close())
}

func TestPumpRejectsInvalidConfiguration(t *testing.T) {
	_, err := New(nil, &Options{Capacity: 8})
	assert.Error(t, err)

	col := &collector{}
	_, err = New(col.flush, &Options{Capacity: 0})
	assert.Error(t, err)
}
