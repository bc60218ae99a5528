package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/pccare/internal/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProber struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestIsOnlineCachesBriefly(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	p := &fakeProber{}
	m := NewMonitor(p, Options{CacheTTL: 500 * time.Millisecond, Clock: fc})

	assert.True(t, m.IsOnline(context.Background()))
	assert.True(t, m.IsOnline(context.Background()))
	assert.Equal(t, int32(1), p.calls.Load(), "second call within the TTL reuses the result")

	p.fail.Store(true)
	fc.Advance(600 * time.Millisecond)
	assert.False(t, m.IsOnline(context.Background()))
	assert.Equal(t, int32(2), p.calls.Load())
	assert.False(t, m.Online())
}

func TestProbeTimeoutMeansOffline(t *testing.T) {
	p := &fakeProber{delay: time.Second}
	m := NewMonitor(p, Options{Timeout: 20 * time.Millisecond, CacheTTL: -1})

	start := time.Now()
	assert.False(t, m.IsOnline(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCancelledCallerDoesNotDecideSharedProbe(t *testing.T) {
	p := &fakeProber{delay: 20 * time.Millisecond}
	m := NewMonitor(p, Options{CacheTTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, m.IsOnline(ctx), "a reachable remote stays online for a caller that gave up")
	assert.True(t, m.Online())
	assert.True(t, m.IsOnline(context.Background()))
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestConcurrentCallersShareProbe(t *testing.T) {
	p := &fakeProber{delay: 50 * time.Millisecond}
	m := NewMonitor(p, Options{CacheTTL: -1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IsOnline(context.Background())
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.calls.Load(), int32(2))
}

func TestReconnectCallback(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	p := &fakeProber{}
	p.fail.Store(true)
	m := NewMonitor(p, Options{CacheTTL: time.Millisecond, Clock: fc})

	reconnected := make(chan struct{}, 4)
	m.OnReconnect(func() { reconnected <- struct{}{} })

	assert.False(t, m.IsOnline(context.Background()))

	p.fail.Store(false)
	fc.Advance(time.Second)
	assert.True(t, m.IsOnline(context.Background()))

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback not invoked")
	}

	fc.Advance(time.Second)
	assert.True(t, m.IsOnline(context.Background()))
	select {
	case <-reconnected:
		t.Fatal("callback must only fire on an offline to online transition")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := NewMonitor(&fakeProber{}, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, m.Online())
}
