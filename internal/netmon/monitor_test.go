package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/loggy"
)

func testNetworkConfig() config.NetworkConfig {
	return config.NetworkConfig{
		ProbeInterval:  10 * time.Millisecond,
		ProbeTimeout:   5 * time.Millisecond,
		DebounceWindow: 2 * time.Second,
	}
}

// clock lets tests step observation time past the debounce window
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T) (*Monitor, *clock) {
	t.Helper()

	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(testNetworkConfig(), func(ctx context.Context) error { return nil }, loggy.NewNoopLogger())
	m.now = clk.Now
	return m, clk
}

func TestFirstObservationPublishesImmediately(t *testing.T) {
	m, _ := newTestMonitor(t)

	var got []Status
	m.Subscribe(func(s Status) { got = append(got, s) })

	m.observe(true, 20*time.Millisecond, "")

	assert.True(t, m.Status().Online)
	require.Len(t, got, 1)
	assert.True(t, got[0].Online)
}

func TestTransitionWaitsOutDebounceWindow(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.observe(true, 20*time.Millisecond, "")

	var transitions []Status
	m.Subscribe(func(s Status) { transitions = append(transitions, s) })

	// First offline observation only opens the window
	m.observe(false, 0, "connection refused")
	assert.True(t, m.Status().Online, "still online inside the window")
	assert.Empty(t, transitions)

	// Second observation within the window still does not publish
	clk.Advance(time.Second)
	m.observe(false, 0, "connection refused")
	assert.True(t, m.Status().Online)

	// Once the window has elapsed the transition publishes
	clk.Advance(1500 * time.Millisecond)
	m.observe(false, 0, "connection refused")
	assert.False(t, m.Status().Online)
	require.Len(t, transitions, 1)
	assert.False(t, transitions[0].Online)
	assert.Equal(t, "connection refused", transitions[0].LastError)
}

func TestShortFlapIsAbsorbed(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.observe(true, 20*time.Millisecond, "")

	var transitions []Status
	m.Subscribe(func(s Status) { transitions = append(transitions, s) })

	// Offline blip that recovers before the window elapses
	m.observe(false, 0, "timeout")
	clk.Advance(time.Second)
	m.observe(true, 20*time.Millisecond, "")

	// Staying online afterwards never publishes the blip
	clk.Advance(5 * time.Second)
	m.observe(true, 20*time.Millisecond, "")

	assert.True(t, m.Status().Online)
	assert.Empty(t, transitions, "flap shorter than the window is invisible")
}

func TestFlappingRestartsTheWindow(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.observe(true, 20*time.Millisecond, "")

	// Offline, back online, offline again: the second offline starts a
	// fresh window rather than inheriting the first one
	m.observe(false, 0, "x")
	clk.Advance(time.Second)
	m.observe(true, 20*time.Millisecond, "")
	clk.Advance(time.Second)
	m.observe(false, 0, "x")

	clk.Advance(time.Second)
	m.observe(false, 0, "x")
	assert.True(t, m.Status().Online, "fresh window has only held 1s")

	clk.Advance(1500 * time.Millisecond)
	m.observe(false, 0, "x")
	assert.False(t, m.Status().Online)
}

func TestOnlineRecoveryPublishes(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.observe(false, 0, "down")

	var transitions []Status
	m.Subscribe(func(s Status) { transitions = append(transitions, s) })

	m.observe(true, 20*time.Millisecond, "")
	clk.Advance(3 * time.Second)
	m.observe(true, 20*time.Millisecond, "")

	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Online)
	assert.True(t, m.Status().Online)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.observe(true, 20*time.Millisecond, "")

	var calls int
	unsub := m.Subscribe(func(Status) { calls++ })
	unsub()

	m.observe(false, 0, "down")
	clk.Advance(3 * time.Second)
	m.observe(false, 0, "down")

	assert.False(t, m.Status().Online)
	assert.Zero(t, calls)
}

func TestReachabilityTracksRawProbeDuringDebounce(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.observe(true, 20*time.Millisecond, "")

	// A single failed probe flips the raw fields right away even though
	// the debounced Online flag has not moved yet
	clk.Advance(time.Second)
	m.observe(false, 0, "connection refused")

	s := m.Status()
	assert.True(t, s.Online, "still online inside the window")
	assert.False(t, s.BackendReachable)
	assert.Equal(t, ConnectionNone, s.ConnectionType)
	assert.Equal(t, QualityUnknown, s.SignalQuality)
	assert.Equal(t, "connection refused", s.LastError)
}

func TestSignalQualityBuckets(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.observe(true, 20*time.Millisecond, "")
	s := m.Status()
	assert.Equal(t, ConnectionUnknown, s.ConnectionType)
	assert.Equal(t, QualityGood, s.SignalQuality)
	assert.Equal(t, 20*time.Millisecond, s.Latency)

	m.observe(true, 400*time.Millisecond, "")
	assert.Equal(t, QualityFair, m.Status().SignalQuality)

	m.observe(true, 2*time.Second, "")
	assert.Equal(t, QualityPoor, m.Status().SignalQuality)
}

func TestStartStopProbing(t *testing.T) {
	var mu sync.Mutex
	probes := 0

	cfg := testNetworkConfig()
	m := NewMonitor(cfg, func(ctx context.Context) error {
		mu.Lock()
		probes++
		mu.Unlock()
		return errors.New("unreachable")
	}, loggy.NewNoopLogger())

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	mu.Lock()
	seen := probes
	mu.Unlock()
	assert.Greater(t, seen, 1, "background loop keeps probing")
	assert.False(t, m.Status().Online)

	// Stop is idempotent
	m.Stop()
}

func TestCheckNow(t *testing.T) {
	m := NewMonitor(testNetworkConfig(), func(ctx context.Context) error { return nil }, loggy.NewNoopLogger())

	s := m.CheckNow(context.Background())
	assert.True(t, s.Online)
}
