// Package netmon watches backend connectivity and publishes debounced
// online/offline transitions. Short flaps are absorbed so subscribers
// only react to state that has held steady.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/loggy"
)

// Probe checks whether the backend is reachable right now. A nil error
// means reachable.
type Probe func(ctx context.Context) error

// Connection types reported alongside reachability. The probe sees the
// path to the backend end to end but not the interface it rides on, so a
// reachable backend reports ConnectionUnknown rather than guessing.
const (
	ConnectionNone    = "none"
	ConnectionUnknown = "unknown"
)

// Signal quality buckets derived from probe round-trip time
const (
	QualityGood    = "good"
	QualityFair    = "fair"
	QualityPoor    = "poor"
	QualityUnknown = "unknown"
)

// Latency thresholds separating the quality buckets
const (
	goodLatencyCeiling = 250 * time.Millisecond
	fairLatencyCeiling = time.Second
)

// Status is the monitor's published view of connectivity. Online is the
// debounced state subscribers react to; the remaining fields track the
// latest raw probe and may disagree with Online while a transition is
// still waiting out the debounce window.
type Status struct {
	Online bool `json:"online"`
	// BackendReachable is the result of the most recent probe, ahead of
	// any debouncing
	BackendReachable bool          `json:"backend_reachable"`
	ConnectionType   string        `json:"connection_type"`
	SignalQuality    string        `json:"signal_quality"`
	Latency          time.Duration `json:"latency"`
	CheckedAt        time.Time     `json:"checked_at"`
	// LastError holds the most recent probe failure
	LastError string `json:"last_error,omitempty"`
}

// Listener receives debounced status transitions
type Listener func(Status)

// Monitor polls a probe and notifies subscribers when connectivity
// changes. A transition only publishes after the new state has held for
// the debounce window; a flap that reverts within the window is dropped.
type Monitor struct {
	probe         Probe
	probeInterval time.Duration
	probeTimeout  time.Duration
	debounce      time.Duration
	logger        *loggy.Logger

	mu        sync.Mutex
	published Status
	// pendingOnline is the state waiting out the debounce window
	pendingOnline *bool
	pendingSince  time.Time
	subs          map[int]Listener
	nextSub       int
	started       bool

	cancel context.CancelFunc
	done   chan struct{}

	// now is injectable for tests
	now func() time.Time
}

// NewMonitor creates a monitor that checks connectivity with the given
// probe. The monitor starts pessimistic: it reports offline until the
// first successful probe.
func NewMonitor(cfg config.NetworkConfig, probe Probe, logger *loggy.Logger) *Monitor {
	return &Monitor{
		probe:         probe,
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
		debounce:      cfg.DebounceWindow,
		logger:        logger,
		subs:          make(map[int]Listener),
		now:           time.Now,
	}
}

// Start begins background probing. It returns immediately; probing stops
// when Stop is called or the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts background probing and waits for the loop to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Status returns the current debounced connectivity state
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Subscribe registers a listener for debounced transitions and returns a
// function that removes it
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// CheckNow runs one probe immediately and feeds the observation through
// the usual debounce path
func (m *Monitor) CheckNow(ctx context.Context) Status {
	m.runProbe(ctx)
	return m.Status()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.runProbe(ctx)

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx)
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	started := m.now()
	err := m.probe(probeCtx)
	latency := m.now().Sub(started)
	cancel()

	if ctx.Err() != nil {
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	m.observe(err == nil, latency, errMsg)
}

// classify maps a raw probe result onto the connection fields
func classify(reachable bool, latency time.Duration) (connType, quality string) {
	if !reachable {
		return ConnectionNone, QualityUnknown
	}
	switch {
	case latency < goodLatencyCeiling:
		quality = QualityGood
	case latency < fairLatencyCeiling:
		quality = QualityFair
	default:
		quality = QualityPoor
	}
	return ConnectionUnknown, quality
}

// observe feeds one raw connectivity observation into the debounce state
// machine. The raw fields update on every observation; the Online flag
// only moves once a transition has held through the window.
func (m *Monitor) observe(online bool, latency time.Duration, errMsg string) {
	m.mu.Lock()

	now := m.now()
	first := m.published.CheckedAt.IsZero()

	connType, quality := classify(online, latency)
	m.published.BackendReachable = online
	m.published.ConnectionType = connType
	m.published.SignalQuality = quality
	m.published.Latency = latency
	m.published.CheckedAt = now
	m.published.LastError = errMsg

	var toNotify []Listener

	switch {
	case first:
		// The first observation publishes immediately; there is no prior
		// state to debounce against
		m.published.Online = online
		for _, fn := range m.subs {
			toNotify = append(toNotify, fn)
		}

	case online == m.published.Online:
		// Observation matches the published state; drop any pending flap
		m.pendingOnline = nil

	case m.pendingOnline == nil || *m.pendingOnline != online:
		// A new candidate state starts its debounce window
		v := online
		m.pendingOnline = &v
		m.pendingSince = now

	case now.Sub(m.pendingSince) >= m.debounce:
		// The candidate held through the window; publish the transition
		m.pendingOnline = nil
		m.published.Online = online
		for _, fn := range m.subs {
			toNotify = append(toNotify, fn)
		}
		if online {
			m.logger.Info("network transition", "state", "online")
		} else {
			m.logger.Warn("network transition", "state", "offline", "error", errMsg)
		}
	}

	next := m.published
	m.mu.Unlock()

	for _, fn := range toNotify {
		fn(next)
	}
}
