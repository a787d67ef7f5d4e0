// Package connectivity tracks whether the client can reach the server and
// drives the check-in queue accordingly.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pilgrim_sync/internal/checkin"
)

// Heartbeat bounds.
const (
	MinInterval     = 5 * time.Second
	MaxInterval     = 15 * time.Second
	DefaultInterval = 10 * time.Second
)

// Queue is the part of the check-in queue the monitor drives.
type Queue interface {
	Flush(ctx context.Context) (checkin.FlushResult, error)
	Requeue() int
	ResumeFailed() int
	Snapshot() checkin.Snapshot
	Subscribe(fn func(checkin.Snapshot)) (cancel func())
}

// Prober checks reachability of the server.
type Prober interface {
	Probe(ctx context.Context) error
}

// State is the observable connectivity state.
type State struct {
	Online       bool
	PendingCount int
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// ClampInterval keeps a heartbeat interval within bounds.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

// Monitor is the Online/Offline state machine.
type Monitor struct {
	queue    Queue
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	unsubQ   func()

	mu          sync.Mutex
	online      bool
	pending     int
	flushing    bool
	rerun       bool
	flushCancel context.CancelFunc
	awaiting    map[int64]bool
	restored    bool

	subsMu     sync.Mutex
	stateSubs  map[int]func(State)
	restoreSub map[int]func()
	nextSub    int
	notifyMu   sync.Mutex
}

// New creates a monitor in the Offline state.
func New(queue Queue, prober Prober, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	m := &Monitor{
		queue:      queue,
		prober:     prober,
		interval:   ClampInterval(opts.Interval),
		logger:     logger,
		base:       base,
		stop:       stop,
		stateSubs:  make(map[int]func(State)),
		restoreSub: make(map[int]func()),
	}
	m.pending = queue.Snapshot().PendingCount
	m.unsubQ = queue.Subscribe(m.onQueue)
	return m
}

// Interval returns the effective heartbeat interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Online: m.online, PendingCount: m.pending}
}

// Report feeds a transport-level connectivity signal into the monitor.
func (m *Monitor) Report(online bool) {
	if online {
		m.goOnline()
	} else {
		m.goOffline()
	}
}

func (m *Monitor) goOnline() {
	// Read the queue before taking m.mu; queue callbacks take m.mu too.
	snap := m.queue.Snapshot()

	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		return
	}
	m.online = true
	m.restored = false
	m.awaiting = make(map[int64]bool)
	for _, r := range snap.Records {
		if r.State != checkin.Synced {
			m.awaiting[r.LocalID] = true
		}
	}
	st := State{Online: true, PendingCount: m.pending}
	m.mu.Unlock()

	m.logger.Info("connectivity online", "pending", st.PendingCount)
	m.publish(st)
	m.queue.ResumeFailed()
	m.Kick()
}

func (m *Monitor) goOffline() {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	m.online = false
	m.awaiting = nil
	cancel := m.flushCancel
	st := State{Online: false, PendingCount: m.pending}
	m.mu.Unlock()

	m.logger.Info("connectivity offline", "pending", st.PendingCount)
	if cancel != nil {
		cancel()
	}
	m.queue.Requeue()
	m.publish(st)
}

// Kick starts a flush if online. A flush already running is followed by
// another pass so records queued meanwhile are not left behind.
func (m *Monitor) Kick() {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	if m.flushing {
		m.rerun = true
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.base)
	m.flushing = true
	m.flushCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if _, err := m.queue.Flush(ctx); err != nil {
				m.logger.Debug("flush interrupted", "error", err)
			}
			m.mu.Lock()
			again := m.rerun && m.online && m.base.Err() == nil
			m.rerun = false
			if again && ctx.Err() != nil {
				// An outage cancelled this pass and has since ended.
				cancel()
				ctx, cancel = context.WithCancel(m.base)
				m.flushCancel = cancel
			}
			if !again {
				m.flushing = false
				m.flushCancel = nil
				m.mu.Unlock()
				cancel()
				return
			}
			m.mu.Unlock()
		}
	}()
}

func (m *Monitor) onQueue(s checkin.Snapshot) {
	m.mu.Lock()
	m.pending = s.PendingCount
	fire := false
	if m.online && !m.restored && s.Change.Kind == checkin.ChangeConfirmed && m.awaiting[s.Change.LocalID] {
		m.restored = true
		fire = true
	}
	st := State{Online: m.online, PendingCount: m.pending}
	m.mu.Unlock()

	m.publish(st)
	if fire {
		m.logger.Info("connection restored")
		m.fireRestored()
	}
}

// Run probes the server every interval until ctx is cancelled. While
// online it also flushes any work that became eligible.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.prober.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("heartbeat failed", "error", err)
		m.Report(false)
		return
	}
	m.Report(true)
	if m.State().PendingCount > 0 {
		m.Kick()
	}
}

// OnState registers fn for every state change.
func (m *Monitor) OnState(fn func(State)) (cancel func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.stateSubs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.stateSubs, id)
		m.subsMu.Unlock()
	}
}

// OnRestored registers fn for the one-shot "connection restored"
// notification, fired once per online transition after the first
// previously pending check-in is confirmed.
func (m *Monitor) OnRestored(fn func()) (cancel func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.restoreSub[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.restoreSub, id)
		m.subsMu.Unlock()
	}
}

func (m *Monitor) publish(st State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.subsMu.Lock()
	fns := make([]func(State), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (m *Monitor) fireRestored() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.subsMu.Lock()
	fns := make([]func(), 0, len(m.restoreSub))
	for _, fn := range m.restoreSub {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close stops any running flush and detaches from the queue.
func (m *Monitor) Close() {
	m.stop()
	m.wg.Wait()
	m.unsubQ()
}

// HTTPProber probes the server's health endpoint.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber probes baseURL + "/api/v1/health".
func NewHTTPProber(baseURL string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: MaxInterval}
	}
	return &HTTPProber{url: strings.TrimRight(baseURL, "/") + "/api/v1/health", client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
