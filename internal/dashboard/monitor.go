package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
)

// MonitorOptions tunes a Monitor.
type MonitorOptions struct {
	Tick       time.Duration
	EvictAfter time.Duration
	Mute       []string
}

// Monitor owns a Store. Arrivals and ticks are processed one at a time on the
// goroutine running Run.
type Monitor struct {
	store      *Store
	engine     Engine
	presenter  Presenter
	logger     *zap.Logger
	tick       time.Duration
	evictAfter time.Duration
	now        func() time.Time

	muteMu sync.RWMutex
	muted  map[string]bool
}

func NewMonitor(store *Store, engine Engine, presenter Presenter, opts MonitorOptions, logger *zap.Logger) *Monitor {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	m := &Monitor{
		store:      store,
		engine:     engine,
		presenter:  presenter,
		logger:     logger,
		tick:       opts.Tick,
		evictAfter: opts.EvictAfter,
		now:        time.Now,
		muted:      make(map[string]bool, len(opts.Mute)),
	}
	for _, h := range opts.Mute {
		m.muted[h] = true
	}
	return m
}

// Run processes frames and ticks until ctx is done. The ticker is stopped on
// return. A closed frames channel keeps the ticker running so hosts still age out.
func (m *Monitor) Run(ctx context.Context, frames <-chan []byte) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if err := m.HandleFrame(frame); err != nil {
				m.logger.Warn("dropping frame", zap.Error(err))
			}
		case <-ticker.C:
			if _, err := m.Tick(); err != nil {
				m.logger.Error("presenting view", zap.Error(err))
			}
		}
	}
}

// HandleFrame applies one relay frame to the store.
func (m *Monitor) HandleFrame(frame []byte) error {
	env, err := models.DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	switch env.Event {
	case models.EventMetricsUpdate:
		rec, err := models.DecodeRecord(env.Data)
		if err != nil {
			return err
		}
		m.Ingest(rec)
	case models.EventHostOffline:
		h, err := models.DecodeHostOffline(env.Data)
		if err != nil {
			return err
		}
		if m.store.MarkOffline(h.Hostname) {
			m.assess(h.Hostname, m.now())
		}
	case models.EventError:
		return fmt.Errorf("relay refused subscription: %s", env.Data)
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownEvent, env.Event)
	}
	return nil
}

// Ingest stores rec and re-evaluates its host at once, so a recovering host
// leaves Offline without waiting for a tick.
func (m *Monitor) Ingest(rec models.MetricsRecord) Assessment {
	now := m.now()
	m.store.Upsert(rec, now)
	return m.assess(rec.Hostname, now)
}

// Tick evicts silent hosts, re-evaluates every host and presents the result.
func (m *Monitor) Tick() (View, error) {
	now := m.now()
	for _, name := range m.store.Evict(now, m.evictAfter) {
		m.logger.Info("host evicted", zap.String("hostname", name), zap.Duration("after", m.evictAfter))
	}
	for _, h := range m.store.Hosts() {
		m.assess(h.Hostname, now)
	}

	view := m.View(now)
	if m.presenter == nil {
		return view, nil
	}
	return view, m.presenter.Present(view)
}

// View builds the current presentation without re-evaluating.
func (m *Monitor) View(now time.Time) View {
	return BuildView(Order(m.store.Hosts()), m.mutedSet(), now)
}

func (m *Monitor) assess(hostname string, now time.Time) Assessment {
	h, ok := m.store.Get(hostname)
	if !ok {
		return Assessment{}
	}
	a := m.engine.EvaluateHost(h, now)
	prev, ok := m.store.Assess(hostname, a)
	if ok && prev != a.Severity {
		m.logger.Info("severity changed",
			zap.String("hostname", hostname),
			zap.Stringer("from", prev),
			zap.Stringer("to", a.Severity),
			zap.Strings("reasons", a.Reasons))
	}
	return a
}

func (m *Monitor) Mute(hostname string) {
	m.muteMu.Lock()
	defer m.muteMu.Unlock()
	m.muted[hostname] = true
}

func (m *Monitor) Unmute(hostname string) {
	m.muteMu.Lock()
	defer m.muteMu.Unlock()
	delete(m.muted, hostname)
}

func (m *Monitor) mutedSet() map[string]bool {
	m.muteMu.RLock()
	defer m.muteMu.RUnlock()
	out := make(map[string]bool, len(m.muted))
	for k, v := range m.muted {
		out[k] = v
	}
	return out
}
