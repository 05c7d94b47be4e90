package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
)

// HostState is everything the dashboard knows about one host.
type HostState struct {
	Hostname      string               `json:"hostname" yaml:"hostname"`
	Record        models.MetricsRecord `json:"record" yaml:"-"`
	ReceivedAt    time.Time            `json:"received_at" yaml:"received_at"`
	OfflineNotice bool                 `json:"offline_notice" yaml:"offline_notice"`
	Severity      Severity             `json:"severity" yaml:"severity"`
	Reasons       []string             `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// Store maps hostname to the latest state. Records are treated as immutable
// once stored, so snapshots share them.
type Store struct {
	mu    sync.RWMutex
	hosts map[string]HostState
}

func NewStore() *Store {
	return &Store{hosts: make(map[string]HostState)}
}

// Upsert replaces the host's record regardless of its timestamp and clears any
// offline notice. The previous severity is kept until the next assessment.
func (s *Store) Upsert(rec models.MetricsRecord, receivedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hosts[rec.Hostname]
	h.Hostname = rec.Hostname
	h.Record = rec
	h.ReceivedAt = receivedAt
	h.OfflineNotice = false
	s.hosts[rec.Hostname] = h
}

// MarkOffline records an explicit host-offline notice. Unknown hosts are ignored.
func (s *Store) MarkOffline(hostname string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return false
	}
	h.OfflineNotice = true
	s.hosts[hostname] = h
	return true
}

// Assess stores a fresh assessment and returns the severity it replaced.
func (s *Store) Assess(hostname string, a Assessment) (prev Severity, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return Healthy, false
	}
	prev = h.Severity
	h.Severity = a.Severity
	h.Reasons = a.Reasons
	s.hosts[hostname] = h
	return prev, true
}

func (s *Store) Get(hostname string) (HostState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostname]
	return h, ok
}

// Snapshot copies the full mapping.
func (s *Store) Snapshot() map[string]HostState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HostState, len(s.hosts))
	for k, v := range s.hosts {
		out[k] = v
	}
	return out
}

// Hosts returns the snapshot as a slice sorted by hostname.
func (s *Store) Hosts() []HostState {
	snap := s.Snapshot()
	out := make([]HostState, 0, len(snap))
	for _, h := range snap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

// Evict drops hosts whose record was captured more than ttl before now.
// A non-positive ttl disables eviction.
func (s *Store) Evict(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for name, h := range s.hosts {
		if now.Sub(h.Record.CapturedAt()) > ttl {
			delete(s.hosts, name)
			evicted = append(evicted, name)
		}
	}
	sort.Strings(evicted)
	return evicted
}
