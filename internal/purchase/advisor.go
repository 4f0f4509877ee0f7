package purchase

import (
	"sync"
	"time"
)

// Advisor gives the waterfall hints about which providers to skip. Advice is
// never binding for correctness; a wrong veto only costs stock coverage.
type Advisor interface {
	// Veto reports whether the provider should be skipped for this
	// service/country pair.
	Veto(provider, service, country string) bool
	ReportFailure(provider, service, country string)
	ReportSuccess(provider, service, country string)
}

// NopAdvisor never vetoes anything.
type NopAdvisor struct{}

func (NopAdvisor) Veto(_, _, _ string) bool     { return false }
func (NopAdvisor) ReportFailure(_, _, _ string) {}
func (NopAdvisor) ReportSuccess(_, _, _ string) {}

const (
	defaultVetoThreshold = 3
	defaultVetoTTL       = 10 * time.Minute
)

type failureEntry struct {
	count    int
	lastSeen time.Time
}

// FailureMemory vetoes a provider for a service/country pair after repeated
// recent failures. Entries age out after the TTL; a success clears the slate.
// In-memory only: restarts forget, which is acceptable for advice.
type FailureMemory struct {
	mu        sync.Mutex
	entries   map[string]failureEntry
	threshold int
	ttl       time.Duration
	now       func() time.Time
}

// NewFailureMemory creates a FailureMemory. Zero threshold or ttl pick the
// defaults (3 failures, 10 minutes).
func NewFailureMemory(threshold int, ttl time.Duration) *FailureMemory {
	if threshold <= 0 {
		threshold = defaultVetoThreshold
	}
	if ttl <= 0 {
		ttl = defaultVetoTTL
	}
	return &FailureMemory{
		entries:   make(map[string]failureEntry),
		threshold: threshold,
		ttl:       ttl,
		now:       time.Now,
	}
}

func advisorKey(provider, service, country string) string {
	return provider + "|" + service + "|" + country
}

func (m *FailureMemory) Veto(provider, service, country string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := advisorKey(provider, service, country)
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if m.now().Sub(e.lastSeen) > m.ttl {
		delete(m.entries, key)
		return false
	}
	return e.count >= m.threshold
}

func (m *FailureMemory) ReportFailure(provider, service, country string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := advisorKey(provider, service, country)
	e := m.entries[key]
	if m.now().Sub(e.lastSeen) > m.ttl {
		e.count = 0
	}
	e.count++
	e.lastSeen = m.now()
	m.entries[key] = e
}

func (m *FailureMemory) ReportSuccess(provider, service, country string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, advisorKey(provider, service, country))
}
