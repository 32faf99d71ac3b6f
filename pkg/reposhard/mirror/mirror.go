// Package mirror implements MirrorMap: a named pool of base URLs the Fetch
// Engine selects from per attempt, plus the pass-through mirror used when a
// request already carries a fully-qualified URL.
package mirror

import (
	"fmt"
	"net/url"
	"sync"
)

// PassThroughPrefix names the synthetic mirror the engine uses for requests
// that carry an absolute URL instead of a relative path.
const PassThroughPrefix = "__passthrough__"

// Map maps a mirror name to its ordered list of candidate base URLs. It is
// mutated only during setup and by AddPassThrough; reads are otherwise safe
// for concurrent use, per the concurrency model.
type Map struct {
	mu      sync.Mutex
	mirrors map[string][]string
	// lastSuccess records the index, within mirrors[name], of the base URL
	// that most recently completed a request successfully, so the next
	// selection for that name prefers it.
	lastSuccess map[string]int
}

// New builds a Map from name -> base URLs. Each entry's URL list is copied.
func New(mirrors map[string][]string) *Map {
	m := &Map{
		mirrors:     make(map[string][]string, len(mirrors)),
		lastSuccess: make(map[string]int),
	}

	for name, urls := range mirrors {
		cp := make([]string, len(urls))
		copy(cp, urls)
		m.mirrors[name] = cp
	}

	return m
}

// Select returns the base URL to use for the attempt'th try against name:
// the last successful base URL on attempt 0, then round-robin over the rest.
func (m *Map) Select(name string, attempt int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	urls := m.mirrors[name]
	if len(urls) == 0 {
		return "", fmt.Errorf("mirror: no base URLs registered for %q", name)
	}

	start := 0
	if last, ok := m.lastSuccess[name]; ok {
		start = last
	}

	idx := (start + attempt) % len(urls)

	return urls[idx], nil
}

// RecordSuccess remembers which base URL last succeeded for name, so future
// selections prefer it first.
func (m *Map) RecordSuccess(name, baseURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, u := range m.mirrors[name] {
		if u == baseURL {
			m.lastSuccess[name] = i

			return
		}
	}
}

// AddPassThrough lazily registers a single-URL pass-through mirror for an
// absolute URL, so the Fetch Engine can route fully-qualified request URLs
// through the same selection machinery as named mirrors. It returns the
// synthetic mirror name to use for the request.
func (m *Map) AddPassThrough(absoluteURL string) (string, error) {
	u, err := url.Parse(absoluteURL)
	if err != nil {
		return "", fmt.Errorf("mirror: parsing pass-through URL: %w", err)
	}

	base := u.Scheme + "://" + u.Host
	name := PassThroughPrefix + base

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mirrors[name]; !ok {
		m.mirrors[name] = []string{base}
	}

	return name, nil
}

// Names returns the registered mirror names, for diagnostics.
func (m *Map) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.mirrors))
	for name := range m.mirrors {
		names = append(names, name)
	}

	return names
}
