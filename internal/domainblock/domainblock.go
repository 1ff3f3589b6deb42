// Package domainblock tracks which web domains may no longer use 3D APIs
// after causing GPU resets.
package domainblock

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Guilt classifies how confidently a domain is blamed for a context loss.
type Guilt int

const (
	GuiltKnown Guilt = iota
	GuiltUnknown
)

func (g Guilt) String() string {
	if g == GuiltKnown {
		return "known"
	}
	return "unknown"
}

// Status is the answer to "may this URL use 3D APIs".
type Status int

const (
	Blocked Status = iota
	AllDomainsBlocked
	NotBlocked
)

func (s Status) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case AllDomainsBlocked:
		return "all_domains_blocked"
	}
	return "not_blocked"
}

const (
	// BlockAllDomainsWindow is how long a reset keeps every domain blocked.
	BlockAllDomainsWindow = 10000 * time.Millisecond
	// ResetsWithinWindow is the number of resets that trigger the global block.
	ResetsWithinWindow = 1
)

// Entry is one blocked domain.
type Entry struct {
	Domain string `json:"domain"`
	Guilt  string `json:"guilt"`
}

// Tracker holds the per-domain block map and the global reset history.
// The zero value is not usable; call New.
type Tracker struct {
	mu      sync.Mutex
	enabled bool
	domains map[string]Guilt
	resets  []time.Time
}

// New returns a tracker. A disabled tracker never blocks anything.
func New(enabled bool) *Tracker {
	return &Tracker{enabled: enabled, domains: make(map[string]Guilt)}
}

// Enabled reports whether blocking is active.
func (t *Tracker) Enabled() bool { return t.enabled }

// Block records a reset caused by rawURL's domain at time at.
func (t *Tracker) Block(rawURL string, guilt Guilt, at time.Time) {
	if !t.enabled {
		return
	}
	domain := DomainOf(rawURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.domains[domain] = guilt
	t.resets = append(t.resets, at)
}

// Status answers for rawURL at time at. A blocked domain stays blocked
// until Unblock. Otherwise resets older than the window are dropped and
// every domain is blocked while enough recent resets remain.
func (t *Tracker) Status(rawURL string, at time.Time) Status {
	if !t.enabled {
		return NotBlocked
	}
	domain := DomainOf(rawURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.domains[domain]; ok {
		return Blocked
	}

	kept := t.resets[:0]
	for _, r := range t.resets {
		if at.Sub(r) <= BlockAllDomainsWindow {
			kept = append(kept, r)
		}
	}
	t.resets = kept

	if len(t.resets) >= ResetsWithinWindow {
		return AllDomainsBlocked
	}
	return NotBlocked
}

// Unblock clears rawURL's domain and the whole reset history, which also
// lifts a global block another domain caused.
func (t *Tracker) Unblock(rawURL string) {
	domain := DomainOf(rawURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.domains, domain)
	t.resets = nil
}

// Snapshot lists blocked domains sorted by name.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.domains))
	for d, g := range t.domains {
		out = append(out, Entry{Domain: d, Guilt: g.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// RecentResets returns the number of resets currently recorded.
func (t *Tracker) RecentResets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resets)
}

// DomainOf returns the host part of rawURL, lower-cased. URLs with a scheme
// but no host (about:, data:, file:) all map to the empty domain. Strings
// without a scheme are treated as a bare host.
func DomainOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(rawURL)
	}
	if u.Host != "" {
		return strings.ToLower(u.Hostname())
	}
	if u.Scheme != "" {
		return ""
	}
	return strings.ToLower(rawURL)
}
