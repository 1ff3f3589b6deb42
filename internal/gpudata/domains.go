package gpudata

import (
	"time"

	"github.com/breeze-rmm/gpuhost/internal/domainblock"
)

// BlockDomainFrom3DAPIs blocks url's domain now.
func (m *Manager) BlockDomainFrom3DAPIs(url string, guilt domainblock.Guilt) {
	m.BlockDomainFrom3DAPIsAtTime(url, guilt, m.now())
}

// BlockDomainFrom3DAPIsAtTime records a reset attributed to url at t.
func (m *Manager) BlockDomainFrom3DAPIsAtTime(url string, guilt domainblock.Guilt, t time.Time) {
	m.domains.Block(url, guilt, t)
	if m.domains.Enabled() {
		log.Info("blocked 3D APIs for domain", "domain", domainblock.DomainOf(url), "guilt", guilt)
	}
}

// Are3DAPIsBlocked answers for url now. When the answer is not
// NotBlocked, observers are told asynchronously.
func (m *Manager) Are3DAPIsBlocked(url string, requester Requester) domainblock.Status {
	st := m.Are3DAPIsBlockedAtTime(url, m.now())
	if st != domainblock.NotBlocked {
		go m.notify(func(o Observer) { o.OnDidBlock3DAPIs(url, requester) })
	}
	return st
}

// Are3DAPIsBlockedAtTime is Are3DAPIsBlocked with an explicit clock and
// without notification.
func (m *Manager) Are3DAPIsBlockedAtTime(url string, t time.Time) domainblock.Status {
	return m.domains.Status(url, t)
}

// UnblockDomainFrom3DAPIs lifts url's block and the global reset history.
func (m *Manager) UnblockDomainFrom3DAPIs(url string) {
	m.domains.Unblock(url)
}

// BlockedDomains lists blocked domains for diagnostics.
func (m *Manager) BlockedDomains() []domainblock.Entry {
	return m.domains.Snapshot()
}
