// Package uidmap implements the uid/package map interface consumed by the
// core (§6), grounded on UidMap.h: AppData/ChangeRecord bookkeeping,
// isolated-uid->parent-uid remapping, and a byte-budget-bounded change log.
package uidmap

import (
	"fmt"
	"sort"
	"sync"
)

// AppData mirrors UidMap.h's AppData: per (uid, package) application
// metadata.
type AppData struct {
	VersionCode     int64
	VersionString   string
	Installer       string
	Deleted         bool
	CertificateHash string
}

// ChangeRecord mirrors UidMap.h's ChangeRecord: one entry per app
// add/update/remove notification, retained until drained or evicted by the
// byte-budget guardrail.
type ChangeRecord struct {
	Deletion        bool
	TimestampNs     int64
	Package         string
	Uid             int32
	Version         int64
	PrevVersion     int64
	VersionString   string
	PrevVersionString string
}

// approxBytes is a conservative per-record accounting unit, standing in
// for UidMap.h's sizeof(ChangeRecord) -- Go structs have no fixed
// marshaled size, so this is a deliberate overestimate of the string
// fields rather than an exact sizeof.
func (c ChangeRecord) approxBytes() int {
	return 64 + len(c.Package) + len(c.VersionString) + len(c.PrevVersionString)
}

type key struct {
	uid     int32
	pkg     string
}

// Map is the concrete uid/package map implementation.
type Map struct {
	mu sync.RWMutex

	apps map[key]AppData

	isoMu     sync.RWMutex
	isolated  map[int32]int32 // isolated uid -> parent uid

	changes      []ChangeRecord
	bytesUsed    int
	maxBytes     int
}

// DefaultMaxBytes mirrors the statsd guardrail default magnitude; callers
// needing a different ceiling should set MaxBytesOverride.
const DefaultMaxBytes = 1 << 16

// New creates an empty uid map with the default byte budget.
func New() *Map {
	return &Map{
		apps:     make(map[key]AppData),
		isolated: make(map[int32]int32),
		maxBytes: DefaultMaxBytes,
	}
}

// SetMaxBytesOverride overrides the byte budget, mirroring
// UidMap::maxBytesOverride (0 restores the default).
func (m *Map) SetMaxBytesOverride(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		m.maxBytes = DefaultMaxBytes
		return
	}
	m.maxBytes = n
}

// UpdateApp records an app add/update, appending a ChangeRecord and
// applying the byte-budget guardrail.
func (m *Map) UpdateApp(timestampNs int64, appName string, uid int32, versionCode int64, versionString, installer, certHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{uid: uid, pkg: appName}
	prev, existed := m.apps[k]

	m.apps[k] = AppData{
		VersionCode:     versionCode,
		VersionString:   versionString,
		Installer:       installer,
		CertificateHash: certHash,
	}

	rec := ChangeRecord{
		TimestampNs:   timestampNs,
		Package:       appName,
		Uid:           uid,
		Version:       versionCode,
		VersionString: versionString,
	}
	if existed {
		rec.PrevVersion = prev.VersionCode
		rec.PrevVersionString = prev.VersionString
	}
	m.appendChangeLocked(rec)
}

// RemoveApp records an app removal.
func (m *Map) RemoveApp(timestampNs int64, appName string, uid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{uid: uid, pkg: appName}
	if data, ok := m.apps[k]; ok {
		data.Deleted = true
		m.apps[k] = data
	}

	m.appendChangeLocked(ChangeRecord{
		Deletion:    true,
		TimestampNs: timestampNs,
		Package:     appName,
		Uid:         uid,
	})
}

// appendChangeLocked must be called with m.mu held.
func (m *Map) appendChangeLocked(rec ChangeRecord) {
	m.changes = append(m.changes, rec)
	m.bytesUsed += rec.approxBytes()
	m.ensureBytesUsedBelowLimitLocked()
}

// ensureBytesUsedBelowLimitLocked evicts the oldest change records until
// the byte budget is respected, mirroring UidMap::ensureBytesUsedBelowLimit
// -- "drop the earliest snapshot/delta entries" generalized to a single
// change-record list since this port has no separate snapshot buffer.
func (m *Map) ensureBytesUsedBelowLimitLocked() {
	for m.bytesUsed > m.maxBytes && len(m.changes) > 1 {
		m.bytesUsed -= m.changes[0].approxBytes()
		m.changes = m.changes[1:]
	}
}

// AssignIsolatedUid records an isolated-uid -> parent-uid mapping.
func (m *Map) AssignIsolatedUid(isolatedUid, parentUid int32) {
	m.isoMu.Lock()
	defer m.isoMu.Unlock()
	m.isolated[isolatedUid] = parentUid
}

// RemoveIsolatedUid clears a previously assigned mapping.
func (m *Map) RemoveIsolatedUid(isolatedUid int32) {
	m.isoMu.Lock()
	defer m.isoMu.Unlock()
	delete(m.isolated, isolatedUid)
}

// GetHostUidOrSelf returns the parent uid for an isolated uid, or uid
// itself if it is not isolated, per §6.
func (m *Map) GetHostUidOrSelf(uid int32) int32 {
	m.isoMu.RLock()
	defer m.isoMu.RUnlock()
	if parent, ok := m.isolated[uid]; ok {
		return parent
	}
	return uid
}

// GetAppNamesFromUid returns the set of package names attributed to uid.
// normalize lower-cases the result, mirroring normalizeAppName.
func (m *Map) GetAppNamesFromUid(uid int32, normalize bool) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for k := range m.apps {
		if k.uid != uid {
			continue
		}
		name := k.pkg
		if normalize {
			name = normalizeAppName(name)
		}
		out[name] = true
	}
	return out
}

func normalizeAppName(appName string) string {
	b := []byte(appName)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// GetBytesUsed returns the cached byte accounting for the change log.
func (m *Map) GetBytesUsed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytesUsed
}

// DrainChanges returns every retained ChangeRecord and clears the log,
// mirroring appendUidMap's "delete once every config key has received the
// record" contract collapsed to a single consumer.
func (m *Map) DrainChanges() []ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.changes
	m.changes = nil
	m.bytesUsed = 0
	return out
}

// Snapshot returns a deterministic textual dump of the current map,
// mirroring printUidMap's debugging helper.
func (m *Map) Snapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines := make([]string, 0, len(m.apps))
	for k, v := range m.apps {
		lines = append(lines, fmt.Sprintf("uid=%d package=%s version=%d deleted=%v", k.uid, k.pkg, v.VersionCode, v.Deleted))
	}
	sort.Strings(lines)
	return lines
}
