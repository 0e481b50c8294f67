// Package roster tracks the live set of room occupants. Entries are keyed
// by full JID and survive departures: an unavailable presence flips the
// status instead of deleting, so rejoin history and last-seen times stay
// queryable. PruneUnavailable bounds the growth.
package roster

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kgchat/kgchat/internal/xmpp/jidutil"
)

// Occupant status values.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// Entry is one tracked occupant.
type Entry struct {
	UserID      string
	Login       string
	JID         string
	Background  string
	GameID      string
	Affiliation string
	Role        string
	Moderator   bool
	Status      string
	LastSeen    time.Time
}

// Update carries the fields of a parsed available presence into the store.
type Update struct {
	JID         string
	Login       string
	UserID      string
	Background  string
	GameID      string
	Affiliation string
	Role        string
	Moderator   bool
}

// Manager is the roster store. Safe for concurrent use; the listen loop
// writes while readers query from other goroutines.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewManager creates an empty roster.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*Entry)}
}

// AddOrUpdate applies an available presence. An existing entry is mutated
// in place: login, affiliation, role and moderator always follow the
// update; user ID and background only when newly known; game ID is always
// overwritten, including back to empty, so leaving a game is reflected.
func (m *Manager) AddOrUpdate(u Update) Entry {
	if u.UserID == "" {
		u.UserID, _ = jidutil.ExtractUserData(u.JID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[u.JID]
	if !ok {
		e = &Entry{JID: u.JID}
		m.entries[u.JID] = e
	}
	e.Login = u.Login
	if u.UserID != "" {
		e.UserID = u.UserID
	}
	if u.Background != "" {
		e.Background = u.Background
	}
	e.GameID = u.GameID
	e.Affiliation = u.Affiliation
	e.Role = u.Role
	e.Moderator = u.Moderator
	e.Status = StatusAvailable
	e.LastSeen = time.Now()
	return *e
}

// Remove marks an occupant unavailable. The entry is retained; it reports
// whether the JID was known.
func (m *Manager) Remove(jid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jid]
	if !ok {
		return false
	}
	e.Status = StatusUnavailable
	return true
}

// Get returns a copy of the entry for a full JID.
func (m *Manager) Get(jid string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[jid]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// All returns copies of every entry, sorted by login.
func (m *Manager) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(*Entry) bool { return true })
}

// Online returns copies of the entries currently available, sorted by
// login.
func (m *Manager) Online() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(e *Entry) bool { return e.Status == StatusAvailable })
}

// Count returns the number of tracked entries, departed ones included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear drops every entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
}

// PruneUnavailable deletes entries that have been unavailable for longer
// than olderThan and returns how many were dropped.
func (m *Manager) PruneUnavailable(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for jid, e := range m.entries {
		if e.Status == StatusUnavailable && e.LastSeen.Before(cutoff) {
			delete(m.entries, jid)
			pruned++
		}
	}
	return pruned
}

func (m *Manager) collect(keep func(*Entry) bool) []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Login) < strings.ToLower(out[j].Login)
	})
	return out
}
