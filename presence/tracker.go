package presence

import (
	"sync"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
)

// Presence status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// Tracker online / offline / typing status keyed by identity. Entries expire
// back to offline after the staleness window if not refreshed; expiry is
// enforced lazily on read. A periodic Sweep is optional.
type Tracker interface {
	// SetStatus record an identity's status, refreshing its staleness deadline
	SetStatus(identity, status string)
	// GetStatus fetch an identity's status. Unknown or stale identities
	// report offline.
	GetStatus(identity string) string
	// ListOnline snapshot of all identities currently online
	ListOnline() []string
	// OnDisconnect mark an identity offline
	OnDisconnect(identity string)
	// Sweep drop all stale entries. Optional; reads already ignore them.
	Sweep()
}

// statusEntry one tracked identity
type statusEntry struct {
	status    string
	refreshed time.Time
}

// trackerImpl implements Tracker
type trackerImpl struct {
	common.Component
	lock            sync.RWMutex
	entries         map[string]statusEntry
	stalenessWindow time.Duration
}

// GetTrackerInstance get instance of Tracker
func GetTrackerInstance(instance string, stalenessWindow time.Duration) (Tracker, error) {
	logTags := log.Fields{
		"module": "presence", "component": "tracker", "instance": instance,
	}
	return &trackerImpl{
		Component:       common.Component{LogTags: logTags},
		entries:         make(map[string]statusEntry),
		stalenessWindow: stalenessWindow,
	}, nil
}

// SetStatus record an identity's status
func (t *trackerImpl) SetStatus(identity, status string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if status == StatusOffline {
		delete(t.entries, identity)
		return
	}
	t.entries[identity] = statusEntry{status: status, refreshed: time.Now()}
	log.WithFields(t.LogTags).Debugf("Presence of %s is now %s", identity, status)
}

// fresh whether an entry is still within the staleness window
func (t *trackerImpl) fresh(entry statusEntry) bool {
	return time.Since(entry.refreshed) < t.stalenessWindow
}

// GetStatus fetch an identity's status
func (t *trackerImpl) GetStatus(identity string) string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	entry, present := t.entries[identity]
	if !present || !t.fresh(entry) {
		return StatusOffline
	}
	return entry.status
}

// ListOnline snapshot of all identities currently online
func (t *trackerImpl) ListOnline() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	result := make([]string, 0, len(t.entries))
	for identity, entry := range t.entries {
		if entry.status == StatusOnline && t.fresh(entry) {
			result = append(result, identity)
		}
	}
	return result
}

// OnDisconnect mark an identity offline
func (t *trackerImpl) OnDisconnect(identity string) {
	log.WithFields(t.LogTags).Debugf("Presence of %s cleared on disconnect", identity)
	t.SetStatus(identity, StatusOffline)
}

// Sweep drop all stale entries
func (t *trackerImpl) Sweep() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for identity, entry := range t.entries {
		if !t.fresh(entry) {
			delete(t.entries, identity)
		}
	}
}
