// Package syncstate tracks remote synchronization progress for the active region.
// Only one region is active at a time; results for any other region never
// touch the tracker.
package syncstate

import "sync"

// State is the remote-fetch progress of the active region.
type State int

const (
	NotAttempted State = iota
	NotNeeded
	Started
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotAttempted:
		return "not_attempted"
	case NotNeeded:
		return "not_needed"
	case Started:
		return "started"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker holds the active region and its sync state.
// Transitions are made from the consolidating goroutine; reads may come from
// anywhere (logging, status reports).
type Tracker struct {
	mu      sync.RWMutex
	region  uint16
	state   State
	enabled bool
}

// New creates a tracker with no active region.
func New(enabled bool) *Tracker {
	t := &Tracker{enabled: enabled}
	t.state = t.initial()
	return t
}

func (t *Tracker) initial() State {
	if t.enabled {
		return NotAttempted
	}
	return NotNeeded
}

// SetEnabled toggles synchronization for the session and resets the state of
// the active region accordingly.
func (t *Tracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	t.state = t.initial()
}

// Enabled reports whether synchronization is enabled.
func (t *Tracker) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// ChangeRegion makes regionID the active region and resets its state.
func (t *Tracker) ChangeRegion(regionID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.region = regionID
	t.state = t.initial()
}

// Begin moves the active region from NotAttempted to Started. It returns false
// if regionID is not active or a download was already issued. Suppressing a
// second request while Started is up to the caller.
func (t *Tracker) Begin(regionID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if regionID != t.region || t.state != NotAttempted {
		return false
	}
	t.state = Started
	return true
}

// Finish records a download result. Only a Started download can finish;
// results for a region that is no longer active, or that arrive in any other
// state, are ignored and false is returned.
func (t *Tracker) Finish(regionID uint16, success bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if regionID != t.region || t.state != Started {
		return false
	}
	if success {
		t.state = Complete
	} else {
		t.state = Failed
	}
	return true
}

// Fail forces the active region into Failed.
func (t *Tracker) Fail(regionID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if regionID != t.region || t.state == NotNeeded {
		return false
	}
	t.state = Failed
	return true
}

// State returns the state of the active region.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Region returns the active region.
func (t *Tracker) Region() uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.region
}

// Snapshot returns the active region and its state under a single lock.
func (t *Tracker) Snapshot() (uint16, State) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.region, t.state
}
