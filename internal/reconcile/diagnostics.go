package reconcile

import (
	"sync"
	"time"
)

// Diagnostic is the latest reconciliation failure.
type Diagnostic struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

type diagnostics struct {
	mu   sync.Mutex
	last *Diagnostic
}

func (d *diagnostics) record(now time.Time, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = &Diagnostic{Time: now, Message: msg}
}

func (d *diagnostics) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = nil
}

func (d *diagnostics) get() (Diagnostic, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Diagnostic{}, false
	}
	return *d.last, true
}
