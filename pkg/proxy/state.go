package proxy

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sipproxy-server/pkg/transport"
)

// DialogState tracks where a call-leg pair stands.
type DialogState int

const (
	DialogEarly DialogState = iota
	DialogConfirmed
	DialogTerminating
)

func (s DialogState) String() string {
	switch s {
	case DialogEarly:
		return "early"
	case DialogConfirmed:
		return "confirmed"
	case DialogTerminating:
		return "terminating"
	}
	return "unknown"
}

// Dialog remembers the two endpoints of a forwarded INVITE so
// in-dialog requests and NATed responses stay routable.
type Dialog struct {
	CallID       string
	Caller       transport.Endpoint
	Callee       transport.Endpoint
	State        DialogState
	CreatedAt    time.Time
	LastActivity time.Time
}

// DialogTable is the per-Call-ID dialog store. At most one dialog
// exists per Call-ID while a call is alive.
type DialogTable struct {
	m      map[string]*Dialog
	mutex  sync.Mutex
	logger *logrus.Logger
}

func NewDialogTable(logger *logrus.Logger) *DialogTable {
	return &DialogTable{m: make(map[string]*Dialog), logger: logger}
}

// Create inserts a dialog in the early state and reports true. An
// existing dialog for the Call-ID is left untouched and Create reports
// false.
func (t *DialogTable) Create(callID string, caller, callee transport.Endpoint) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.m[callID]; exists {
		return false
	}
	now := time.Now()
	t.m[callID] = &Dialog{
		CallID:       callID,
		Caller:       caller,
		Callee:       callee,
		State:        DialogEarly,
		CreatedAt:    now,
		LastActivity: now,
	}
	t.logger.WithFields(logrus.Fields{
		"event":   "DIALOG",
		"call_id": callID,
		"caller":  caller.String(),
		"callee":  callee.String(),
	}).Debug("Dialog created")
	return true
}

// Get returns a copy of the dialog, touching its activity clock.
func (t *DialogTable) Get(callID string) (Dialog, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	d, ok := t.m[callID]
	if !ok {
		return Dialog{}, false
	}
	d.LastActivity = time.Now()
	return *d, true
}

// Has reports existence without touching the activity clock.
func (t *DialogTable) Has(callID string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.m[callID]
	return ok
}

// SetState advances the dialog state machine.
func (t *DialogTable) SetState(callID string, state DialogState) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	d, ok := t.m[callID]
	if !ok {
		return
	}
	if d.State != state {
		t.logger.WithFields(logrus.Fields{
			"event":   "DIALOG",
			"call_id": callID,
			"from":    d.State.String(),
			"to":      state.String(),
		}).Debug("Dialog state changed")
	}
	d.State = state
	d.LastActivity = time.Now()
}

// Remove destroys the dialog, reporting whether it existed. The first
// caller wins; retransmissions find nothing and cause no side effects.
func (t *DialogTable) Remove(callID string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.m[callID]; !ok {
		return false
	}
	delete(t.m, callID)
	t.logger.WithFields(logrus.Fields{
		"event":   "DIALOG",
		"call_id": callID,
	}).Debug("Dialog removed")
	return true
}

// Count returns the live dialog count.
func (t *DialogTable) Count() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.m)
}

// SweepIdle removes dialogs idle past timeout and returns their ids so
// the caller can close out their CDR rows.
func (t *DialogTable) SweepIdle(timeout time.Duration) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	var expired []string
	for callID, d := range t.m {
		if now.Sub(d.LastActivity) > timeout {
			delete(t.m, callID)
			expired = append(expired, callID)
			t.logger.WithFields(logrus.Fields{
				"event":   "TIMER-DIALOG",
				"call_id": callID,
				"age":     now.Sub(d.LastActivity).String(),
			}).Warning("Stale dialog evicted")
		}
	}
	return expired
}

// PendingTable maps Call-ID to the source endpoint of the most recent
// forwarded request, used when a response's Via trail no longer
// reaches back through NAT.
type PendingTable struct {
	m      map[string]pendingEntry
	mutex  sync.Mutex
	logger *logrus.Logger
}

type pendingEntry struct {
	source transport.Endpoint
	at     time.Time
}

func NewPendingTable(logger *logrus.Logger) *PendingTable {
	return &PendingTable{m: make(map[string]pendingEntry), logger: logger}
}

// Set overwrites the entry for the Call-ID.
func (t *PendingTable) Set(callID string, source transport.Endpoint) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.m[callID] = pendingEntry{source: source, at: time.Now()}
}

// Get returns the recorded source endpoint.
func (t *PendingTable) Get(callID string) (transport.Endpoint, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	e, ok := t.m[callID]
	return e.source, ok
}

// Remove drops the entry.
func (t *PendingTable) Remove(callID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.m, callID)
}

// SweepOlder drops entries older than maxAge.
func (t *PendingTable) SweepOlder(maxAge time.Duration) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	removed := 0
	for callID, e := range t.m {
		if now.Sub(e.at) > maxAge {
			delete(t.m, callID)
			removed++
			t.logger.WithFields(logrus.Fields{
				"event":   "TIMER-F",
				"call_id": callID,
			}).Info("Expired pending request evicted")
		}
	}
	return removed
}

// BranchTable remembers the branch the proxy stamped on a forwarded
// INVITE so a later CANCEL can reuse it and hit the same downstream
// server transaction.
type BranchTable struct {
	m      map[string]branchEntry
	mutex  sync.Mutex
	logger *logrus.Logger
}

type branchEntry struct {
	branch string
	at     time.Time
}

func NewBranchTable(logger *logrus.Logger) *BranchTable {
	return &BranchTable{m: make(map[string]branchEntry), logger: logger}
}

// Set records the INVITE branch for the Call-ID.
func (t *BranchTable) Set(callID, branch string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.m[callID] = branchEntry{branch: branch, at: time.Now()}
}

// Get returns the stored branch.
func (t *BranchTable) Get(callID string) (string, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	e, ok := t.m[callID]
	return e.branch, ok
}

// Remove drops the entry once the CANCEL consumed it or the call ended.
func (t *BranchTable) Remove(callID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.m, callID)
}

// SweepOlder drops entries older than maxAge (64·T1 at the default
// sweep cadence).
func (t *BranchTable) SweepOlder(maxAge time.Duration) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	removed := 0
	for callID, e := range t.m {
		if now.Sub(e.at) > maxAge {
			delete(t.m, callID)
			removed++
			t.logger.WithFields(logrus.Fields{
				"event":   "TIMER-H",
				"call_id": callID,
			}).Debug("Expired invite branch evicted")
		}
	}
	return removed
}
