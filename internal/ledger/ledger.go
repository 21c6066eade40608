// Package ledger is the Approval Ledger (C4): per-assistant-turn
// bookkeeping of pending tool requests, keyed by tool-use id and
// grouped by continuation handle so a turn's tool_result blocks can be
// returned together (I1, §4.4).
package ledger

import (
	"sync"

	"github.com/agentd/agentd/pkg/types"
)

// Entry is one pending tool request awaiting a decision.
type Entry struct {
	ID                 string
	Name               string
	Input              map[string]any
	ContinuationHandle string
	Decision           types.Decision

	// MalformedErr is set when the provider's tool-call arguments
	// failed to parse; the entry is pre-decided rejected and this
	// message is returned as its tool-result output verbatim instead
	// of dispatching to the Tool Executor (§7).
	MalformedErr string
}

// Ledger tracks one session's in-flight tool-use groups.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry            // id -> entry
	groups  map[string]map[string]bool   // groupKey -> set of ids
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[string]*Entry),
		groups:  make(map[string]map[string]bool),
	}
}

// Enqueue adds a pending entry under its continuation handle's group.
func (l *Ledger) Enqueue(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Decision = types.DecisionUndecided
	l.entries[e.ID] = &e

	key := e.ContinuationHandle
	if l.groups[key] == nil {
		l.groups[key] = make(map[string]bool)
	}
	l.groups[key][e.ID] = true
}

// Decide sets the decision for id. Idempotent: the first decision wins.
func (l *Ledger) Decide(id string, approved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.Decision != types.DecisionUndecided {
		return
	}
	if approved {
		e.Decision = types.DecisionApproved
	} else {
		e.Decision = types.DecisionRejected
	}
}

// IsGroupResolved reports whether every entry in groupKey has a decision.
func (l *Ledger) IsGroupResolved(groupKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids, ok := l.groups[groupKey]
	if !ok || len(ids) == 0 {
		return false
	}
	for id := range ids {
		if e, ok := l.entries[id]; !ok || e.Decision == types.DecisionUndecided {
			return false
		}
	}
	return true
}

// DrainGroup returns groupKey's entries and removes them from the
// ledger. The entries come back in map iteration order, not in
// enqueue order.
func (l *Ledger) DrainGroup(groupKey string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids, ok := l.groups[groupKey]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(ids))
	for id := range ids {
		if e, ok := l.entries[id]; ok {
			out = append(out, *e)
			delete(l.entries, id)
		}
	}
	delete(l.groups, groupKey)
	return out
}

// PeekGroup returns groupKey's current entries without draining them,
// so the Session Store's pendingTools mirror can reflect the ledger's
// live state across a restart (§3, §4.1).
func (l *Ledger) PeekGroup(groupKey string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids, ok := l.groups[groupKey]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(ids))
	for id := range ids {
		if e, ok := l.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Clear discards every pending entry and group, used on cancellation
// to drop the current turn's undecided tool requests (§4.6).
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*Entry)
	l.groups = make(map[string]map[string]bool)
}

// Get looks up one pending entry by id.
func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
