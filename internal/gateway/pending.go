package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type callKind int

const (
	kindRequest callKind = iota
	kindAgent
)

// outcome is what a waiting caller receives. Exactly one is ever sent.
type outcome struct {
	payload json.RawMessage
	text    string
	runID   string
	err     error
}

// pendingCall is one in-flight request or agent call.
type pendingCall struct {
	id      string
	kind    callKind
	aliases []string
	buf     strings.Builder // assistant text accumulator (agent calls)
	timer   *time.Timer
	done    chan outcome // buffered(1)
}

// pendingTable correlates responses and stream events to callers.
//
// Key rule: a call is registered under its request id. Agent runs that the
// gateway reports under a different runId get that runId added as an alias,
// so "res" frames (by id) and "agent" events (by runId) resolve through the
// same entry. take removes the entry and every alias in one step, so the
// first terminal path wins and the rest find nothing.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(p *pendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[p.id]; exists {
		return ErrDuplicateKey
	}
	t.entries[p.id] = p
	return nil
}

// arm starts the call's timeout; onFire runs if the entry is still live.
func (t *pendingTable) arm(key string, d time.Duration, onFire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok {
		return
	}
	p.timer = time.AfterFunc(d, onFire)
}

// alias maps an extra key onto the entry found under key.
func (t *pendingTable) alias(key, extra string) bool {
	if extra == "" || extra == key {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok {
		return false
	}
	if _, taken := t.entries[extra]; taken {
		return false
	}
	t.entries[extra] = p
	p.aliases = append(p.aliases, extra)
	return true
}

func (t *pendingTable) get(key string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	return p, ok
}

// update runs fn on the entry under the table lock.
func (t *pendingTable) update(key string, fn func(p *pendingCall)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// take removes the entry reachable by key (and all its aliases) and stops
// its timer. Returns nil when another path already took it.
func (t *pendingTable) take(key string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok {
		return nil
	}
	t.removeLocked(p)
	return p
}

func (t *pendingTable) removeLocked(p *pendingCall) {
	delete(t.entries, p.id)
	for _, a := range p.aliases {
		delete(t.entries, a)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
}

// drain removes and returns every live entry.
func (t *pendingTable) drain() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*pendingCall]bool)
	var out []*pendingCall
	for _, p := range t.entries {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range out {
		t.removeLocked(p)
	}
	return out
}

// len returns the number of distinct live calls.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, p := range t.entries {
		if k == p.id {
			n++
		}
	}
	return n
}

// settle delivers o to the caller behind key if it is still waiting.
func (t *pendingTable) settle(key string, o outcome) bool {
	p := t.take(key)
	if p == nil {
		return false
	}
	if o.runID == "" {
		o.runID = p.id
		if len(p.aliases) > 0 {
			o.runID = p.aliases[0]
		}
	}
	p.done <- o
	return true
}
