package bridge

import (
	"sync"
)

// Pending maps correlation ids to waiters for asynchronous bridge calls.
// Entries are removed when resolved or evicted.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan string
}

// NewPending creates an empty registry.
func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan string)}
}

// Register adds a waiter for id. The returned channel receives at most one value.
func (p *Pending) Register(id string) <-chan string {
	ch := make(chan string, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers data to the waiter for id and removes it.
// Returns false when no waiter is registered (late or unknown callback).
func (p *Pending) Resolve(id, data string) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- data
	return true
}

// Remove evicts the waiter for id without completing it. Callers own the
// completion: Client.InvokeAsync removes its waiter only on the way out and
// answers a timed-out call with EmptyResponse, so a waiter never hangs.
func (p *Pending) Remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// Len returns the number of outstanding waiters.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
