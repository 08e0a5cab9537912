package lifecycle

import (
	"sort"
	"sync"
)

// Registry maps an owner to the cancellation tokens it holds.
type Registry struct {
	mu     sync.Mutex
	owners map[string]map[string]func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]map[string]func())}
}

// Add records cancel under owner and key. An existing token under the same
// key is replaced and cancelled.
func (r *Registry) Add(owner, key string, cancel func()) {
	r.mu.Lock()
	tokens, ok := r.owners[owner]
	if !ok {
		tokens = make(map[string]func())
		r.owners[owner] = tokens
	}
	prev := tokens[key]
	tokens[key] = cancel
	r.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Live reports whether key is still registered for owner.
func (r *Registry) Live(owner, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[owner][key]
	return ok
}

// Remove cancels and forgets one token.
func (r *Registry) Remove(owner, key string) {
	r.mu.Lock()
	cancel := r.owners[owner][key]
	delete(r.owners[owner], key)
	if len(r.owners[owner]) == 0 {
		delete(r.owners, owner)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// DisposeAll cancels every token of owner and returns how many ran. Tokens
// run without the registry lock held, so they may register again.
func (r *Registry) DisposeAll(owner string) int {
	r.mu.Lock()
	tokens := r.owners[owner]
	delete(r.owners, owner)
	r.mu.Unlock()

	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tokens[k]()
	}
	return len(keys)
}

// Count returns the number of tokens held by owner.
func (r *Registry) Count(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners[owner])
}

// Owners lists owners holding at least one token.
func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.owners))
	for o := range r.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
