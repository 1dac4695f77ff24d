package chunk

import "sync"

// Registry maintains the transferID → Assembler table for incoming transfers.
// Transfers that failed are remembered so their trailing chunks are ignored
// instead of starting a new transfer.
type Registry struct {
	mu         sync.Mutex
	assemblers map[string]*Assembler
	discarded  map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		assemblers: make(map[string]*Assembler),
		discarded:  make(map[string]struct{}),
	}
}

// GetOrCreate returns the assembler for transferID, creating it if needed.
// The boolean return value is true if the assembler already existed.
func (r *Registry) GetOrCreate(transferID string) (*Assembler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.assemblers[transferID]
	if !exists {
		a = NewAssembler(transferID)
		r.assemblers[transferID] = a
	}
	return a, exists
}

// Remove drops the assembler for a transfer that completed.
func (r *Registry) Remove(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assemblers, transferID)
}

// Discard drops the assembler for a failed transfer and remembers its id.
// It reports whether the transfer was in flight.
func (r *Registry) Discard(transferID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.assemblers[transferID]
	delete(r.assemblers, transferID)
	r.discarded[transferID] = struct{}{}
	return existed
}

// Discarded reports whether transferID previously failed.
func (r *Registry) Discarded(transferID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.discarded[transferID]
	return ok
}

// Reset discards every partial transfer and returns their ids.
func (r *Registry) Reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.assemblers))
	for id := range r.assemblers {
		ids = append(ids, id)
	}
	r.assemblers = make(map[string]*Assembler)
	r.discarded = make(map[string]struct{})
	return ids
}

// Len returns the number of transfers currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assemblers)
}
