package channel

import (
	"sync"

	"meshalert/internal/domain"
)

// Registry holds channel definitions keyed by name and slot.
// Params: channels registered through Register.
// Returns: concurrency-safe lookup table.
type Registry struct {
	mu          sync.RWMutex
	order       []string
	byName      map[string]Channel
	defaultName string
}

// NewRegistry creates empty registry.
// Params: none.
// Returns: registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Channel)}
}

// Register validates and adds channel.
// Params: channel definition.
// Returns: ErrValidation-kind error on range/PSK violation or duplicate name/slot.
func (r *Registry) Register(ch Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[ch.Name]; exists {
		return domain.Errorf(domain.KindValidation, "register channel", "channel %q already registered", ch.Name)
	}
	for _, existing := range r.byName {
		if existing.Slot == ch.Slot {
			return domain.Errorf(domain.KindValidation, "register channel", "slot %d already used by %q", ch.Slot, existing.Name)
		}
	}
	r.byName[ch.Name] = ch
	r.order = append(r.order, ch.Name)
	return nil
}

// Remove deletes channel by name.
// Params: channel name.
// Returns: true when channel existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	for i, item := range r.order {
		if item == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.defaultName == name {
		r.defaultName = ""
	}
	return true
}

// Lookup returns channel by name.
func (r *Registry) Lookup(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byName[name]
	return ch, ok
}

// List returns channels in registration order.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Default returns explicit default or first registered channel.
// Params: none.
// Returns: channel or ErrConfig-kind error when registry is empty.
func (r *Registry) Default() (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return Channel{}, domain.Errorf(domain.KindConfig, "default channel", "no channels registered")
	}
	if r.defaultName != "" {
		if ch, ok := r.byName[r.defaultName]; ok {
			return ch, nil
		}
	}
	return r.byName[r.order[0]], nil
}

// SetDefault pins default channel.
// Params: registered channel name.
// Returns: ErrConfig-kind error for unknown name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return domain.Errorf(domain.KindConfig, "set default channel", "unknown channel %q", name)
	}
	r.defaultName = name
	return nil
}
