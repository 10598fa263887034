package mqa

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

// Registry maps allocator ids to open allocators for one image.
type Registry struct {
	mu    sync.RWMutex
	items map[uint16]Allocator
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[uint16]Allocator)}
}

// Open registers a under id.
func (r *Registry) Open(id uint16, a Allocator) error {
	if a == nil {
		return fmt.Errorf("%w: nil allocator", status.ErrInvalidArgument)
	}
	if id == msg.ControlMqaID {
		return fmt.Errorf("%w: allocator id %#x is reserved", status.ErrInvalidArgument, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: allocator %d", status.ErrAlreadyExists, id)
	}
	r.items[id] = a
	logging.Debugf("mqa.Registry.Open id=%d kind=%s", id, a.Kind())
	return nil
}

// Close closes and unregisters the allocator. A busy allocator stays open.
func (r *Registry) Close(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: allocator %d", status.ErrNotFound, id)
	}
	if err := a.Close(); err != nil {
		return fmt.Errorf("mqa: close allocator %d: %w", id, err)
	}
	delete(r.items, id)
	logging.Debugf("mqa.Registry.Close id=%d", id)
	return nil
}

func (r *Registry) Get(id uint16) (Allocator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	return a, ok
}

// Alloc draws from allocator id and stamps id into the message header.
func (r *Registry) Alloc(id uint16, size int) (*msg.Msg, error) {
	a, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: allocator %d not open", status.ErrNotFound, id)
	}
	m, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	m.SetMqaID(id)
	m.SetReplyQueue(msg.InvalidQueue)
	m.SetReplyProc(msg.InvalidProc)
	return m, nil
}

// Free returns m to the allocator named in its header.
func (r *Registry) Free(m *msg.Msg) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", status.ErrInvalidArgument)
	}
	id := m.MqaID()
	a, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: message names allocator %d which is not open", status.ErrInvalidArgument, id)
	}
	return a.Free(m)
}

// IDs returns the open allocator ids in ascending order.
func (r *Registry) IDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint16, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot reports per-allocator stats keyed by id.
func (r *Registry) Snapshot() map[uint16]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint16]Stats, len(r.items))
	for id, a := range r.items {
		out[id] = a.Stats()
	}
	return out
}
