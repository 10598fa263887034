package mqt

import (
	"fmt"
	"sync"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

// Registry maps processor ids to open transports for one image.
type Registry struct {
	mu    sync.RWMutex
	items map[uint16]Transport
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[uint16]Transport)}
}

// Open registers t under the processor it serves and opens it against
// host. A duplicate is rejected before t is touched.
func (r *Registry) Open(t Transport, host Host) error {
	if t == nil {
		return fmt.Errorf("%w: nil transport", status.ErrInvalidArgument)
	}
	if host == nil {
		return fmt.Errorf("%w: nil host", status.ErrInvalidArgument)
	}
	// A transport that serves the host's own processor reports InvalidProc
	// until it is opened.
	proc := t.ProcID()
	if proc == msg.InvalidProc {
		proc = host.ProcID()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[proc]; ok {
		return fmt.Errorf("%w: transport for proc %d", status.ErrAlreadyExists, proc)
	}
	if err := t.Open(host); err != nil {
		return err
	}
	r.items[proc] = t
	logging.Infof("mqt.Registry.Open proc=%d kind=%s", proc, t.Kind())
	return nil
}

func (r *Registry) Close(procID uint16) error {
	r.mu.Lock()
	t, ok := r.items[procID]
	if ok {
		delete(r.items, procID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: transport for proc %d", status.ErrNotFound, procID)
	}
	return t.Close()
}

func (r *Registry) Get(procID uint16) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[procID]
	if !ok {
		return nil, fmt.Errorf("%w: no transport for proc %d", status.ErrNotFound, procID)
	}
	return t, nil
}

// ProcIDs lists the reachable processors in ascending order.
func (r *Registry) ProcIDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedProcIDs(r.items)
}

func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.items))
	for _, id := range sortedProcIDs(r.items) {
		out = append(out, r.items[id].Stats())
	}
	return out
}

// Retry lets transports holding received frames try delivery again after
// a message was freed.
func (r *Registry) Retry() {
	r.mu.RLock()
	var holders []interface{ RetryHeld() }
	for _, t := range r.items {
		if h, ok := t.(interface{ RetryHeld() }); ok {
			holders = append(holders, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range holders {
		h.RetryHeld()
	}
}
