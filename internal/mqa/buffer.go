package mqa

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/dsplink/internal/protocol/msg"
)

type pool struct {
	size  int
	count int
	free  []*msg.Msg
}

// BufferAllocator serves messages from preallocated fixed-size pools.
// A request is served by the smallest pool that fits and still has a free
// buffer; pools are never grown.
type BufferAllocator struct {
	mu     sync.Mutex
	pools  []*pool
	inUse  map[*msg.Msg]*pool
	closed bool
}

func NewBufferAllocator(configs []PoolConfig) (*BufferAllocator, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: at least one pool is required", ErrInvalidPoolLayout)
	}
	sorted := append([]PoolConfig(nil), configs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	a := &BufferAllocator{inUse: make(map[*msg.Msg]*pool)}
	for _, cfg := range sorted {
		if cfg.Size < msg.HeaderLen || cfg.Count <= 0 {
			return nil, fmt.Errorf("%w: size=%d count=%d", ErrInvalidPoolLayout, cfg.Size, cfg.Count)
		}
		p := &pool{size: cfg.Size, count: cfg.Count, free: make([]*msg.Msg, 0, cfg.Count)}
		slab := make([]byte, cfg.Size*cfg.Count)
		for i := 0; i < cfg.Count; i++ {
			buf := slab[i*cfg.Size : (i+1)*cfg.Size : (i+1)*cfg.Size]
			m, err := msg.Wrap(buf, msg.HeaderLen)
			if err != nil {
				return nil, err
			}
			p.free = append(p.free, m)
		}
		a.pools = append(a.pools, p)
	}
	return a, nil
}

func (a *BufferAllocator) Kind() string { return "buffer" }

func (a *BufferAllocator) Alloc(size int) (*msg.Msg, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrAllocatorClosed
	}
	for _, p := range a.pools {
		if p.size < size || len(p.free) == 0 {
			continue
		}
		m := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		m.Reset(size)
		a.inUse[m] = p
		return m, nil
	}
	return nil, fmt.Errorf("%w: size=%d", ErrPoolExhausted, size)
}

func (a *BufferAllocator) Free(m *msg.Msg) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrForeignMessage)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.inUse[m]
	if !ok {
		return ErrForeignMessage
	}
	delete(a.inUse, m)
	p.free = append(p.free, m)
	return nil
}

func (a *BufferAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

func (a *BufferAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{Kind: a.Kind(), Outstanding: len(a.inUse)}
	for _, p := range a.pools {
		st.Bytes += p.size * p.count
		st.Pools = append(st.Pools, PoolStats{Size: p.size, Count: p.count, Free: len(p.free)})
	}
	return st
}

func (a *BufferAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inUse) > 0 {
		return fmt.Errorf("%w (%d)", ErrAllocatorBusy, len(a.inUse))
	}
	a.closed = true
	return nil
}
