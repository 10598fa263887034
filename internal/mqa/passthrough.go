package mqa

import (
	"fmt"
	"sync"

	"github.com/danmuck/dsplink/internal/protocol/msg"
)

// PassthroughAllocator allocates every message from the Go heap at its
// exact size. A non-zero limit caps the bytes outstanding at once.
type PassthroughAllocator struct {
	mu     sync.Mutex
	limit  int
	used   int
	inUse  map[*msg.Msg]int
	closed bool
}

func NewPassthroughAllocator(limit int) *PassthroughAllocator {
	return &PassthroughAllocator{limit: limit, inUse: make(map[*msg.Msg]int)}
}

func (a *PassthroughAllocator) Kind() string { return "passthrough" }

func (a *PassthroughAllocator) Alloc(size int) (*msg.Msg, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrAllocatorClosed
	}
	if a.limit > 0 && a.used+size > a.limit {
		return nil, fmt.Errorf("%w: size=%d used=%d limit=%d", ErrPoolExhausted, size, a.used, a.limit)
	}
	m, err := msg.Wrap(make([]byte, size), size)
	if err != nil {
		return nil, err
	}
	a.inUse[m] = size
	a.used += size
	return m, nil
}

func (a *PassthroughAllocator) Free(m *msg.Msg) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.inUse[m]
	if !ok {
		return ErrForeignMessage
	}
	delete(a.inUse, m)
	a.used -= size
	return nil
}

func (a *PassthroughAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

func (a *PassthroughAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Kind: a.Kind(), Outstanding: len(a.inUse), Bytes: a.used}
}

func (a *PassthroughAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inUse) > 0 {
		return fmt.Errorf("%w (%d)", ErrAllocatorBusy, len(a.inUse))
	}
	a.closed = true
	return nil
}
