// Package mqa provides the message allocators MSGQ draws buffers from.
//
// An allocator hands out *msg.Msg views over buffers it owns. The
// registry stamps the allocator id into every message header at allocation
// time, so Free always reaches the allocator that produced the buffer no
// matter which side of the link ends up releasing it.
package mqa

import (
	"fmt"

	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

var (
	ErrAllocatorBusy     = fmt.Errorf("%w: allocator has outstanding messages", status.ErrGeneralFailure)
	ErrAllocatorClosed   = fmt.Errorf("%w: allocator closed", status.ErrGeneralFailure)
	ErrPoolExhausted     = fmt.Errorf("%w: no free buffer of sufficient size", status.ErrOutOfMemory)
	ErrForeignMessage    = fmt.Errorf("%w: message not outstanding from this allocator", status.ErrInvalidArgument)
	ErrInvalidPoolLayout = fmt.Errorf("%w: invalid pool layout", status.ErrInvalidArgument)
)

// Allocator is one buffer strategy.
type Allocator interface {
	Kind() string
	// Alloc returns a message whose size field is size and whose buffer
	// holds at least size bytes.
	Alloc(size int) (*msg.Msg, error)
	Free(m *msg.Msg) error
	Outstanding() int
	Stats() Stats
	// Close fails with ErrAllocatorBusy while messages are outstanding.
	Close() error
}

// PoolConfig describes one fixed-size pool.
type PoolConfig struct {
	Size  int `toml:"size" json:"size"`
	Count int `toml:"count" json:"count"`
}

type PoolStats struct {
	Size  int `json:"size"`
	Count int `json:"count"`
	Free  int `json:"free"`
}

type Stats struct {
	Kind        string      `json:"kind"`
	Outstanding int         `json:"outstanding"`
	Bytes       int         `json:"bytes,omitempty"`
	Pools       []PoolStats `json:"pools,omitempty"`
}

func checkSize(size int) error {
	if size < msg.HeaderLen {
		return fmt.Errorf("%w: message size %d below header length %d", status.ErrInvalidArgument, size, msg.HeaderLen)
	}
	return nil
}
