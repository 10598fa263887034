package mqa

import (
	"errors"
	"testing"

	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
	"github.com/danmuck/dsplink/internal/testutil/testlog"
)

func TestRegistryStampsAndDispatchesFree(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	buf, err := NewBufferAllocator([]PoolConfig{{Size: 64, Count: 1}})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	pass := NewPassthroughAllocator(0)
	if err := r.Open(1, buf); err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if err := r.Open(2, pass); err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if err := r.Open(1, pass); !errors.Is(err, status.ErrAlreadyExists) {
		t.Fatalf("expected duplicate open to fail, got %v", err)
	}
	if err := r.Open(msg.ControlMqaID, pass); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected reserved id rejection, got %v", err)
	}

	m1, err := r.Alloc(1, 32)
	if err != nil || m1.MqaID() != 1 || m1.ReplyQueue() != msg.InvalidQueue {
		t.Fatalf("alloc 1: id=%d err=%v", m1.MqaID(), err)
	}
	m2, err := r.Alloc(2, 32)
	if err != nil || m2.MqaID() != 2 {
		t.Fatalf("alloc 2: err=%v", err)
	}
	if _, err := r.Alloc(9, 32); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected unknown allocator, got %v", err)
	}

	if err := r.Close(1); !errors.Is(err, ErrAllocatorBusy) {
		t.Fatalf("expected busy close, got %v", err)
	}
	if err := r.Free(m1); err != nil {
		t.Fatalf("free m1: %v", err)
	}
	if err := r.Free(m2); err != nil {
		t.Fatalf("free m2: %v", err)
	}
	if buf.Outstanding() != 0 || pass.Outstanding() != 0 {
		t.Fatalf("free dispatched to wrong allocator")
	}
	if err := r.Close(1); err != nil {
		t.Fatalf("close 1: %v", err)
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := r.Close(1); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected closed allocator to be gone, got %v", err)
	}
}
