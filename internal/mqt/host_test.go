package mqt

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dsplink/internal/channel"
	"github.com/danmuck/dsplink/internal/irq"
	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/shmem"
	"github.com/danmuck/dsplink/internal/status"
)

const testMqa uint16 = 1

// fakeHost is a minimal directory: a set of queue ids with FIFOs.
type fakeHost struct {
	proc   uint16
	allocs *mqa.Registry

	mu     sync.Mutex
	queues map[uint16][]*msg.Msg
	errs   []control.AsyncError
	signal chan struct{}
}

func newFakeHost(t *testing.T, proc uint16, queues ...uint16) *fakeHost {
	t.Helper()
	h := &fakeHost{
		proc:   proc,
		allocs: mqa.NewRegistry(),
		queues: make(map[uint16][]*msg.Msg),
		signal: make(chan struct{}, 256),
	}
	a, err := mqa.NewBufferAllocator([]mqa.PoolConfig{{Size: 128, Count: 16}})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	if err := h.allocs.Open(testMqa, a); err != nil {
		t.Fatalf("open allocator: %v", err)
	}
	for _, q := range queues {
		h.queues[q] = nil
	}
	return h
}

func (h *fakeHost) ProcID() uint16 { return h.proc }

func (h *fakeHost) QueueExists(q uint16) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.queues[q]
	return ok
}

func (h *fakeHost) Deliver(m *msg.Msg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := m.DstQueue()
	if _, ok := h.queues[q]; !ok {
		return fmt.Errorf("%w: queue %d", status.ErrNotFound, q)
	}
	h.queues[q] = append(h.queues[q], m)
	h.signal <- struct{}{}
	return nil
}

func (h *fakeHost) Alloc(mqaID uint16, size int) (*msg.Msg, error) {
	return h.allocs.Alloc(mqaID, size)
}
func (h *fakeHost) Free(m *msg.Msg) error { return h.allocs.Free(m) }

func (h *fakeHost) NotifyError(e control.AsyncError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, e)
	h.signal <- struct{}{}
}

func (h *fakeHost) outstanding() int {
	a, _ := h.allocs.Get(testMqa)
	return a.Outstanding()
}

// waitQueue blocks until queue q holds n messages and returns them.
func (h *fakeHost) waitQueue(t *testing.T, q uint16, n int) []*msg.Msg {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		h.mu.Lock()
		got := h.queues[q]
		h.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-h.signal:
		case <-deadline:
			t.Fatalf("queue %d: have %d messages, want %d", q, len(got), n)
		}
	}
}

func (h *fakeHost) waitErrors(t *testing.T, n int) []control.AsyncError {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		h.mu.Lock()
		got := append([]control.AsyncError(nil), h.errs...)
		h.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-h.signal:
		case <-deadline:
			t.Fatalf("have %d async errors, want %d", len(got), n)
		}
	}
}

// newLinkedEngines wires a GPP and DSP engine over one heap region with a
// running bridge on each side.
func newLinkedEngines(t *testing.T) (gpp, dsp *channel.Engine) {
	t.Helper()
	layout, err := scb.ComputeLayout(scb.LayoutOptions{Messaging: true, MaxBufferSize: 256})
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	region, err := shmem.NewHeapRegion(layout.TotalSize)
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	block, err := scb.NewBlock(region.Bytes(), layout)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	block.Initialize()

	toDSP, toGPP := irq.NewPipe()
	gpp, err = channel.NewEngine(channel.Config{Role: scb.RoleGPP, Channels: 4}, block, toDSP)
	if err != nil {
		t.Fatalf("gpp engine: %v", err)
	}
	dsp, err = channel.NewEngine(channel.Config{Role: scb.RoleDSP, Channels: 4}, block, toGPP)
	if err != nil {
		t.Fatalf("dsp engine: %v", err)
	}
	for _, side := range []struct {
		role string
		rx   irq.Line
		e    *channel.Engine
	}{{"gpp", toGPP, gpp}, {"dsp", toDSP, dsp}} {
		b := irq.NewBridge(side.role)
		b.RegisterIsr("peer", side.rx)
		if err := b.RegisterDpc("channel", side.e.OnPeerSignal); err != nil {
			t.Fatalf("register dpc: %v", err)
		}
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("bridge start: %v", err)
		}
		t.Cleanup(b.Stop)
	}
	return gpp, dsp
}

func newRemote(t *testing.T, peer uint16, e *channel.Engine) *RemoteTransport {
	t.Helper()
	cfg := DefaultRemoteConfig(peer)
	cfg.Channel = 1
	cfg.ExitWait = 100 * time.Millisecond
	rt, err := NewRemoteTransport(cfg, e)
	if err != nil {
		t.Fatalf("remote transport: %v", err)
	}
	return rt
}
