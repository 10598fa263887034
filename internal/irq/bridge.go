package irq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/danmuck/dsplink/internal/status"
)

var (
	ErrBridgeRunning = fmt.Errorf("%w: bridge already running", status.ErrGeneralFailure)
	ErrNilHandler    = fmt.Errorf("%w: nil deferred handler", status.ErrInvalidArgument)
)

// Handler is a deferred processing callback. Handlers run one at a time on
// the bridge's deferred goroutine, in registration order.
type Handler func()

type dpc struct {
	name string
	fn   Handler
}

type source struct {
	name string
	line Line
}

// Bridge turns interrupts into deferred processing. The listener for each
// line only acknowledges and schedules; all real work happens in the single
// deferred context, which never runs concurrently with itself. Interrupts
// arriving while a run is in progress coalesce into one rerun.
type Bridge struct {
	role string

	mu       sync.Mutex
	sources  []source
	handlers []dpc
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	listen   context.Context

	reportedCoalesced uint64

	pending   atomic.Bool
	wake      chan struct{}
	runs      atomic.Uint64
	coalesced atomic.Uint64
}

func NewBridge(role string) *Bridge {
	return &Bridge{
		role: role,
		wake: make(chan struct{}, 1),
	}
}

// RegisterIsr attaches line as an interrupt source. Lines registered after
// Start begin listening immediately.
func (b *Bridge) RegisterIsr(name string, line Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources = append(b.sources, source{name: name, line: line})
	if b.cancel != nil {
		b.listenLocked(source{name: name, line: line})
	}
}

// RegisterDpc adds a deferred handler to the fan-out list.
func (b *Bridge) RegisterDpc(name string, fn Handler) error {
	if fn == nil {
		return ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, dpc{name: name, fn: fn})
	return nil
}

// Schedule is the interrupt-context half: mark work pending and wake the
// deferred goroutine. It never blocks.
func (b *Bridge) Schedule() {
	if b.pending.Swap(true) {
		b.coalesced.Add(1)
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches one listener per line plus the deferred goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return ErrBridgeRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.listen = ctx

	b.wg.Add(1)
	go b.deferred(ctx)
	for _, src := range b.sources {
		b.listenLocked(src)
	}
	logging.Debugf("irq.Bridge.Start role=%s lines=%d handlers=%d", b.role, len(b.sources), len(b.handlers))
	return nil
}

// Stop cancels listeners and waits for the deferred goroutine to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
	logging.Debugf("irq.Bridge.Stop role=%s runs=%d coalesced=%d", b.role, b.runs.Load(), b.coalesced.Load())
}

// Runs and Coalesced expose counters for tests and the admin surface.
func (b *Bridge) Runs() uint64      { return b.runs.Load() }
func (b *Bridge) Coalesced() uint64 { return b.coalesced.Load() }

func (b *Bridge) listenLocked(src source) {
	ctx := b.listen
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			if err := src.line.Wait(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					logging.Warnf("irq.Bridge.listen role=%s line=%s err=%v", b.role, src.name, err)
				}
				return
			}
			b.Schedule()
		}
	}()
}

func (b *Bridge) deferred(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		b.pending.Store(false)
		b.runOnce()
	}
}

func (b *Bridge) runOnce() {
	b.mu.Lock()
	handlers := append([]dpc(nil), b.handlers...)
	b.mu.Unlock()

	b.runs.Add(1)
	observability.RecordDPC(b.role, false)
	if c := b.coalesced.Load(); c > b.reportedCoalesced {
		for ; b.reportedCoalesced < c; b.reportedCoalesced++ {
			observability.RecordDPC(b.role, true)
		}
	}
	for _, h := range handlers {
		h.fn()
	}
}
