package channel

import (
	"fmt"
	"sync"

	"github.com/danmuck/dsplink/internal/irq"
	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/status"
)

type request struct {
	buf  []byte
	tag  any
	done Completion
}

type channelState struct {
	id       int
	mode     Mode
	open     bool
	out      []*request
	in       []*request
	outState State

	sent      uint64
	received  uint64
	discarded uint64
}

type inflight struct {
	ch   *channelState
	req  *request
	size int
}

// Config sizes an engine.
type Config struct {
	Role     scb.Role
	Channels int
}

// Engine moves buffers for one side. The control block holds a single
// descriptor per direction, so at most one transfer per direction is in
// flight; per channel, requests start strictly in the order issued.
//
// A send starts only when the outbound slot is empty and the peer's free
// mask shows a posted receive buffer on that channel. A receive is
// consumed in deferred processing, after which the slot is handed back
// and the peer is signalled.
type Engine struct {
	role  scb.Role
	block *scb.Block
	peer  irq.Line

	mu       sync.Mutex
	chans    []*channelState
	inflight *inflight
	cursor   int
	stopped  bool
}

// NewEngine binds an engine to block; peer is the line raised towards the
// other processor.
func NewEngine(cfg Config, block *scb.Block, peer irq.Line) (*Engine, error) {
	if cfg.Channels <= 0 || cfg.Channels > scb.MaxChannels {
		return nil, fmt.Errorf("%w: channel count %d (max %d)", status.ErrInvalidArgument, cfg.Channels, scb.MaxChannels)
	}
	if block == nil || peer == nil {
		return nil, fmt.Errorf("%w: engine needs a control block and a peer line", status.ErrInvalidArgument)
	}
	e := &Engine{
		role:  cfg.Role,
		block: block,
		peer:  peer,
		chans: make([]*channelState, cfg.Channels),
	}
	for i := range e.chans {
		e.chans[i] = &channelState{id: i}
	}
	return e, nil
}

func (e *Engine) Role() scb.Role { return e.role }

// MaxBufferSize is the largest payload one transfer can carry.
func (e *Engine) MaxBufferSize() int {
	return e.block.Outbound(e.role).Capacity()
}

// Open enables channel ch in mode.
func (e *Engine) Open(ch int, mode Mode) error {
	if mode&ModeBoth == 0 {
		return fmt.Errorf("%w: mode %v", status.ErrInvalidArgument, mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.lookupLocked(ch)
	if err != nil {
		return err
	}
	if c.open {
		return fmt.Errorf("%w: channel %d already open", status.ErrAlreadyExists, ch)
	}
	c.open = true
	c.mode = mode
	c.outState = StateIdle
	logging.Debugf("channel.Engine.Open role=%s channel=%d mode=%s", e.role, ch, mode)
	return nil
}

// Close cancels outstanding work on ch and disables it.
func (e *Engine) Close(ch int) error {
	e.mu.Lock()
	c, err := e.lookupLocked(ch)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !c.open {
		e.mu.Unlock()
		return ErrChannelClosed
	}
	done := e.cancelLocked(c)
	c.open = false
	e.mu.Unlock()

	e.finish(done)
	logging.Debugf("channel.Engine.Close role=%s channel=%d cancelled=%d", e.role, ch, len(done))
	return nil
}

// Request queues buf on ch. Outbound buffers are sent as-is; inbound buffers
// are filled by the next transfer the peer sends on ch. The buffer must not
// be touched until done runs.
func (e *Engine) Request(ch int, dir Direction, buf []byte, tag any, done Completion) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	c, err := e.lookupLocked(ch)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !c.open {
		e.mu.Unlock()
		return fmt.Errorf("%w: channel %d", ErrChannelClosed, ch)
	}
	if !c.mode.allows(dir) {
		e.mu.Unlock()
		return fmt.Errorf("%w: channel %d mode=%s dir=%s", ErrWrongMode, ch, c.mode, dir)
	}

	req := &request{buf: buf, tag: tag, done: done}
	signal := false
	switch dir {
	case Outbound:
		if len(buf) > e.block.Outbound(e.role).Capacity() {
			e.mu.Unlock()
			return fmt.Errorf("%w: %d exceeds max %d", ErrBufferSize, len(buf), e.MaxBufferSize())
		}
		c.out = append(c.out, req)
		if c.outState == StateIdle {
			c.outState = StateRequested
		}
	case Inbound:
		if len(buf) == 0 {
			e.mu.Unlock()
			return fmt.Errorf("%w: empty receive buffer", ErrBufferSize)
		}
		c.in = append(c.in, req)
		signal = e.block.SetFreeBit(e.role, c.id, true)
	}

	completed, pumped := e.pumpLocked()
	e.mu.Unlock()

	if signal || pumped {
		e.peer.Raise()
	}
	e.finish(completed)
	return nil
}

// Cancel drops all queued and in-flight work on ch without signalling the
// peer. Data already published to the peer is not retracted.
func (e *Engine) Cancel(ch int) error {
	e.mu.Lock()
	c, err := e.lookupLocked(ch)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	done := e.cancelLocked(c)
	e.mu.Unlock()

	e.finish(done)
	return nil
}

// OnPeerSignal is the deferred-processing entry point. It drains the
// inbound slot, completes a send the peer has released and starts the next
// eligible send.
func (e *Engine) OnPeerSignal() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	completed, signal := e.pumpLocked()
	e.mu.Unlock()

	if signal {
		e.peer.Raise()
	}
	e.finish(completed)
}

// Stop cancels every channel and refuses further requests.
func (e *Engine) Stop() {
	e.mu.Lock()
	var done []Result
	for _, c := range e.chans {
		done = append(done, e.cancelLocked(c)...)
		c.open = false
	}
	e.stopped = true
	e.mu.Unlock()
	e.finish(done)
}

// Snapshot reports every channel's state.
func (e *Engine) Snapshot() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.chans))
	for _, c := range e.chans {
		inState := StateIdle
		if len(c.in) > 0 {
			inState = StateRequested
		}
		out = append(out, Status{
			ID:              c.id,
			Open:            c.open,
			Mode:            c.mode.String(),
			OutboundState:   c.outState.String(),
			InboundState:    inState.String(),
			PendingOutbound: len(c.out),
			PendingInbound:  len(c.in),
			Sent:            c.sent,
			Received:        c.received,
			Discarded:       c.discarded,
		})
	}
	return out
}

func (e *Engine) lookupLocked(ch int) (*channelState, error) {
	if ch < 0 || ch >= len(e.chans) {
		return nil, fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	return e.chans[ch], nil
}

// pumpLocked advances both directions once and reports whether the peer
// needs an interrupt.
func (e *Engine) pumpLocked() ([]Result, bool) {
	var done []Result
	signal := false

	if r, ok := e.receiveLocked(); ok {
		signal = true
		if r != nil {
			done = append(done, *r)
		}
	}

	out := e.block.Outbound(e.role)
	if e.inflight != nil && !out.Full() {
		f := e.inflight
		e.inflight = nil
		f.ch.sent++
		f.ch.outState = StateCompleted
		done = append(done, Result{
			Channel:     f.ch.id,
			Direction:   Outbound,
			Buffer:      f.req.buf,
			Transferred: f.size,
			Tag:         f.req.tag,
			done:        f.req.done,
		})
		settle(f.ch)
	}

	if e.inflight == nil && !out.Full() {
		if r, started := e.startLocked(out); started {
			signal = true
			if r != nil {
				done = append(done, *r)
			}
		}
	}
	return done, signal
}

// receiveLocked consumes a full inbound slot. The second result reports
// whether the slot was released.
func (e *Engine) receiveLocked() (*Result, bool) {
	in := e.block.Inbound(e.role)
	id, size, ok := in.Peek()
	if !ok {
		return nil, false
	}

	var res *Result
	c, err := e.lookupLocked(int(id))
	switch {
	case err != nil:
		logging.Warnf("channel.Engine.receive role=%s dropped reason=bad_channel channel=%d size=%d", e.role, id, size)
	case !c.open || len(c.in) == 0:
		c.discarded++
		logging.Warnf("channel.Engine.receive role=%s dropped reason=no_buffer channel=%d size=%d", e.role, id, size)
	default:
		req := c.in[0]
		c.in = c.in[1:]
		n := in.Read(req.buf, size)
		c.received++
		res = &Result{
			Channel:     c.id,
			Direction:   Inbound,
			Buffer:      req.buf,
			Transferred: n,
			Tag:         req.tag,
			done:        req.done,
		}
		if n < size {
			logging.Warnf("channel.Engine.receive role=%s truncated channel=%d size=%d buffer=%d", e.role, id, size, len(req.buf))
		}
	}
	if c != nil && len(c.in) == 0 {
		e.block.SetFreeBit(e.role, c.id, false)
	}
	// The free mask is settled before the slot is handed back, so the peer
	// never sees an empty slot together with a stale ready bit.
	in.Release()
	return res, true
}

func (e *Engine) startLocked(out scb.Slot) (*Result, bool) {
	peerMask := e.block.FreeMask(e.role.Peer())
	n := len(e.chans)
	for i := 0; i < n; i++ {
		c := e.chans[(e.cursor+i)%n]
		if !c.open || len(c.out) == 0 || peerMask&(1<<uint(c.id)) == 0 {
			continue
		}
		req := c.out[0]
		c.out = c.out[1:]
		e.cursor = (c.id + 1) % n
		if err := out.Publish(uint32(c.id), req.buf); err != nil {
			logging.Errf("channel.Engine.start role=%s channel=%d err=%v", e.role, c.id, err)
			settle(c)
			return &Result{
				Channel:   c.id,
				Direction: Outbound,
				Buffer:    req.buf,
				Tag:       req.tag,
				Err:       err,
				done:      req.done,
			}, false
		}
		e.inflight = &inflight{ch: c, req: req, size: len(req.buf)}
		c.outState = StateInFlight
		return nil, true
	}
	return nil, false
}

func (e *Engine) cancelLocked(c *channelState) []Result {
	var done []Result
	if e.inflight != nil && e.inflight.ch == c {
		f := e.inflight
		e.inflight = nil
		done = append(done, cancelled(c.id, Outbound, f.req))
	}
	for _, req := range c.out {
		done = append(done, cancelled(c.id, Outbound, req))
	}
	for _, req := range c.in {
		done = append(done, cancelled(c.id, Inbound, req))
	}
	c.out = nil
	c.in = nil
	c.outState = StateIdle
	e.block.SetFreeBit(e.role, c.id, false)
	return done
}

func cancelled(ch int, dir Direction, req *request) Result {
	return Result{
		Channel:   ch,
		Direction: dir,
		Buffer:    req.buf,
		Tag:       req.tag,
		Err:       ErrCancelled,
		done:      req.done,
	}
}

func settle(c *channelState) {
	if len(c.out) > 0 {
		c.outState = StateRequested
		return
	}
	c.outState = StateIdle
}

func (e *Engine) finish(results []Result) {
	for _, r := range results {
		outcome := "completed"
		switch {
		case r.Err == ErrCancelled:
			outcome = "cancelled"
		case r.Err != nil:
			outcome = "failed"
		}
		observability.RecordTransfer(e.role.String(), r.Direction.String(), outcome, r.Transferred)
		if r.done != nil {
			r.done(r)
		}
	}
}
