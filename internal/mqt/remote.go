package mqt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dsplink/internal/channel"
	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

// Channels is the part of the channel engine a remote transport drives.
type Channels interface {
	Open(ch int, mode channel.Mode) error
	Close(ch int) error
	Request(ch int, dir channel.Direction, buf []byte, tag any, done channel.Completion) error
	MaxBufferSize() int
}

// RemoteConfig binds a remote transport to one channel.
type RemoteConfig struct {
	PeerProc    uint16
	Channel     int
	RecvBuffers int
	// ExitWait bounds how long Close waits for the Exit frame to reach the
	// peer before tearing the channel down.
	ExitWait time.Duration
	// OnHold reports when received frames start and stop waiting for a
	// free message on this side.
	OnHold func(pending bool)
}

func DefaultRemoteConfig(peer uint16) RemoteConfig {
	return RemoteConfig{PeerProc: peer, Channel: 0, RecvBuffers: 4, ExitWait: 250 * time.Millisecond}
}

// RemoteTransport reaches the peer processor's queues over one channel.
// Inbound frames are handled in the channel completion, which runs in
// deferred processing.
type RemoteTransport struct {
	cfg   RemoteConfig
	chans Channels

	mu      sync.RWMutex
	host    Host
	open    bool
	exited  bool
	closing bool

	refs    *refTable
	pending *locateTable

	// Data frames that could not get a message stay in their receive
	// buffer, which is not reposted, so the peer's sends back up behind
	// the free mask.
	drainMu sync.Mutex
	heldMu  sync.Mutex
	held    []heldFrame
	retry   atomic.Bool
	holding atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	frames   sync.Map // kind string -> *atomic.Uint64
}

type heldFrame struct {
	hdr msg.Header
	buf []byte
}

func NewRemoteTransport(cfg RemoteConfig, chans Channels) (*RemoteTransport, error) {
	if chans == nil {
		return nil, fmt.Errorf("%w: remote transport needs a channel engine", status.ErrInvalidArgument)
	}
	if cfg.RecvBuffers <= 0 {
		return nil, fmt.Errorf("%w: recv_buffers must be positive", status.ErrInvalidArgument)
	}
	if cfg.Channel < 0 {
		return nil, fmt.Errorf("%w: channel %d", status.ErrInvalidArgument, cfg.Channel)
	}
	if chans.MaxBufferSize() < control.MaxFrameLen {
		return nil, fmt.Errorf("%w: max buffer %d cannot carry control frames", status.ErrInvalidArgument, chans.MaxBufferSize())
	}
	return &RemoteTransport{
		cfg:     cfg,
		chans:   chans,
		refs:    newRefTable(),
		pending: newLocateTable(),
	}, nil
}

func (t *RemoteTransport) Kind() string   { return "remote" }
func (t *RemoteTransport) ProcID() uint16 { return t.cfg.PeerProc }

// Open claims the channel and posts the receive buffers.
func (t *RemoteTransport) Open(host Host) error {
	if host == nil {
		return fmt.Errorf("%w: nil host", status.ErrInvalidArgument)
	}
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	if err := t.chans.Open(t.cfg.Channel, channel.ModeBoth); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("mqt: open channel %d: %w", t.cfg.Channel, err)
	}
	t.host = host
	t.open = true
	t.exited = false
	t.closing = false
	t.mu.Unlock()

	size := t.chans.MaxBufferSize()
	for i := 0; i < t.cfg.RecvBuffers; i++ {
		if err := t.post(make([]byte, size)); err != nil {
			_ = t.chans.Close(t.cfg.Channel)
			t.mu.Lock()
			t.open = false
			t.host = nil
			t.mu.Unlock()
			return fmt.Errorf("mqt: post receive buffer: %w", err)
		}
	}
	logging.Infof("mqt.RemoteTransport.Open proc=%d peer=%d channel=%d recv_buffers=%d", host.ProcID(), t.cfg.PeerProc, t.cfg.Channel, t.cfg.RecvBuffers)
	return nil
}

// Close tells the peer this side is leaving, then releases the channel.
// Outstanding locates fail with ErrNotOpen.
func (t *RemoteTransport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.closing = true
	exited := t.exited
	host := t.host
	t.mu.Unlock()

	if !exited {
		sent := make(chan error, 1)
		err := t.sendControl(control.Exit{}, host.ProcID(), func(r channel.Result) { sent <- r.Err })
		if err == nil {
			select {
			case err = <-sent:
			case <-time.After(t.cfg.ExitWait):
				err = fmt.Errorf("%w: exit not consumed within %s", status.ErrTimeout, t.cfg.ExitWait)
			}
		}
		if err != nil {
			logging.Warnf("mqt.RemoteTransport.Close peer=%d exit_err=%v", t.cfg.PeerProc, err)
		}
	}

	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	if err := t.chans.Close(t.cfg.Channel); err != nil {
		logging.Warnf("mqt.RemoteTransport.Close channel=%d err=%v", t.cfg.Channel, err)
	}
	t.failPending(ErrNotOpen, nil)
	t.refs.reset()
	t.dropHeld()

	t.mu.Lock()
	t.host = nil
	t.mu.Unlock()
	logging.Infof("mqt.RemoteTransport.Close peer=%d channel=%d", t.cfg.PeerProc, t.cfg.Channel)
	return nil
}

func (t *RemoteTransport) state() (Host, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case !t.open || t.closing:
		return nil, ErrNotOpen
	case t.exited:
		return nil, ErrPeerExited
	}
	return t.host, nil
}

// Locate asks the peer for queueID and waits for the ack. A negative ack
// fails at once with NotFound; no ack within timeout fails with NotFound
// wrapping Timeout. A non-positive timeout waits for ctx only.
func (t *RemoteTransport) Locate(ctx context.Context, queueID uint16, timeout time.Duration) error {
	host, err := t.state()
	if err != nil {
		return err
	}
	p := &pendingLocate{queueID: queueID, sentAt: time.Now(), done: make(chan ackResult, 1)}
	handle := t.pending.add(p)
	req := control.LocateRequest{
		MsgqID:      queueID,
		MqaID:       msg.ControlMqaID,
		Timeout:     uint32(timeout / time.Millisecond),
		ReplyHandle: handle,
		SemHandle:   p.sem,
	}
	if err := t.sendControl(req, host.ProcID(), nil); err != nil {
		t.pending.remove(handle)
		observability.RecordLocate(t.Kind(), "sync", "error")
		return err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case res := <-p.done:
		if res.err != nil {
			observability.RecordLocate(t.Kind(), "sync", "error")
			return res.err
		}
		if !res.found {
			observability.RecordLocate(t.Kind(), "sync", "not_found")
			return fmt.Errorf("%w: queue %d on proc %d", status.ErrNotFound, queueID, t.cfg.PeerProc)
		}
		t.refs.acquire(queueID)
		observability.RecordLocate(t.Kind(), "sync", "found")
		return nil
	case <-expired:
		t.pending.remove(handle)
		observability.RecordLocate(t.Kind(), "sync", "timeout")
		return fmt.Errorf("%w (%w): queue %d on proc %d after %s", status.ErrNotFound, status.ErrTimeout, queueID, t.cfg.PeerProc, timeout)
	case <-ctx.Done():
		t.pending.remove(handle)
		observability.RecordLocate(t.Kind(), "sync", "timeout")
		return fmt.Errorf("%w (%w): %w", status.ErrNotFound, status.ErrTimeout, ctx.Err())
	}
}

// LocateAsync sends the request and returns. The ack is turned into an
// AsyncLocate message on req.ReplyQueue.
func (t *RemoteTransport) LocateAsync(req AsyncLocate) error {
	host, err := t.state()
	if err != nil {
		return err
	}
	async := req
	p := &pendingLocate{queueID: req.QueueID, sentAt: time.Now(), async: &async}
	handle := t.pending.add(p)
	wire := control.LocateRequest{
		MsgqID:      req.QueueID,
		MqaID:       req.MqaID,
		ReplyHandle: handle,
		Arg:         req.Arg,
		SemHandle:   p.sem,
	}
	if err := t.sendControl(wire, host.ProcID(), nil); err != nil {
		t.pending.remove(handle)
		return err
	}
	return nil
}

// Release drops one locate reference. The peer keeps no per-reference
// state, so nothing crosses the link.
func (t *RemoteTransport) Release(queueID uint16) error {
	t.mu.RLock()
	open := t.open
	t.mu.RUnlock()
	if !open {
		return ErrNotOpen
	}
	_, err := t.refs.release(queueID)
	return err
}

// Put frames m onto the channel. The buffer is returned to its allocator
// once the peer has copied it out.
func (t *RemoteTransport) Put(m *msg.Msg) error {
	host, err := t.state()
	if err != nil {
		return err
	}
	if m.Size() > t.chans.MaxBufferSize() {
		return fmt.Errorf("%w: message %d bytes exceeds channel max %d", status.ErrInvalidArgument, m.Size(), t.chans.MaxBufferSize())
	}
	err = t.chans.Request(t.cfg.Channel, channel.Outbound, m.Bytes(), m, func(r channel.Result) {
		if r.Err != nil {
			t.dropped.Add(1)
			logging.Warnf("mqt.RemoteTransport.Put queue=%d err=%v", m.DstQueue(), r.Err)
		} else {
			t.sent.Add(1)
		}
		if ferr := host.Free(m); ferr != nil {
			logging.Errf("mqt.RemoteTransport.Put free queue=%d err=%v", m.DstQueue(), ferr)
		}
	})
	if err != nil {
		return fmt.Errorf("mqt: put to proc %d: %w", t.cfg.PeerProc, err)
	}
	t.countFrame("data", "tx")
	return nil
}

func (t *RemoteTransport) Stats() Stats {
	t.mu.RLock()
	open, exited := t.open, t.exited
	t.mu.RUnlock()
	frames := make(map[string]uint64)
	t.frames.Range(func(k, v any) bool {
		frames[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return Stats{
		Kind:           t.Kind(),
		ProcID:         t.cfg.PeerProc,
		Channel:        t.cfg.Channel,
		Open:           open,
		PeerExited:     exited,
		Located:        t.refs.snapshot(),
		PendingLocates: t.pending.len(),
		Held:           t.heldLen(),
		Sent:           t.sent.Load(),
		Received:       t.received.Load(),
		Dropped:        t.dropped.Load(),
		Frames:         frames,
	}
}

func (t *RemoteTransport) sendControl(m control.Message, srcProc uint16, done channel.Completion) error {
	frame := control.Marshal(m, srcProc)
	if err := t.chans.Request(t.cfg.Channel, channel.Outbound, frame, nil, done); err != nil {
		return fmt.Errorf("mqt: send %s to proc %d: %w", m.Kind(), t.cfg.PeerProc, err)
	}
	t.countFrame(m.Kind().String(), "tx")
	return nil
}

func (t *RemoteTransport) post(buf []byte) error {
	return t.chans.Request(t.cfg.Channel, channel.Inbound, buf, nil, t.onReceive)
}

// onReceive runs in deferred processing for every filled receive buffer.
func (t *RemoteTransport) onReceive(r channel.Result) {
	if r.Err != nil {
		return
	}
	t.mu.RLock()
	host, open := t.host, t.open
	t.mu.RUnlock()
	if !open || host == nil {
		return
	}

	frame := r.Buffer[:r.Transferred]
	h, err := msg.DecodeHeader(frame)
	switch {
	case err != nil:
		t.dropped.Add(1)
		logging.Warnf("mqt.RemoteTransport.receive dropped reason=bad_header len=%d err=%v", len(frame), err)
	case h.IsControl():
		t.handleControl(host, frame)
	default:
		t.received.Add(1)
		t.countFrame("data", "rx")
		t.heldMu.Lock()
		t.held = append(t.held, heldFrame{hdr: h, buf: r.Buffer})
		t.heldMu.Unlock()
		t.drainHeld(host)
		return
	}
	t.repost(r.Buffer)
}

func (t *RemoteTransport) repost(buf []byte) {
	t.mu.RLock()
	open := t.open
	t.mu.RUnlock()
	if !open {
		return
	}
	if err := t.post(buf); err != nil {
		logging.Warnf("mqt.RemoteTransport.onReceive repost channel=%d err=%v", t.cfg.Channel, err)
	}
}

// RetryHeld retries delivery of frames waiting for a free message. The
// directory calls it whenever a message is freed.
func (t *RemoteTransport) RetryHeld() {
	if t.heldLen() == 0 {
		return
	}
	t.mu.RLock()
	host, open := t.host, t.open
	t.mu.RUnlock()
	if !open || host == nil {
		return
	}
	t.drainHeld(host)
}

// drainHeld delivers held frames in arrival order. One caller drains at a
// time; a caller that finds the drain busy leaves a retry for it, so a
// free made from inside delivery is not lost.
func (t *RemoteTransport) drainHeld(host Host) {
	t.retry.Store(true)
	for t.retry.Load() {
		if !t.drainMu.TryLock() {
			return
		}
		t.retry.Store(false)
		t.deliverHeldLocked(host)
		t.drainMu.Unlock()
	}
}

func (t *RemoteTransport) deliverHeldLocked(host Host) {
	for {
		t.heldMu.Lock()
		if len(t.held) == 0 {
			t.heldMu.Unlock()
			t.setHolding(false)
			return
		}
		f := t.held[0]
		t.heldMu.Unlock()

		m, err := host.Alloc(f.hdr.MqaID, int(f.hdr.Size))
		if errors.Is(err, status.ErrOutOfMemory) {
			t.setHolding(true)
			return
		}
		t.heldMu.Lock()
		t.held[0] = heldFrame{}
		t.held = t.held[1:]
		t.heldMu.Unlock()

		if err != nil {
			t.dropped.Add(1)
			logging.Warnf("mqt.RemoteTransport.receive dropped reason=alloc queue=%d mqa=%d err=%v", f.hdr.DstQueue, f.hdr.MqaID, err)
			host.NotifyError(control.AsyncError{Type: control.ErrorPutFailed, ProcID: t.cfg.PeerProc, Code: status.CodeOf(err), Arg1: uint32(f.hdr.DstQueue)})
			t.repost(f.buf)
			continue
		}
		copy(m.Buffer(), f.buf[:f.hdr.Size])
		t.repost(f.buf)
		if err := host.Deliver(m); err != nil {
			t.dropped.Add(1)
			_ = host.Free(m)
			logging.Warnf("mqt.RemoteTransport.receive dropped reason=deliver queue=%d err=%v", f.hdr.DstQueue, err)
			host.NotifyError(control.AsyncError{Type: control.ErrorPutFailed, ProcID: t.cfg.PeerProc, Code: status.CodeOf(err), Arg1: uint32(f.hdr.DstQueue)})
		}
	}
}

func (t *RemoteTransport) setHolding(on bool) {
	if t.holding.Swap(on) == on {
		return
	}
	logging.Debugf("mqt.RemoteTransport.hold peer=%d channel=%d pending=%t held=%d", t.cfg.PeerProc, t.cfg.Channel, on, t.heldLen())
	if t.cfg.OnHold != nil {
		t.cfg.OnHold(on)
	}
}

func (t *RemoteTransport) heldLen() int {
	t.heldMu.Lock()
	defer t.heldMu.Unlock()
	return len(t.held)
}

// dropHeld discards frames still held when the transport closes.
func (t *RemoteTransport) dropHeld() {
	t.drainMu.Lock()
	t.heldMu.Lock()
	n := len(t.held)
	t.held = nil
	t.heldMu.Unlock()
	t.drainMu.Unlock()
	if n > 0 {
		t.dropped.Add(uint64(n))
		logging.Warnf("mqt.RemoteTransport.Close dropped held=%d peer=%d", n, t.cfg.PeerProc)
	}
	t.setHolding(false)
}

func (t *RemoteTransport) handleControl(host Host, frame []byte) {
	cm, _, err := control.Decode(frame)
	if err != nil {
		t.dropped.Add(1)
		logging.Warnf("mqt.RemoteTransport.control dropped err=%v", err)
		return
	}
	t.countFrame(cm.Kind().String(), "rx")

	switch m := cm.(type) {
	case control.LocateRequest:
		found := host.QueueExists(m.MsgqID)
		if err := t.sendControl(m.Ack(found), host.ProcID(), nil); err != nil {
			logging.Warnf("mqt.RemoteTransport.control ack queue=%d err=%v", m.MsgqID, err)
		}
		logging.Debugf("mqt.RemoteTransport.control locate queue=%d found=%t handle=%d", m.MsgqID, found, m.ReplyHandle)
	case control.LocateAck:
		p, ok := t.pending.take(m)
		if !ok {
			logging.Debugf("mqt.RemoteTransport.control stale_ack queue=%d handle=%d", m.MsgqID, m.ReplyHandle)
			return
		}
		logging.Debugf("mqt.RemoteTransport.control ack queue=%d found=%t rtt=%s", m.MsgqID, m.Found, time.Since(p.sentAt))
		t.resolve(host, p, m.Found, nil)
	case control.Exit:
		t.mu.Lock()
		t.exited = true
		t.mu.Unlock()
		logging.Warnf("mqt.RemoteTransport.control peer_exit peer=%d", t.cfg.PeerProc)
		t.failPending(ErrPeerExited, host)
		host.NotifyError(control.AsyncError{Type: control.ErrorTransportExit, ProcID: t.cfg.PeerProc, Code: status.CodeGeneralFailure, Arg1: uint32(t.cfg.Channel)})
	}
}

func (t *RemoteTransport) resolve(host Host, p *pendingLocate, found bool, err error) {
	if p.async == nil {
		p.done <- ackResult{found: found, err: err}
		return
	}
	if found {
		t.refs.acquire(p.queueID)
	}
	observability.RecordLocate(t.Kind(), "async", outcome(found))
	if host == nil {
		return
	}
	if derr := deliverAsyncLocate(host, *p.async, t.cfg.PeerProc, found); derr != nil {
		if found {
			_, _ = t.refs.release(p.queueID)
		}
		logging.Warnf("mqt.RemoteTransport.resolve async queue=%d reply=%d err=%v", p.queueID, p.async.ReplyQueue, derr)
	}
}

// failPending resolves every outstanding locate as failed. Async callers are
// told via a negative AsyncLocate when host is non-nil.
func (t *RemoteTransport) failPending(err error, host Host) {
	for _, p := range t.pending.drain() {
		t.resolve(host, p, false, err)
	}
}

func (t *RemoteTransport) countFrame(kind, direction string) {
	observability.RecordFrame(kind, direction)
	key := kind + "_" + direction
	v, _ := t.frames.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}
