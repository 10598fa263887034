// Package msgq is the message queue directory for one image: it maps queue
// ids to local queues and routes every operation to the allocator or
// transport that owns it.
package msgq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/mqt"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

var (
	ErrQueueDeleted  = fmt.Errorf("%w: queue deleted while waiting", status.ErrNotFound)
	ErrErrorHandler  = fmt.Errorf("%w: queue is the registered error handler", status.ErrAccessDenied)
	ErrNotOwner      = fmt.Errorf("%w: caller does not own queue", status.ErrAccessDenied)
	ErrReservedMsgID = fmt.Errorf("%w: message id reserved for the link", status.ErrInvalidArgument)
	ErrNoReply       = fmt.Errorf("%w: message carries no reply queue", status.ErrNotFound)
)

// ClientID identifies the logical client that owns a queue.
type ClientID string

// QueueAttrs configure a local queue at Create.
type QueueAttrs struct {
	Owner ClientID
	// Notify runs after a message is appended, outside the directory lock.
	Notify func(queueID uint16)
	// OnAsyncLocate and OnAsyncError receive async messages consumed by
	// Get. A kind without a callback is returned to the caller.
	OnAsyncLocate func(control.AsyncLocate)
	OnAsyncError  func(control.AsyncError)
	// DeliverControl returns async messages from Get untouched.
	DeliverControl bool
}

// LocateAttrs bound a synchronous locate. Zero Timeout uses the directory
// default; a negative one waits for ctx only.
type LocateAttrs struct {
	Timeout time.Duration
}

// QueueRef addresses a queue on a processor.
type QueueRef struct {
	ProcID  uint16 `json:"proc_id"`
	QueueID uint16 `json:"queue_id"`
}

func (r QueueRef) String() string {
	return fmt.Sprintf("%d/%d", r.ProcID, r.QueueID)
}

// Config sizes a directory.
type Config struct {
	ProcID        uint16
	LocateTimeout time.Duration
}

type queue struct {
	id    uint16
	attrs QueueAttrs
	msgs  []*msg.Msg
	// changed is closed and replaced on every append or delete.
	changed chan struct{}
	deleted bool

	puts uint64
	gets uint64
}

type errorHandler struct {
	queueID uint16
	mqaID   uint16
}

// Directory is the MSGQ state of one image.
type Directory struct {
	cfg        Config
	allocs     *mqa.Registry
	transports *mqt.Registry

	mu      sync.Mutex
	queues  map[uint16]*queue
	handler *errorHandler

	dropped uint64
}

func New(cfg Config) *Directory {
	return &Directory{
		cfg:        cfg,
		allocs:     mqa.NewRegistry(),
		transports: mqt.NewRegistry(),
		queues:     make(map[uint16]*queue),
	}
}

func (d *Directory) record(op string, err error) error {
	observability.RecordMsgqOp(d.cfg.ProcID, op, err)
	return err
}

// Create registers a local queue owned by attrs.Owner.
func (d *Directory) Create(queueID uint16, attrs QueueAttrs) error {
	if queueID == msg.InvalidQueue {
		return d.record("create", fmt.Errorf("%w: queue id %#x is reserved", status.ErrInvalidArgument, queueID))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[queueID]; ok {
		return d.record("create", fmt.Errorf("%w: queue %d", status.ErrAlreadyExists, queueID))
	}
	d.queues[queueID] = &queue{id: queueID, attrs: attrs, changed: make(chan struct{})}
	logging.Debugf("msgq.Directory.Create proc=%d queue=%d owner=%q", d.cfg.ProcID, queueID, attrs.Owner)
	return d.record("create", nil)
}

// Delete removes a queue. Only its owner may delete it, and not while it is
// the registered error handler. Queued messages are freed.
func (d *Directory) Delete(queueID uint16, client ClientID) error {
	d.mu.Lock()
	q, ok := d.queues[queueID]
	switch {
	case !ok:
		d.mu.Unlock()
		return d.record("delete", fmt.Errorf("%w: queue %d", status.ErrNotFound, queueID))
	case q.attrs.Owner != client:
		d.mu.Unlock()
		logging.Warnf("msgq.Directory.Delete denied queue=%d owner=%q caller=%q", queueID, q.attrs.Owner, client)
		return d.record("delete", fmt.Errorf("%w: queue %d", ErrNotOwner, queueID))
	case d.handler != nil && d.handler.queueID == queueID:
		d.mu.Unlock()
		return d.record("delete", fmt.Errorf("%w: queue %d", ErrErrorHandler, queueID))
	}
	delete(d.queues, queueID)
	q.deleted = true
	pending := q.msgs
	q.msgs = nil
	close(q.changed)
	d.mu.Unlock()

	for _, m := range pending {
		if err := d.release(m); err != nil {
			logging.Warnf("msgq.Directory.Delete free queue=%d err=%v", queueID, err)
		}
	}
	logging.Debugf("msgq.Directory.Delete proc=%d queue=%d freed=%d", d.cfg.ProcID, queueID, len(pending))
	return d.record("delete", nil)
}

// Put sends m to ref with msgID. replyQueue names a local queue the
// receiver may answer on, or msg.InvalidQueue. On success the directory
// owns m; on error the caller keeps it.
func (d *Directory) Put(ref QueueRef, m *msg.Msg, msgID uint16, replyQueue uint16) error {
	if m == nil {
		return d.record("put", fmt.Errorf("%w: nil message", status.ErrInvalidArgument))
	}
	if m.Size() < msg.HeaderLen || m.Size() > m.Cap() {
		return d.record("put", fmt.Errorf("%w: message size %d outside [%d, %d]", status.ErrInvalidArgument, m.Size(), msg.HeaderLen, m.Cap()))
	}
	if msg.IsReserved(msgID) {
		return d.record("put", fmt.Errorf("%w: %#x", ErrReservedMsgID, msgID))
	}
	t, err := d.transports.Get(ref.ProcID)
	if err != nil {
		return d.record("put", err)
	}
	m.SetMsgID(msgID)
	m.SetDstQueue(ref.QueueID)
	m.SetReplyQueue(replyQueue)
	if replyQueue == msg.InvalidQueue {
		m.SetReplyProc(msg.InvalidProc)
	} else {
		m.SetReplyProc(d.cfg.ProcID)
	}
	m.SetFlags(msg.FlagNone)
	if err := t.Put(m); err != nil {
		return d.record("put", fmt.Errorf("msgq: put to %s: %w", ref, err))
	}
	return d.record("put", nil)
}

// Get returns the next message on a local queue. timeout 0 polls, a
// negative timeout waits until ctx ends. Async messages are dispatched to
// the queue's callbacks unless the queue asked for DeliverControl.
func (d *Directory) Get(ctx context.Context, queueID uint16, timeout time.Duration) (*msg.Msg, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		d.mu.Lock()
		q, ok := d.queues[queueID]
		if !ok {
			d.mu.Unlock()
			return nil, d.record("get", fmt.Errorf("%w: queue %d", status.ErrNotFound, queueID))
		}
		if len(q.msgs) > 0 {
			m := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			q.gets++
			attrs := q.attrs
			d.mu.Unlock()
			if d.dispatchAsync(attrs, m) {
				continue
			}
			return m, d.record("get", nil)
		}
		changed := q.changed
		d.mu.Unlock()

		if timeout == 0 {
			return nil, d.record("get", fmt.Errorf("%w: queue %d empty", status.ErrTimeout, queueID))
		}
		select {
		case <-changed:
			if d.isDeleted(q) {
				return nil, d.record("get", fmt.Errorf("%w: queue %d", ErrQueueDeleted, queueID))
			}
		case <-expired:
			return nil, d.record("get", fmt.Errorf("%w: queue %d empty after %s", status.ErrTimeout, queueID, timeout))
		case <-ctx.Done():
			return nil, d.record("get", fmt.Errorf("%w: %w", status.ErrTimeout, ctx.Err()))
		}
	}
}

func (d *Directory) isDeleted(q *queue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return q.deleted
}

// dispatchAsync consumes m if it is an async message with a registered
// callback and reports whether it did.
func (d *Directory) dispatchAsync(attrs QueueAttrs, m *msg.Msg) bool {
	if attrs.DeliverControl || m.Flags()&msg.FlagAsync == 0 {
		return false
	}
	switch m.MsgID() {
	case msg.IDAsyncLocate:
		if attrs.OnAsyncLocate == nil {
			return false
		}
		loc, err := control.ParseAsyncLocate(m)
		if err != nil {
			return false
		}
		attrs.OnAsyncLocate(loc)
	case msg.IDAsyncError:
		if attrs.OnAsyncError == nil {
			return false
		}
		ae, err := control.ParseAsyncError(m)
		if err != nil {
			return false
		}
		attrs.OnAsyncError(ae)
	default:
		return false
	}
	if err := d.release(m); err != nil {
		logging.Warnf("msgq.Directory.dispatchAsync free err=%v", err)
	}
	return true
}

// Count reports the messages waiting on a local queue.
func (d *Directory) Count(queueID uint16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[queueID]
	if !ok {
		return 0, fmt.Errorf("%w: queue %d", status.ErrNotFound, queueID)
	}
	return len(q.msgs), nil
}

func (d *Directory) Alloc(mqaID uint16, size int) (*msg.Msg, error) {
	m, err := d.allocs.Alloc(mqaID, size)
	return m, d.record("alloc", err)
}

func (d *Directory) Free(m *msg.Msg) error {
	return d.record("free", d.release(m))
}

// release returns m to its allocator and lets transports holding frames
// for want of a buffer try again.
func (d *Directory) release(m *msg.Msg) error {
	if err := d.allocs.Free(m); err != nil {
		return err
	}
	d.transports.Retry()
	return nil
}

func (d *Directory) AllocatorOpen(id uint16, a mqa.Allocator) error {
	return d.record("allocator_open", d.allocs.Open(id, a))
}

func (d *Directory) AllocatorClose(id uint16) error {
	return d.record("allocator_close", d.allocs.Close(id))
}

// TransportOpen opens t with this directory as its host.
func (d *Directory) TransportOpen(t mqt.Transport) error {
	return d.record("transport_open", d.transports.Open(t, d))
}

func (d *Directory) TransportClose(procID uint16) error {
	return d.record("transport_close", d.transports.Close(procID))
}

// SetErrorHandler routes async link errors to a local queue, allocating the
// notifications from mqaID.
func (d *Directory) SetErrorHandler(queueID uint16, mqaID uint16) error {
	if _, ok := d.allocs.Get(mqaID); !ok {
		return d.record("set_error_handler", fmt.Errorf("%w: allocator %d not open", status.ErrNotFound, mqaID))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[queueID]; !ok {
		return d.record("set_error_handler", fmt.Errorf("%w: queue %d", status.ErrNotFound, queueID))
	}
	d.handler = &errorHandler{queueID: queueID, mqaID: mqaID}
	return d.record("set_error_handler", nil)
}

func (d *Directory) ClearErrorHandler() {
	d.mu.Lock()
	d.handler = nil
	d.mu.Unlock()
}

// GetReplyID returns the queue the sender of m asked replies to go to.
func (d *Directory) GetReplyID(m *msg.Msg) (QueueRef, error) {
	if m == nil {
		return QueueRef{}, fmt.Errorf("%w: nil message", status.ErrInvalidArgument)
	}
	if m.ReplyQueue() == msg.InvalidQueue {
		return QueueRef{}, ErrNoReply
	}
	return QueueRef{ProcID: m.ReplyProc(), QueueID: m.ReplyQueue()}, nil
}

// SetReplyID overrides the reply address carried by m.
func (d *Directory) SetReplyID(m *msg.Msg, ref QueueRef) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", status.ErrInvalidArgument)
	}
	m.SetReplyQueue(ref.QueueID)
	m.SetReplyProc(ref.ProcID)
	return nil
}

// Shutdown closes every transport, remote ones first so peers see Exit
// while local delivery still works.
func (d *Directory) Shutdown() {
	ids := d.transports.ProcIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == d.cfg.ProcID {
			continue
		}
		if err := d.transports.Close(ids[i]); err != nil {
			logging.Warnf("msgq.Directory.Shutdown proc=%d err=%v", ids[i], err)
		}
	}
	if err := d.transports.Close(d.cfg.ProcID); err != nil {
		logging.Debugf("msgq.Directory.Shutdown local err=%v", err)
	}
}
