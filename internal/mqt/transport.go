// Package mqt moves messages to the processor that owns their destination
// queue. LocalTransport delivers within this image; RemoteTransport frames
// messages onto one channel of the channel engine and runs the
// locate/ack/exit control protocol with the peer.
package mqt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

var (
	ErrNotOpen     = fmt.Errorf("%w: transport not open", status.ErrGeneralFailure)
	ErrAlreadyOpen = fmt.Errorf("%w: transport already open", status.ErrAlreadyExists)
	ErrPeerExited  = fmt.Errorf("%w: peer transport exited", status.ErrGeneralFailure)
	ErrNotLocated  = fmt.Errorf("%w: queue was never located", status.ErrNotFound)
)

// Host is the local MSGQ directory as seen by a transport.
type Host interface {
	ProcID() uint16
	QueueExists(queueID uint16) bool
	// Deliver appends m to its destination queue and takes ownership.
	Deliver(m *msg.Msg) error
	Alloc(mqaID uint16, size int) (*msg.Msg, error)
	Free(m *msg.Msg) error
	// NotifyError reports an asynchronous link fault.
	NotifyError(e control.AsyncError)
}

// AsyncLocate describes a locate whose outcome is delivered as an
// AsyncLocate message to ReplyQueue, allocated from MqaID.
type AsyncLocate struct {
	QueueID    uint16
	ReplyQueue uint16
	Arg        uint32
	MqaID      uint16
}

// Transport reaches the queues of one processor.
type Transport interface {
	Kind() string
	// ProcID is the processor whose queues this transport reaches.
	ProcID() uint16
	Open(host Host) error
	Close() error
	// Locate blocks until the queue is found, reported missing, or timeout
	// passes. A found queue holds a reference until Release.
	Locate(ctx context.Context, queueID uint16, timeout time.Duration) error
	LocateAsync(req AsyncLocate) error
	Release(queueID uint16) error
	// Put hands m to the transport. On success the transport owns m; on
	// error the caller still does.
	Put(m *msg.Msg) error
	Stats() Stats
}

type Stats struct {
	Kind           string            `json:"kind"`
	ProcID         uint16            `json:"proc_id"`
	Channel        int               `json:"channel,omitempty"`
	Open           bool              `json:"open"`
	PeerExited     bool              `json:"peer_exited,omitempty"`
	Located        map[uint16]int    `json:"located,omitempty"`
	PendingLocates int               `json:"pending_locates"`
	Held           int               `json:"held,omitempty"`
	Sent           uint64            `json:"sent"`
	Received       uint64            `json:"received"`
	Dropped        uint64            `json:"dropped"`
	Frames         map[string]uint64 `json:"frames,omitempty"`
}

// refTable counts locate references per queue.
type refTable struct {
	mu     sync.Mutex
	counts map[uint16]int
}

func newRefTable() *refTable {
	return &refTable{counts: make(map[uint16]int)}
}

func (r *refTable) acquire(queueID uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[queueID]++
	return r.counts[queueID]
}

func (r *refTable) release(queueID uint16) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[queueID]
	if !ok || n == 0 {
		return 0, fmt.Errorf("%w: queue %d", ErrNotLocated, queueID)
	}
	n--
	if n == 0 {
		delete(r.counts, queueID)
	} else {
		r.counts[queueID] = n
	}
	return n, nil
}

func (r *refTable) count(queueID uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[queueID]
}

func (r *refTable) snapshot() map[uint16]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint16]int, len(r.counts))
	for id, n := range r.counts {
		out[id] = n
	}
	return out
}

func (r *refTable) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.counts)
}

// deliverAsyncLocate builds the completion message for req and delivers it
// to the reply queue on host.
func deliverAsyncLocate(host Host, req AsyncLocate, procID uint16, found bool) error {
	m, err := host.Alloc(req.MqaID, msg.HeaderLen+control.AsyncLocateLen)
	if err != nil {
		return fmt.Errorf("mqt: allocate async locate reply: %w", err)
	}
	payload := control.AsyncLocate{QueueID: req.QueueID, ProcID: procID, Arg: req.Arg, Found: found}
	if err := payload.Put(m); err != nil {
		_ = host.Free(m)
		return err
	}
	m.SetDstQueue(req.ReplyQueue)
	m.SetReplyQueue(msg.InvalidQueue)
	m.SetReplyProc(procID)
	if err := host.Deliver(m); err != nil {
		_ = host.Free(m)
		return fmt.Errorf("mqt: deliver async locate to queue %d: %w", req.ReplyQueue, err)
	}
	return nil
}

func sortedProcIDs[T any](items map[uint16]T) []uint16 {
	ids := make([]uint16, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
