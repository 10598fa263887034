package mqt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

// LocalTransport delivers to queues of the image it is opened on.
type LocalTransport struct {
	mu   sync.RWMutex
	host Host
	refs *refTable

	sent uint64
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{refs: newRefTable()}
}

func (t *LocalTransport) Kind() string { return "local" }

func (t *LocalTransport) ProcID() uint16 {
	h := t.currentHost()
	if h == nil {
		return msg.InvalidProc
	}
	return h.ProcID()
}

func (t *LocalTransport) Open(host Host) error {
	if host == nil {
		return fmt.Errorf("%w: nil host", status.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host != nil {
		return ErrAlreadyOpen
	}
	t.host = host
	return nil
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return ErrNotOpen
	}
	t.host = nil
	t.refs.reset()
	return nil
}

func (t *LocalTransport) currentHost() Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.host
}

// Locate never waits: local queues either exist now or do not.
func (t *LocalTransport) Locate(_ context.Context, queueID uint16, _ time.Duration) error {
	h := t.currentHost()
	if h == nil {
		return ErrNotOpen
	}
	if !h.QueueExists(queueID) {
		observability.RecordLocate(t.Kind(), "sync", "not_found")
		return fmt.Errorf("%w: queue %d on proc %d", status.ErrNotFound, queueID, h.ProcID())
	}
	t.refs.acquire(queueID)
	observability.RecordLocate(t.Kind(), "sync", "found")
	return nil
}

func (t *LocalTransport) LocateAsync(req AsyncLocate) error {
	h := t.currentHost()
	if h == nil {
		return ErrNotOpen
	}
	found := h.QueueExists(req.QueueID)
	if found {
		t.refs.acquire(req.QueueID)
	}
	if err := deliverAsyncLocate(h, req, h.ProcID(), found); err != nil {
		if found {
			_, _ = t.refs.release(req.QueueID)
		}
		return err
	}
	observability.RecordLocate(t.Kind(), "async", outcome(found))
	return nil
}

func (t *LocalTransport) Release(queueID uint16) error {
	if t.currentHost() == nil {
		return ErrNotOpen
	}
	_, err := t.refs.release(queueID)
	return err
}

func (t *LocalTransport) Put(m *msg.Msg) error {
	h := t.currentHost()
	if h == nil {
		return ErrNotOpen
	}
	if err := h.Deliver(m); err != nil {
		logging.Debugf("mqt.LocalTransport.Put queue=%d err=%v", m.DstQueue(), err)
		return err
	}
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return nil
}

func (t *LocalTransport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Stats{Kind: t.Kind(), ProcID: msg.InvalidProc, Open: t.host != nil, Located: t.refs.snapshot(), Sent: t.sent}
	if t.host != nil {
		st.ProcID = t.host.ProcID()
	}
	return st
}

func outcome(found bool) string {
	if found {
		return "found"
	}
	return "not_found"
}
