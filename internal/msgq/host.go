package msgq

import (
	"fmt"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/mqt"
	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

// The methods below make a Directory the host of its transports.
var _ mqt.Host = (*Directory)(nil)

func (d *Directory) ProcID() uint16 { return d.cfg.ProcID }

func (d *Directory) QueueExists(queueID uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.queues[queueID]
	return ok
}

// Deliver appends m to its destination queue and wakes waiters.
func (d *Directory) Deliver(m *msg.Msg) error {
	queueID := m.DstQueue()
	d.mu.Lock()
	q, ok := d.queues[queueID]
	if !ok {
		d.dropped++
		d.mu.Unlock()
		return fmt.Errorf("%w: queue %d on proc %d", status.ErrNotFound, queueID, d.cfg.ProcID)
	}
	q.msgs = append(q.msgs, m)
	q.puts++
	close(q.changed)
	q.changed = make(chan struct{})
	notify := q.attrs.Notify
	d.mu.Unlock()

	if notify != nil {
		notify(queueID)
	}
	return nil
}

// NotifyError delivers e to the error-handler queue, if one is set.
func (d *Directory) NotifyError(e control.AsyncError) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		logging.Warnf("msgq.Directory.NotifyError unhandled type=%s proc=%d code=%s arg1=%d", e.Type, e.ProcID, e.Code, e.Arg1)
		return
	}

	m, err := d.allocs.Alloc(h.mqaID, msg.HeaderLen+control.AsyncErrorLen)
	if err != nil {
		logging.Errf("msgq.Directory.NotifyError alloc mqa=%d err=%v", h.mqaID, err)
		return
	}
	if err := e.Put(m); err != nil {
		_ = d.release(m)
		logging.Errf("msgq.Directory.NotifyError encode err=%v", err)
		return
	}
	m.SetDstQueue(h.queueID)
	m.SetReplyQueue(msg.InvalidQueue)
	m.SetReplyProc(e.ProcID)
	if err := d.Deliver(m); err != nil {
		_ = d.release(m)
		logging.Errf("msgq.Directory.NotifyError deliver queue=%d err=%v", h.queueID, err)
	}
}
