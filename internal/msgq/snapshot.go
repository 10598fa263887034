package msgq

import (
	"sort"

	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/mqt"
)

type QueueStatus struct {
	ID             uint16   `json:"id"`
	Owner          ClientID `json:"owner"`
	Depth          int      `json:"depth"`
	Puts           uint64   `json:"puts"`
	Gets           uint64   `json:"gets"`
	DeliverControl bool     `json:"deliver_control,omitempty"`
}

// Snapshot is a point-in-time view of the directory for the admin surface.
type Snapshot struct {
	ProcID       uint16               `json:"proc_id"`
	Queues       []QueueStatus        `json:"queues"`
	Allocators   map[uint16]mqa.Stats `json:"allocators"`
	Transports   []mqt.Stats          `json:"transports"`
	ErrorHandler *uint16              `json:"error_handler,omitempty"`
	Dropped      uint64               `json:"dropped"`
}

func (d *Directory) Snapshot() Snapshot {
	d.mu.Lock()
	queues := make([]QueueStatus, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, QueueStatus{
			ID:             q.id,
			Owner:          q.attrs.Owner,
			Depth:          len(q.msgs),
			Puts:           q.puts,
			Gets:           q.gets,
			DeliverControl: q.attrs.DeliverControl,
		})
	}
	var handler *uint16
	if d.handler != nil {
		id := d.handler.queueID
		handler = &id
	}
	dropped := d.dropped
	d.mu.Unlock()

	sort.Slice(queues, func(i, j int) bool { return queues[i].ID < queues[j].ID })
	return Snapshot{
		ProcID:       d.cfg.ProcID,
		Queues:       queues,
		Allocators:   d.allocs.Snapshot(),
		Transports:   d.transports.Snapshot(),
		ErrorHandler: handler,
		Dropped:      dropped,
	}
}
