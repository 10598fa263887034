package msgq

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/mqt"
	"github.com/danmuck/dsplink/internal/status"
)

// Locate resolves ref through the transport for ref.ProcID and takes a
// reference on it.
func (d *Directory) Locate(ctx context.Context, ref QueueRef, attrs LocateAttrs) error {
	t, err := d.transports.Get(ref.ProcID)
	if err != nil {
		return d.record("locate", err)
	}
	timeout := attrs.Timeout
	if timeout == 0 {
		timeout = d.cfg.LocateTimeout
	}
	err = t.Locate(ctx, ref.QueueID, timeout)
	if err != nil {
		logging.Debugf("msgq.Directory.Locate ref=%s err=%v", ref, err)
	}
	return d.record("locate", err)
}

// LocateAny searches the open transports in processor-id order.
func (d *Directory) LocateAny(ctx context.Context, queueID uint16, attrs LocateAttrs) (QueueRef, error) {
	var last error
	for _, proc := range d.transports.ProcIDs() {
		ref := QueueRef{ProcID: proc, QueueID: queueID}
		err := d.Locate(ctx, ref, attrs)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, status.ErrNotFound) && !errors.Is(err, status.ErrGeneralFailure) {
			return QueueRef{}, err
		}
		last = err
	}
	if last == nil {
		last = fmt.Errorf("%w: no transports open", status.ErrNotFound)
	}
	return QueueRef{}, fmt.Errorf("%w: queue %d on any processor (last: %w)", status.ErrNotFound, queueID, last)
}

// LocateAsync starts a locate whose outcome arrives as an AsyncLocate
// message on the local replyQueue, allocated from mqaID.
func (d *Directory) LocateAsync(ref QueueRef, replyQueue uint16, arg uint32, mqaID uint16) error {
	if !d.QueueExists(replyQueue) {
		return d.record("locate_async", fmt.Errorf("%w: reply queue %d", status.ErrNotFound, replyQueue))
	}
	if _, ok := d.allocs.Get(mqaID); !ok {
		return d.record("locate_async", fmt.Errorf("%w: allocator %d not open", status.ErrNotFound, mqaID))
	}
	t, err := d.transports.Get(ref.ProcID)
	if err != nil {
		return d.record("locate_async", err)
	}
	return d.record("locate_async", t.LocateAsync(mqt.AsyncLocate{
		QueueID:    ref.QueueID,
		ReplyQueue: replyQueue,
		Arg:        arg,
		MqaID:      mqaID,
	}))
}

// Release drops a reference taken by a successful locate.
func (d *Directory) Release(ref QueueRef) error {
	t, err := d.transports.Get(ref.ProcID)
	if err != nil {
		return d.record("release", err)
	}
	return d.record("release", t.Release(ref.QueueID))
}
