package irq

import (
	"context"
	"sync/atomic"
	"time"
)

// Doorbell is a line backed by a 32-bit word in shared memory, usable
// across processes. Raise bumps the word and wakes waiters; the listener
// remembers the last value it acknowledged.
type Doorbell struct {
	word *uint32
	seen uint32
}

// NewDoorbell binds a line to word. The listener side should be created
// before the peer starts raising so that no raise is missed.
func NewDoorbell(word *uint32) *Doorbell {
	return &Doorbell{word: word, seen: atomic.LoadUint32(word)}
}

// Resync adopts the word's current value as acknowledged. A side calls it
// after the handshake, when the GPP may have reset the word, and before the
// listener starts.
func (d *Doorbell) Resync() {
	d.seen = atomic.LoadUint32(d.word)
}

func (d *Doorbell) Raise() {
	atomic.AddUint32(d.word, 1)
	futexWake(d.word)
}

// Wait polls the context every pollInterval while parked in the kernel.
func (d *Doorbell) Wait(ctx context.Context) error {
	for {
		cur := atomic.LoadUint32(d.word)
		if cur != d.seen {
			d.seen = cur
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		futexWait(d.word, cur, pollInterval)
	}
}

const pollInterval = 10 * time.Millisecond
