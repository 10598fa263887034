package mqt

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/dsplink/internal/protocol/control"
)

// ackResult resolves a synchronous locate.
type ackResult struct {
	found bool
	err   error
}

// pendingLocate is one locate request waiting for its ack.
type pendingLocate struct {
	handle  uint32
	queueID uint16
	sentAt  time.Time
	// sync callers wait on done; async callers name a reply queue.
	done  chan ackResult
	async *AsyncLocate
	sem   uint32
}

// locateTable tracks outstanding locates by reply handle.
type locateTable struct {
	mu    sync.Mutex
	next  uint32
	items map[uint32]*pendingLocate
}

func newLocateTable() *locateTable {
	return &locateTable{items: make(map[uint32]*pendingLocate)}
}

// add assigns a fresh non-zero handle to p and stores it.
func (l *locateTable) add(p *pendingLocate) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		l.next++
		if l.next == 0 {
			continue
		}
		if _, taken := l.items[l.next]; !taken {
			break
		}
	}
	p.handle = l.next
	if p.async == nil {
		p.sem = p.handle
	}
	l.items[p.handle] = p
	return p.handle
}

// take removes and returns the entry matching ack's correlation fields.
func (l *locateTable) take(ack control.LocateAck) (*pendingLocate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.items[ack.ReplyHandle]
	if !ok || p.queueID != ack.MsgqID || p.sem != ack.SemHandle {
		return nil, false
	}
	delete(l.items, ack.ReplyHandle)
	return p, true
}

func (l *locateTable) remove(handle uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.items[handle]
	delete(l.items, handle)
	return ok
}

// drain empties the table and returns what was outstanding, oldest first.
func (l *locateTable) drain() []*pendingLocate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*pendingLocate, 0, len(l.items))
	for _, p := range l.items {
		out = append(out, p)
	}
	clear(l.items)
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

func (l *locateTable) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
