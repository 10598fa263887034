package scb

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/danmuck/dsplink/internal/status"
)

// Role names the processor a link side runs on.
type Role uint8

const (
	RoleGPP Role = iota
	RoleDSP
)

func (r Role) String() string {
	switch r {
	case RoleGPP:
		return "gpp"
	case RoleDSP:
		return "dsp"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole accepts "gpp" or "dsp" in any case.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gpp":
		return RoleGPP, nil
	case "dsp":
		return RoleDSP, nil
	default:
		return 0, fmt.Errorf("%w: unknown role %q", status.ErrInvalidArgument, raw)
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleGPP {
		return RoleDSP
	}
	return RoleGPP
}

var ErrSlotBusy = fmt.Errorf("%w: transfer slot still full", status.ErrGeneralFailure)

// Block is the control block view over a shared region. Fields are reached
// only through the accessors below, which load and store whole words
// atomically: writers publish data before the full/ready word and readers
// check that word before touching dependent data.
type Block struct {
	mem    []byte
	layout Layout
}

// NewBlock overlays the control block on mem using layout.
func NewBlock(mem []byte, layout Layout) (*Block, error) {
	if len(mem) < layout.TotalSize {
		return nil, fmt.Errorf("%w: region %d bytes, layout needs %d", status.ErrInvalidArgument, len(mem), layout.TotalSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: region not word aligned", status.ErrInvalidArgument)
	}
	return &Block{mem: mem, layout: layout}, nil
}

func (b *Block) Layout() Layout { return b.layout }

// Initialize zeroes the control block, data areas and doorbells. Only the
// GPP calls it, before writing its handshake token.
func (b *Block) Initialize() {
	for off := 0; off < b.layout.BlockSize; off += 4 {
		atomic.StoreUint32(b.word(off), 0)
	}
	clear(b.mem[b.layout.OutputData : b.layout.OutputData+b.layout.MaxBufferSize])
	clear(b.mem[b.layout.InputData : b.layout.InputData+b.layout.MaxBufferSize])
	atomic.StoreUint32(b.word(b.layout.DoorbellToDsp), 0)
	atomic.StoreUint32(b.word(b.layout.DoorbellToGpp), 0)
}

func (b *Block) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *Block) load(off int) uint32     { return atomic.LoadUint32(b.word(off)) }
func (b *Block) store(off int, v uint32) { atomic.StoreUint32(b.word(off), v) }

// Doorbell returns the interrupt word raised towards role.
func (b *Block) Doorbell(to Role) *uint32 {
	if to == RoleDSP {
		return b.word(b.layout.DoorbellToDsp)
	}
	return b.word(b.layout.DoorbellToGpp)
}

func (b *Block) HandshakeToken(role Role) uint32 {
	if role == RoleGPP {
		return b.load(b.layout.HandshakeGpp)
	}
	return b.load(b.layout.HandshakeDsp)
}

func (b *Block) setHandshakeToken(role Role, v uint32) {
	if role == RoleGPP {
		b.store(b.layout.HandshakeGpp, v)
		return
	}
	b.store(b.layout.HandshakeDsp, v)
}

// ClearHandshakeToken withdraws role's token, on shutdown or before a new
// handshake.
func (b *Block) ClearHandshakeToken(role Role) { b.setHandshakeToken(role, 0) }

func (b *Block) Argv() uint32     { return b.load(b.layout.Argv) }
func (b *Block) SetArgv(v uint32) { b.store(b.layout.Argv, v) }

// FreeMask returns role's receive-ready mask: bit k set means role has a
// buffer posted on channel k.
func (b *Block) FreeMask(role Role) uint32 {
	return b.load(b.freeMaskOff(role))
}

// SetFreeBit updates role's own free mask. Each mask has a single writer,
// the owning side, so the read-modify-write needs no cross-processor lock.
// It reports whether the stored mask changed.
func (b *Block) SetFreeBit(role Role, ch int, on bool) bool {
	off := b.freeMaskOff(role)
	prev := b.load(off)
	next := prev &^ (1 << uint(ch))
	if on {
		next = prev | (1 << uint(ch))
	}
	if next == prev {
		return false
	}
	b.store(off, next)
	return true
}

func (b *Block) freeMaskOff(role Role) int {
	if role == RoleGPP {
		return b.layout.GppFreeMask
	}
	return b.layout.DspFreeMask
}

// FreeMsg reports role's pending free-message notification.
func (b *Block) FreeMsg(role Role) bool {
	off := b.freeMsgOff(role)
	return off >= 0 && b.load(off) != 0
}

// SetFreeMsg sets or clears role's free-message notification word. It is
// a no-op on a layout without messaging.
func (b *Block) SetFreeMsg(role Role, pending bool) {
	off := b.freeMsgOff(role)
	if off < 0 {
		return
	}
	var v uint32
	if pending {
		v = 1
	}
	b.store(off, v)
}

func (b *Block) freeMsgOff(role Role) int {
	if role == RoleGPP {
		return b.layout.GppFreeMsg
	}
	return b.layout.DspFreeMsg
}

// Outbound returns the transfer slot role produces into.
func (b *Block) Outbound(role Role) Slot {
	if role == RoleGPP {
		return b.outputSlot()
	}
	return b.inputSlot()
}

// Inbound returns the transfer slot role consumes from.
func (b *Block) Inbound(role Role) Slot {
	if role == RoleGPP {
		return b.inputSlot()
	}
	return b.outputSlot()
}

func (b *Block) outputSlot() Slot {
	l := b.layout
	return Slot{b: b, full: l.OutputFull, id: l.OutputID, size: l.OutputSize,
		data: b.mem[l.OutputData : l.OutputData+l.MaxBufferSize]}
}

func (b *Block) inputSlot() Slot {
	l := b.layout
	return Slot{b: b, full: l.InputFull, id: l.InputID, size: l.InputSize,
		data: b.mem[l.InputData : l.InputData+l.MaxBufferSize]}
}

// Slot is one direction's transfer descriptor plus its data area. The full
// word is written 1 by the producer and 0 by the consumer, never otherwise.
type Slot struct {
	b    *Block
	full int
	id   int
	size int
	data []byte
}

func (s Slot) Full() bool { return s.b.load(s.full) != 0 }

func (s Slot) Capacity() int { return len(s.data) }

// Publish copies payload into the data area, then the descriptor, then
// raises full. It refuses to overwrite a slot the consumer has not drained.
func (s Slot) Publish(id uint32, payload []byte) error {
	if s.Full() {
		return ErrSlotBusy
	}
	if len(payload) > len(s.data) {
		return fmt.Errorf("%w: payload %d exceeds slot %d", status.ErrInvalidArgument, len(payload), len(s.data))
	}
	copy(s.data, payload)
	s.b.store(s.id, id)
	s.b.store(s.size, uint32(len(payload)))
	s.b.store(s.full, 1)
	return nil
}

// Peek reads the descriptor of a full slot.
func (s Slot) Peek() (id uint32, size int, ok bool) {
	if !s.Full() {
		return 0, 0, false
	}
	size = int(s.b.load(s.size))
	if size > len(s.data) {
		size = len(s.data)
	}
	return s.b.load(s.id), size, true
}

// Read copies up to size bytes of a full slot into dst.
func (s Slot) Read(dst []byte, size int) int {
	return copy(dst, s.data[:size])
}

// Release hands the slot back to the producer.
func (s Slot) Release() {
	s.b.store(s.full, 0)
}
