// Package channel owns the Channel I/O Engine: per-channel buffer
// ownership transfer between the two processors through the shared
// control block.
//
// Ownership boundary:
// - channel open/close and request queues
// - free-mask / full-flag flow control
// - completion delivery outside the engine lock
package channel

import (
	"fmt"

	"github.com/danmuck/dsplink/internal/status"
)

var (
	ErrCancelled     = fmt.Errorf("%w: request cancelled", status.ErrGeneralFailure)
	ErrChannelClosed = fmt.Errorf("%w: channel not open", status.ErrInvalidArgument)
	ErrBadChannel    = fmt.Errorf("%w: channel id out of range", status.ErrInvalidArgument)
	ErrWrongMode     = fmt.Errorf("%w: direction not allowed by channel mode", status.ErrInvalidArgument)
	ErrBufferSize    = fmt.Errorf("%w: buffer size", status.ErrInvalidArgument)
	ErrEngineStopped = fmt.Errorf("%w: engine stopped", status.ErrGeneralFailure)
)

// Direction is relative to the local side.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Mode restricts the directions a channel accepts.
type Mode uint8

const (
	ModeInput  Mode = 1 << iota // receive only
	ModeOutput                  // send only
	ModeBoth   = ModeInput | ModeOutput
)

func (m Mode) allows(d Direction) bool {
	if d == Inbound {
		return m&ModeInput != 0
	}
	return m&ModeOutput != 0
}

func (m Mode) String() string {
	switch m {
	case ModeInput:
		return "input"
	case ModeOutput:
		return "output"
	case ModeBoth:
		return "both"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// State of one direction of one channel.
type State uint8

const (
	StateIdle State = iota
	StateRequested
	StateInFlight
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Result is handed to a request's completion callback. Transferred is the
// number of bytes actually moved; for inbound requests it may be smaller
// than the buffer.
type Result struct {
	Channel     int
	Direction   Direction
	Buffer      []byte
	Transferred int
	Tag         any
	Err         error

	done Completion
}

// Completion runs in the context that observed completion (deferred
// processing, or the caller of Cancel/Close) and outside the engine lock,
// so it may issue new requests.
type Completion func(Result)

// Status is a point-in-time view of one channel.
type Status struct {
	ID              int    `json:"id"`
	Open            bool   `json:"open"`
	Mode            string `json:"mode"`
	OutboundState   string `json:"outbound_state"`
	InboundState    string `json:"inbound_state"`
	PendingOutbound int    `json:"pending_outbound"`
	PendingInbound  int    `json:"pending_inbound"`
	Sent            uint64 `json:"sent"`
	Received        uint64 `json:"received"`
	Discarded       uint64 `json:"discarded"`
}
