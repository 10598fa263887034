// Package scb owns the shared control block: the fixed-layout record both
// processors overlay on the start of the shared region.
//
// Ownership boundary:
// - bit-exact field layout and region layout
// - ordered (publish/consume) field accessors
// - one-time handshake
package scb

import (
	"fmt"

	"github.com/danmuck/dsplink/internal/status"
)

// Field offsets. Every field is one 32-bit word; the order is shared with
// the peer image and never negotiated.
const (
	OffHandshakeGpp = 0x00
	OffHandshakeDsp = 0x04
	OffDspFreeMask  = 0x08
	OffGppFreeMask  = 0x0C
	OffOutputFull   = 0x10
	OffOutputID     = 0x14
	OffOutputSize   = 0x18
	OffInputFull    = 0x1C
	OffInputID      = 0x20
	OffInputSize    = 0x24
	OffArgv         = 0x28
	OffResv         = 0x2C
	OffDspFreeMsg   = 0x30
	OffGppFreeMsg   = 0x34

	// BlockSize is the control block size without the messaging words.
	BlockSize = 0x30
	// BlockSizeMsg includes dspFreeMsg/gppFreeMsg.
	BlockSizeMsg = 0x38

	// MaxChannels is bounded by the 32-bit free masks.
	MaxChannels = 32

	dataAlign = 64
)

// LayoutOptions are the inputs both sides must agree on.
type LayoutOptions struct {
	Messaging     bool
	MaxBufferSize int
}

// Layout is the computed placement of every region component.
type Layout struct {
	Messaging     bool
	BlockSize     int
	MaxBufferSize int

	HandshakeGpp int
	HandshakeDsp int
	DspFreeMask  int
	GppFreeMask  int
	OutputFull   int
	OutputID     int
	OutputSize   int
	InputFull    int
	InputID      int
	InputSize    int
	Argv         int
	Resv         int
	DspFreeMsg   int
	GppFreeMsg   int

	// OutputData carries GPP->DSP payloads, InputData DSP->GPP.
	OutputData int
	InputData  int

	// Interrupt doorbell words used by the futex interrupt line.
	DoorbellToDsp int
	DoorbellToGpp int

	TotalSize int
}

// ComputeLayout is a pure function of opts.
func ComputeLayout(opts LayoutOptions) (Layout, error) {
	if opts.MaxBufferSize <= 0 {
		return Layout{}, fmt.Errorf("%w: max buffer size %d", status.ErrInvalidArgument, opts.MaxBufferSize)
	}
	l := Layout{
		Messaging:     opts.Messaging,
		BlockSize:     BlockSize,
		MaxBufferSize: opts.MaxBufferSize,
		HandshakeGpp:  OffHandshakeGpp,
		HandshakeDsp:  OffHandshakeDsp,
		DspFreeMask:   OffDspFreeMask,
		GppFreeMask:   OffGppFreeMask,
		OutputFull:    OffOutputFull,
		OutputID:      OffOutputID,
		OutputSize:    OffOutputSize,
		InputFull:     OffInputFull,
		InputID:       OffInputID,
		InputSize:     OffInputSize,
		Argv:          OffArgv,
		Resv:          OffResv,
		DspFreeMsg:    -1,
		GppFreeMsg:    -1,
	}
	if opts.Messaging {
		l.BlockSize = BlockSizeMsg
		l.DspFreeMsg = OffDspFreeMsg
		l.GppFreeMsg = OffGppFreeMsg
	}
	l.OutputData = alignUp(l.BlockSize, dataAlign)
	l.InputData = alignUp(l.OutputData+opts.MaxBufferSize, dataAlign)
	l.DoorbellToDsp = alignUp(l.InputData+opts.MaxBufferSize, dataAlign)
	l.DoorbellToGpp = l.DoorbellToDsp + dataAlign
	l.TotalSize = l.DoorbellToGpp + dataAlign
	return l, nil
}

func alignUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
