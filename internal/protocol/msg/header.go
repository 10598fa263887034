// Package msg owns the message header every queued message starts with and
// the Msg view over an allocator-owned buffer.
package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/dsplink/internal/status"
)

// Order is the byte order shared with the DSP image.
var Order = binary.LittleEndian

const (
	// HeaderLen is the fixed header size:
	// size u32 | mqaId u16 | msgId u16 | dstQueue u16 | replyQueue u16 | replyProc u16 | flags u16
	HeaderLen = 16

	// IDReservedBase and above are reserved for link-generated messages.
	IDReservedBase uint16 = 0xFE00

	IDLocateRequest uint16 = 0xFE00
	IDLocateAck     uint16 = 0xFE01
	IDExit          uint16 = 0xFE02
	IDAsyncLocate   uint16 = 0xFF00
	IDAsyncError    uint16 = 0xFF01

	// ControlMqaID marks transport control frames, which no allocator owns.
	ControlMqaID uint16 = 0xFFFF
	// InvalidQueue is the reply-queue value of a message with no reply path.
	InvalidQueue uint16 = 0xFFFF
	// InvalidProc marks an unset reply processor.
	InvalidProc uint16 = 0xFFFF
)

// Header flags.
const (
	FlagNone uint16 = 0
	// FlagAsync marks messages synthesized by the link for the application.
	FlagAsync uint16 = 0x0001
)

var (
	ErrShortHeader = errors.New("msg: short header")
	ErrBadSize     = errors.New("msg: header size out of range")
)

// Header is the decoded fixed message header.
type Header struct {
	Size       uint32
	MqaID      uint16
	MsgID      uint16
	DstQueue   uint16
	ReplyQueue uint16
	ReplyProc  uint16
	Flags      uint16
}

// IsReserved reports whether id belongs to the link, not the application.
func IsReserved(id uint16) bool {
	return id >= IDReservedBase
}

// IsControl reports whether h is a transport control frame.
func (h Header) IsControl() bool {
	return h.MqaID == ControlMqaID && (h.MsgID == IDLocateRequest || h.MsgID == IDLocateAck || h.MsgID == IDExit)
}

// IsAsync reports whether h is an async locate/error notification.
func (h Header) IsAsync() bool {
	return h.MsgID == IDAsyncLocate || h.MsgID == IDAsyncError
}

func EncodeHeader(dst []byte, h Header) {
	Order.PutUint32(dst[0:4], h.Size)
	Order.PutUint16(dst[4:6], h.MqaID)
	Order.PutUint16(dst[6:8], h.MsgID)
	Order.PutUint16(dst[8:10], h.DstQueue)
	Order.PutUint16(dst[10:12], h.ReplyQueue)
	Order.PutUint16(dst[12:14], h.ReplyProc)
	Order.PutUint16(dst[14:16], h.Flags)
}

// DecodeHeader reads a header and checks Size against the bytes available.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %w (%d bytes)", status.ErrInvalidArgument, ErrShortHeader, len(b))
	}
	h := Header{
		Size:       Order.Uint32(b[0:4]),
		MqaID:      Order.Uint16(b[4:6]),
		MsgID:      Order.Uint16(b[6:8]),
		DstQueue:   Order.Uint16(b[8:10]),
		ReplyQueue: Order.Uint16(b[10:12]),
		ReplyProc:  Order.Uint16(b[12:14]),
		Flags:      Order.Uint16(b[14:16]),
	}
	if h.Size < HeaderLen || int(h.Size) > len(b) {
		return Header{}, fmt.Errorf("%w: %w size=%d available=%d", status.ErrInvalidArgument, ErrBadSize, h.Size, len(b))
	}
	return h, nil
}
