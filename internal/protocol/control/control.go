// Package control defines the messages the remote transport exchanges with
// its peer and the async notifications the link delivers to applications.
//
// Control frames are ordinary framed messages: a msg.Header whose mqaId is
// msg.ControlMqaID, followed by a fixed little-endian body. The variant is
// selected by the header msg id.
package control

import (
	"errors"
	"fmt"

	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

const (
	RequestBodyLen = 20
	AckBodyLen     = 24
	ExitBodyLen    = 0

	// MaxFrameLen is the largest control frame on the wire.
	MaxFrameLen = msg.HeaderLen + AckBodyLen
)

var (
	ErrNotControl  = errors.New("control: not a control frame")
	ErrUnknownKind = errors.New("control: unknown control message")
	ErrShortBody   = errors.New("control: short body")
)

type Kind uint8

const (
	KindLocateRequest Kind = iota + 1
	KindLocateAck
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindLocateRequest:
		return "locate_request"
	case KindLocateAck:
		return "locate_ack"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Message is one of LocateRequest, LocateAck or Exit.
type Message interface {
	Kind() Kind
	msgID() uint16
	bodyLen() int
	encodeBody(dst []byte)
}

// LocateRequest asks the peer whether MsgqID exists there. The remaining
// fields are correlation data the peer echoes back untouched.
type LocateRequest struct {
	MsgqID      uint16
	MqaID       uint16
	Timeout     uint32
	ReplyHandle uint32
	Arg         uint32
	SemHandle   uint32
}

// LocateAck answers a LocateRequest.
type LocateAck struct {
	MsgqID      uint16
	MqaID       uint16
	Timeout     uint32
	ReplyHandle uint32
	Arg         uint32
	SemHandle   uint32
	Found       bool
}

// Exit tells the peer this side's transport is going away.
type Exit struct{}

func (LocateRequest) Kind() Kind { return KindLocateRequest }
func (LocateAck) Kind() Kind     { return KindLocateAck }
func (Exit) Kind() Kind          { return KindExit }

func (LocateRequest) msgID() uint16 { return msg.IDLocateRequest }
func (LocateAck) msgID() uint16     { return msg.IDLocateAck }
func (Exit) msgID() uint16          { return msg.IDExit }

func (LocateRequest) bodyLen() int { return RequestBodyLen }
func (LocateAck) bodyLen() int     { return AckBodyLen }
func (Exit) bodyLen() int          { return ExitBodyLen }

// Ack builds the acknowledgement for r, echoing every correlation field.
func (r LocateRequest) Ack(found bool) LocateAck {
	return LocateAck{
		MsgqID:      r.MsgqID,
		MqaID:       r.MqaID,
		Timeout:     r.Timeout,
		ReplyHandle: r.ReplyHandle,
		Arg:         r.Arg,
		SemHandle:   r.SemHandle,
		Found:       found,
	}
}

func (r LocateRequest) encodeBody(dst []byte) {
	putRequestFields(dst, r.MsgqID, r.MqaID, r.Timeout, r.ReplyHandle, r.Arg, r.SemHandle)
}

func (a LocateAck) encodeBody(dst []byte) {
	putRequestFields(dst, a.MsgqID, a.MqaID, a.Timeout, a.ReplyHandle, a.Arg, a.SemHandle)
	var found uint16
	if a.Found {
		found = 1
	}
	msg.Order.PutUint16(dst[20:22], found)
	msg.Order.PutUint16(dst[22:24], 0)
}

func (Exit) encodeBody([]byte) {}

func putRequestFields(dst []byte, msgqID, mqaID uint16, timeout, replyHandle, arg, sem uint32) {
	msg.Order.PutUint16(dst[0:2], msgqID)
	msg.Order.PutUint16(dst[2:4], mqaID)
	msg.Order.PutUint32(dst[4:8], timeout)
	msg.Order.PutUint32(dst[8:12], replyHandle)
	msg.Order.PutUint32(dst[12:16], arg)
	msg.Order.PutUint32(dst[16:20], sem)
}

// FrameLen is the wire size of m including the message header.
func FrameLen(m Message) int {
	return msg.HeaderLen + m.bodyLen()
}

// Encode writes m as a complete frame into dst and returns the frame length.
// srcProc is stamped as the reply processor so the peer can attribute it.
func Encode(dst []byte, m Message, srcProc uint16) (int, error) {
	n := FrameLen(m)
	if len(dst) < n {
		return 0, fmt.Errorf("%w: control frame needs %d bytes, have %d", status.ErrInvalidArgument, n, len(dst))
	}
	msg.EncodeHeader(dst, msg.Header{
		Size:       uint32(n),
		MqaID:      msg.ControlMqaID,
		MsgID:      m.msgID(),
		DstQueue:   msg.InvalidQueue,
		ReplyQueue: msg.InvalidQueue,
		ReplyProc:  srcProc,
		Flags:      msg.FlagNone,
	})
	m.encodeBody(dst[msg.HeaderLen:n])
	return n, nil
}

// Marshal is Encode into a freshly sized buffer.
func Marshal(m Message, srcProc uint16) []byte {
	buf := make([]byte, FrameLen(m))
	_, _ = Encode(buf, m, srcProc)
	return buf
}

// Decode parses a complete control frame.
func Decode(frame []byte) (Message, msg.Header, error) {
	h, err := msg.DecodeHeader(frame)
	if err != nil {
		return nil, msg.Header{}, err
	}
	if !h.IsControl() {
		return nil, h, fmt.Errorf("%w: %w mqa=%#x id=%#x", status.ErrInvalidArgument, ErrNotControl, h.MqaID, h.MsgID)
	}
	body := frame[msg.HeaderLen:h.Size]
	switch h.MsgID {
	case msg.IDLocateRequest:
		if len(body) < RequestBodyLen {
			return nil, h, shortBody(KindLocateRequest, len(body))
		}
		return decodeRequest(body), h, nil
	case msg.IDLocateAck:
		if len(body) < AckBodyLen {
			return nil, h, shortBody(KindLocateAck, len(body))
		}
		r := decodeRequest(body)
		ack := r.Ack(msg.Order.Uint16(body[20:22]) != 0)
		return ack, h, nil
	case msg.IDExit:
		return Exit{}, h, nil
	default:
		return nil, h, fmt.Errorf("%w: %w id=%#x", status.ErrInvalidArgument, ErrUnknownKind, h.MsgID)
	}
}

func decodeRequest(body []byte) LocateRequest {
	return LocateRequest{
		MsgqID:      msg.Order.Uint16(body[0:2]),
		MqaID:       msg.Order.Uint16(body[2:4]),
		Timeout:     msg.Order.Uint32(body[4:8]),
		ReplyHandle: msg.Order.Uint32(body[8:12]),
		Arg:         msg.Order.Uint32(body[12:16]),
		SemHandle:   msg.Order.Uint32(body[16:20]),
	}
}

func shortBody(k Kind, n int) error {
	return fmt.Errorf("%w: %w kind=%s len=%d", status.ErrInvalidArgument, ErrShortBody, k, n)
}
