package msg

import (
	"fmt"

	"github.com/danmuck/dsplink/internal/status"
)

// Msg is a message living in a buffer handed out by an allocator. The
// header is stored in the first HeaderLen bytes of the buffer; the payload
// follows. Whoever holds the *Msg owns the buffer until it is put or freed.
type Msg struct {
	buf []byte
}

// Wrap views buf as a message of size bytes and stamps the size field.
func Wrap(buf []byte, size int) (*Msg, error) {
	if size < HeaderLen || size > len(buf) {
		return nil, fmt.Errorf("%w: message size %d for buffer %d", status.ErrInvalidArgument, size, len(buf))
	}
	m := &Msg{buf: buf}
	Order.PutUint32(buf[0:4], uint32(size))
	return m, nil
}

// Reset clears the header of a recycled buffer and sets its size.
func (m *Msg) Reset(size int) {
	clear(m.buf[:HeaderLen])
	Order.PutUint32(m.buf[0:4], uint32(size))
}

func (m *Msg) Header() Header {
	h, _ := DecodeHeader(m.buf)
	return h
}

func (m *Msg) SetHeader(h Header) { EncodeHeader(m.buf, h) }

func (m *Msg) Size() int          { return int(Order.Uint32(m.buf[0:4])) }
func (m *Msg) MqaID() uint16      { return Order.Uint16(m.buf[4:6]) }
func (m *Msg) MsgID() uint16      { return Order.Uint16(m.buf[6:8]) }
func (m *Msg) DstQueue() uint16   { return Order.Uint16(m.buf[8:10]) }
func (m *Msg) ReplyQueue() uint16 { return Order.Uint16(m.buf[10:12]) }
func (m *Msg) ReplyProc() uint16  { return Order.Uint16(m.buf[12:14]) }
func (m *Msg) Flags() uint16      { return Order.Uint16(m.buf[14:16]) }

func (m *Msg) SetMqaID(id uint16)     { Order.PutUint16(m.buf[4:6], id) }
func (m *Msg) SetMsgID(id uint16)     { Order.PutUint16(m.buf[6:8], id) }
func (m *Msg) SetDstQueue(q uint16)   { Order.PutUint16(m.buf[8:10], q) }
func (m *Msg) SetReplyQueue(q uint16) { Order.PutUint16(m.buf[10:12], q) }
func (m *Msg) SetReplyProc(p uint16)  { Order.PutUint16(m.buf[12:14], p) }
func (m *Msg) SetFlags(f uint16)      { Order.PutUint16(m.buf[14:16], f) }

// Cap is the capacity of the underlying buffer.
func (m *Msg) Cap() int { return len(m.buf) }

// Bytes is the wire image: header plus payload.
func (m *Msg) Bytes() []byte { return m.buf[:m.Size()] }

// Payload is the writable body after the header.
func (m *Msg) Payload() []byte { return m.buf[HeaderLen:m.Size()] }

// Buffer exposes the whole allocator buffer to its allocator.
func (m *Msg) Buffer() []byte { return m.buf }
