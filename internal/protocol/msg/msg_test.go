package msg

import (
	"errors"
	"testing"

	"github.com/danmuck/dsplink/internal/status"
	"github.com/danmuck/dsplink/internal/testutil/testlog"
)

func TestHeaderEncodeDecode(t *testing.T) {
	testlog.Start(t)

	buf := make([]byte, 64)
	in := Header{Size: 40, MqaID: 2, MsgID: 7, DstQueue: 12, ReplyQueue: 3, ReplyProc: 1, Flags: FlagAsync}
	EncodeHeader(buf, in)

	if got := Order.Uint16(buf[8:10]); got != 12 {
		t.Fatalf("dstQueue at wrong offset: %d", got)
	}
	out, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("decoded %+v want %+v", out, in)
	}
}

func TestDecodeHeaderRejectsBadSizes(t *testing.T) {
	testlog.Start(t)

	if _, err := DecodeHeader(make([]byte, HeaderLen-1)); !errors.Is(err, ErrShortHeader) || !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected short header, got %v", err)
	}

	buf := make([]byte, 32)
	EncodeHeader(buf, Header{Size: 33})
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected oversize rejection, got %v", err)
	}
	EncodeHeader(buf, Header{Size: 4})
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrBadSize) {
		t.Fatalf("expected undersize rejection, got %v", err)
	}
}

func TestMsgViewAccessors(t *testing.T) {
	testlog.Start(t)

	m, err := Wrap(make([]byte, 48), HeaderLen+8)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	m.SetMqaID(4)
	m.SetMsgID(99)
	m.SetDstQueue(5)
	m.SetReplyQueue(6)
	m.SetReplyProc(1)
	copy(m.Payload(), "payload!")

	if m.Size() != 24 || m.Cap() != 48 || len(m.Bytes()) != 24 {
		t.Fatalf("size=%d cap=%d bytes=%d", m.Size(), m.Cap(), len(m.Bytes()))
	}
	h := m.Header()
	if h.MqaID != 4 || h.MsgID != 99 || h.DstQueue != 5 || h.ReplyQueue != 6 || h.ReplyProc != 1 {
		t.Fatalf("unexpected header %+v", h)
	}
	if string(m.Bytes()[HeaderLen:]) != "payload!" {
		t.Fatalf("payload not in wire image")
	}

	m.Reset(HeaderLen)
	if m.MsgID() != 0 || m.Size() != HeaderLen || len(m.Payload()) != 0 {
		t.Fatalf("reset left state behind: %+v", m.Header())
	}

	if _, err := Wrap(make([]byte, 8), 8); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for tiny buffer, got %v", err)
	}
}

func TestReservedIDs(t *testing.T) {
	testlog.Start(t)

	if IsReserved(0x0001) || IsReserved(IDReservedBase-1) {
		t.Fatalf("user ids reported reserved")
	}
	for _, id := range []uint16{IDLocateRequest, IDLocateAck, IDExit, IDAsyncLocate, IDAsyncError} {
		if !IsReserved(id) {
			t.Fatalf("id %#x should be reserved", id)
		}
	}
	if !(Header{MqaID: ControlMqaID, MsgID: IDExit}).IsControl() {
		t.Fatalf("exit frame not recognised as control")
	}
	if (Header{MqaID: 1, MsgID: IDExit}).IsControl() {
		t.Fatalf("allocator-owned message treated as control")
	}
	if !(Header{MsgID: IDAsyncError}).IsAsync() {
		t.Fatalf("async error not recognised")
	}
}
