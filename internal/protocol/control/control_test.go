package control

import (
	"errors"
	"testing"

	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
	"github.com/danmuck/dsplink/internal/testutil/testlog"
)

func TestLocateRequestWireLayout(t *testing.T) {
	testlog.Start(t)

	req := LocateRequest{MsgqID: 0x0102, MqaID: 0x0304, Timeout: 0x05060708, ReplyHandle: 0x090a0b0c, Arg: 0x0d0e0f10, SemHandle: 0x11121314}
	frame := Marshal(req, 1)
	if len(frame) != msg.HeaderLen+RequestBodyLen {
		t.Fatalf("frame length %d", len(frame))
	}
	want := []byte{
		0x02, 0x01, 0x04, 0x03,
		0x08, 0x07, 0x06, 0x05,
		0x0c, 0x0b, 0x0a, 0x09,
		0x10, 0x0f, 0x0e, 0x0d,
		0x14, 0x13, 0x12, 0x11,
	}
	body := frame[msg.HeaderLen:]
	for i := range want {
		if body[i] != want[i] {
			t.Fatalf("body byte %d = %#x want %#x", i, body[i], want[i])
		}
	}
	h, err := msg.DecodeHeader(frame)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.MqaID != msg.ControlMqaID || h.MsgID != msg.IDLocateRequest || h.ReplyProc != 1 {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestAckEchoesCorrelationFields(t *testing.T) {
	testlog.Start(t)

	reqs := []LocateRequest{
		{MsgqID: 3, MqaID: 1, Timeout: 250, ReplyHandle: 1, Arg: 0, SemHandle: 7},
		{MsgqID: 0xFFFE, MqaID: 0xFFFF, Timeout: 0xFFFFFFFF, ReplyHandle: 0xDEADBEEF, Arg: 42, SemHandle: 0},
		{},
	}
	for _, req := range reqs {
		for _, found := range []bool{true, false} {
			decoded, _, err := Decode(Marshal(req, 2))
			if err != nil {
				t.Fatalf("decode request: %v", err)
			}
			got, ok := decoded.(LocateRequest)
			if !ok || got != req {
				t.Fatalf("request round trip %+v -> %+v", req, decoded)
			}

			ackFrame := Marshal(got.Ack(found), 1)
			if len(ackFrame) != msg.HeaderLen+AckBodyLen {
				t.Fatalf("ack frame length %d", len(ackFrame))
			}
			m, _, err := Decode(ackFrame)
			if err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			ack := m.(LocateAck)
			if ack.MsgqID != req.MsgqID || ack.MqaID != req.MqaID || ack.Timeout != req.Timeout ||
				ack.ReplyHandle != req.ReplyHandle || ack.Arg != req.Arg || ack.SemHandle != req.SemHandle {
				t.Fatalf("ack %+v does not echo %+v", ack, req)
			}
			if ack.Found != found {
				t.Fatalf("found=%v want %v", ack.Found, found)
			}
		}
	}
}

func TestExitHasEmptyBody(t *testing.T) {
	testlog.Start(t)

	frame := Marshal(Exit{}, 1)
	if len(frame) != msg.HeaderLen {
		t.Fatalf("exit frame length %d", len(frame))
	}
	m, _, err := Decode(frame)
	if err != nil || m.Kind() != KindExit {
		t.Fatalf("decode exit: %v %v", m, err)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	testlog.Start(t)

	user := make([]byte, msg.HeaderLen)
	msg.EncodeHeader(user, msg.Header{Size: msg.HeaderLen, MqaID: 1, MsgID: 5})
	if _, _, err := Decode(user); !errors.Is(err, ErrNotControl) {
		t.Fatalf("expected not-control, got %v", err)
	}

	short := make([]byte, msg.HeaderLen+4)
	msg.EncodeHeader(short, msg.Header{Size: uint32(len(short)), MqaID: msg.ControlMqaID, MsgID: msg.IDLocateAck})
	if _, _, err := Decode(short); !errors.Is(err, ErrShortBody) || !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected short body, got %v", err)
	}

	if _, err := Encode(make([]byte, 8), Exit{}, 0); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected encode into tiny buffer to fail, got %v", err)
	}
}

func TestAsyncPayloads(t *testing.T) {
	testlog.Start(t)

	m, err := msg.Wrap(make([]byte, 64), msg.HeaderLen+AsyncLocateLen)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	loc := AsyncLocate{QueueID: 9, ProcID: 1, Arg: 77, Found: true}
	if err := loc.Put(m); err != nil {
		t.Fatalf("put locate: %v", err)
	}
	if m.Flags()&msg.FlagAsync == 0 {
		t.Fatalf("async flag not set")
	}
	gotLoc, err := ParseAsyncLocate(m)
	if err != nil || gotLoc != loc {
		t.Fatalf("locate %+v err=%v", gotLoc, err)
	}
	if _, err := ParseAsyncError(m); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("locate parsed as error: %v", err)
	}

	m.Reset(msg.HeaderLen + AsyncErrorLen)
	ae := AsyncError{Type: ErrorTransportExit, ProcID: 1, Code: status.CodeGeneralFailure, Arg1: 3}
	if err := ae.Put(m); err != nil {
		t.Fatalf("put error: %v", err)
	}
	gotErr, err := ParseAsyncError(m)
	if err != nil || gotErr != ae {
		t.Fatalf("error %+v err=%v", gotErr, err)
	}
	if !errors.Is(gotErr.Err(), status.ErrGeneralFailure) {
		t.Fatalf("code did not map to general failure: %v", gotErr.Err())
	}

	tiny, _ := msg.Wrap(make([]byte, msg.HeaderLen), msg.HeaderLen)
	if err := loc.Put(tiny); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected tiny payload rejection, got %v", err)
	}
}
