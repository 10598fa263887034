package control

import (
	"fmt"

	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/status"
)

const (
	AsyncLocateLen = 12
	AsyncErrorLen  = 12
)

// ErrorType classifies an AsyncError.
type ErrorType uint16

const (
	// ErrorTransportExit reports that the peer transport closed.
	ErrorTransportExit ErrorType = 1
	// ErrorPutFailed reports a message the transport could not deliver.
	ErrorPutFailed ErrorType = 2
)

func (e ErrorType) String() string {
	switch e {
	case ErrorTransportExit:
		return "transport_exit"
	case ErrorPutFailed:
		return "put_failed"
	default:
		return fmt.Sprintf("error_type(%d)", uint16(e))
	}
}

// AsyncLocate completes an asynchronous locate. It is delivered to the
// reply queue named by the caller with msg id msg.IDAsyncLocate.
type AsyncLocate struct {
	QueueID uint16
	ProcID  uint16
	Arg     uint32
	Found   bool
}

// AsyncError reports a link fault to the registered error-handler queue.
type AsyncError struct {
	Type   ErrorType
	ProcID uint16
	Code   status.Code
	Arg1   uint32
}

// Err is the taxonomy error carried by e.
func (e AsyncError) Err() error {
	return status.FromCode(e.Code)
}

func (a AsyncLocate) Put(m *msg.Msg) error {
	p := m.Payload()
	if len(p) < AsyncLocateLen {
		return fmt.Errorf("%w: async locate payload %d bytes", status.ErrInvalidArgument, len(p))
	}
	msg.Order.PutUint16(p[0:2], a.QueueID)
	msg.Order.PutUint16(p[2:4], a.ProcID)
	msg.Order.PutUint32(p[4:8], a.Arg)
	var found uint16
	if a.Found {
		found = 1
	}
	msg.Order.PutUint16(p[8:10], found)
	msg.Order.PutUint16(p[10:12], 0)
	m.SetMsgID(msg.IDAsyncLocate)
	m.SetFlags(msg.FlagAsync)
	return nil
}

func (e AsyncError) Put(m *msg.Msg) error {
	p := m.Payload()
	if len(p) < AsyncErrorLen {
		return fmt.Errorf("%w: async error payload %d bytes", status.ErrInvalidArgument, len(p))
	}
	msg.Order.PutUint16(p[0:2], uint16(e.Type))
	msg.Order.PutUint16(p[2:4], e.ProcID)
	msg.Order.PutUint32(p[4:8], uint32(e.Code))
	msg.Order.PutUint32(p[8:12], e.Arg1)
	m.SetMsgID(msg.IDAsyncError)
	m.SetFlags(msg.FlagAsync)
	return nil
}

func ParseAsyncLocate(m *msg.Msg) (AsyncLocate, error) {
	p := m.Payload()
	if m.MsgID() != msg.IDAsyncLocate || len(p) < AsyncLocateLen {
		return AsyncLocate{}, fmt.Errorf("%w: not an async locate (id=%#x len=%d)", status.ErrInvalidArgument, m.MsgID(), len(p))
	}
	return AsyncLocate{
		QueueID: msg.Order.Uint16(p[0:2]),
		ProcID:  msg.Order.Uint16(p[2:4]),
		Arg:     msg.Order.Uint32(p[4:8]),
		Found:   msg.Order.Uint16(p[8:10]) != 0,
	}, nil
}

func ParseAsyncError(m *msg.Msg) (AsyncError, error) {
	p := m.Payload()
	if m.MsgID() != msg.IDAsyncError || len(p) < AsyncErrorLen {
		return AsyncError{}, fmt.Errorf("%w: not an async error (id=%#x len=%d)", status.ErrInvalidArgument, m.MsgID(), len(p))
	}
	return AsyncError{
		Type:   ErrorType(msg.Order.Uint16(p[0:2])),
		ProcID: msg.Order.Uint16(p[2:4]),
		Code:   status.Code(msg.Order.Uint32(p[4:8])),
		Arg1:   msg.Order.Uint32(p[8:12]),
	}, nil
}
