package distributed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MsgType is the first byte of every frame.
type MsgType byte

const (
	MsgTaskExecution MsgType = iota
	MsgTaskResult
	MsgServerLoad
	MsgLoadQuery
)

func (t MsgType) String() string {
	switch t {
	case MsgTaskExecution:
		return "TASK_EXECUTION"
	case MsgTaskResult:
		return "TASK_RESULT"
	case MsgServerLoad:
		return "SERVER_LOAD"
	case MsgLoadQuery:
		return "LOAD_QUERY"
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

var (
	ErrMalformed    = errors.New("malformed message")
	ErrFieldTooLong = errors.New("string field exceeds 65535 bytes")
)

// Message is the union of all frame kinds. Which fields are on the wire
// depends on Type:
//
//	TASK_EXECUTION  ID Target Source TaskID Name Async
//	TASK_RESULT     ID Target Source TaskID Success [Error]
//	SERVER_LOAD     Source CPU Memory Clients
//	LOAD_QUERY      Source
//
// Integers are big-endian, strings carry a uint16 length prefix and the
// result error is preceded by a presence flag.
type Message struct {
	Type    MsgType
	ID      int32
	Target  string
	Source  string
	TaskID  string
	Name    string
	Async   bool
	Success bool
	Error   string
	CPU     float64
	Memory  int64
	Clients int32
}

func (m Message) MarshalBinary() ([]byte, error) {
	w := &frameWriter{}
	w.u8(byte(m.Type))
	switch m.Type {
	case MsgTaskExecution:
		w.i32(m.ID)
		w.str(m.Target)
		w.str(m.Source)
		w.str(m.TaskID)
		w.str(m.Name)
		w.flag(m.Async)
	case MsgTaskResult:
		w.i32(m.ID)
		w.str(m.Target)
		w.str(m.Source)
		w.str(m.TaskID)
		w.flag(m.Success)
		w.flag(m.Error != "")
		if m.Error != "" {
			w.str(m.Error)
		}
	case MsgServerLoad:
		w.str(m.Source)
		w.u64(math.Float64bits(m.CPU))
		w.u64(uint64(m.Memory))
		w.i32(m.Clients)
	case MsgLoadQuery:
		w.str(m.Source)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (m *Message) UnmarshalBinary(b []byte) error {
	r := &frameReader{r: bytes.NewReader(b)}
	*m = Message{Type: MsgType(r.u8())}
	switch m.Type {
	case MsgTaskExecution:
		m.ID = r.i32()
		m.Target = r.str()
		m.Source = r.str()
		m.TaskID = r.str()
		m.Name = r.str()
		m.Async = r.flag()
	case MsgTaskResult:
		m.ID = r.i32()
		m.Target = r.str()
		m.Source = r.str()
		m.TaskID = r.str()
		m.Success = r.flag()
		if r.flag() {
			m.Error = r.str()
		}
	case MsgServerLoad:
		m.Source = r.str()
		m.CPU = math.Float64frombits(r.u64())
		m.Memory = int64(r.u64())
		m.Clients = r.i32()
	case MsgLoadQuery:
		m.Source = r.str()
	default:
		if r.err == nil {
			return fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
		}
	}
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, r.err)
	}
	if r.r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.r.Len())
	}
	return nil
}

// frameWriter accumulates the first error so callers can chain writes.
type frameWriter struct {
	buf bytes.Buffer
	err error
}

func (w *frameWriter) u8(b byte) { w.buf.WriteByte(b) }

func (w *frameWriter) flag(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *frameWriter) i32(v int32) {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func (w *frameWriter) u64(v uint64) {
	w.buf.Write(binary.BigEndian.AppendUint64(nil, v))
}

func (w *frameWriter) str(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = ErrFieldTooLong
		}
		return
	}
	w.buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(s))))
	w.buf.WriteString(s)
}

type frameReader struct {
	r   *bytes.Reader
	err error
}

func (r *frameReader) read(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
	}
	return b
}

func (r *frameReader) u8() byte    { return r.read(1)[0] }
func (r *frameReader) flag() bool  { return r.u8() != 0 }
func (r *frameReader) i32() int32  { return int32(binary.BigEndian.Uint32(r.read(4))) }
func (r *frameReader) u64() uint64 { return binary.BigEndian.Uint64(r.read(8)) }

func (r *frameReader) str() string {
	n := binary.BigEndian.Uint16(r.read(2))
	return string(r.read(int(n)))
}
