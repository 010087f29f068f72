package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"dev.c0redev.blockwire/internal/region"
)

var (
	ErrInvalidFrame       = errors.New("proto: invalid frame")
	ErrUnknownMessageType = errors.New("proto: unknown message type")
	ErrFrameTooLarge      = errors.New("proto: frame exceeds maximum size")
	ErrPayloadRead        = errors.New("proto: payload read failed")
	ErrFieldTooLarge      = errors.New("proto: field exceeds u32 length prefix")
)

// maxFieldSize bounds a length-prefixed field or list count; the reader
// treats prefixes as signed i32.
var maxFieldSize = math.MaxInt32

// Codec turns messages into frames and back. It keeps no per-call state and
// may be shared by any number of connections.
type Codec struct {
	log *slog.Logger
}

// NewCodec; log nil = slog.Default().
func NewCodec(log *slog.Logger) *Codec {
	if log == nil {
		log = slog.Default()
	}
	return &Codec{log: log.With("component", "codec")}
}

// Encode builds [length][type][fields] eagerly and references the body of a
// ChunkFetchSuccess without copying it. If the body cannot be opened, or does
// not match its declared size, a ChunkFetchFailure for the same chunk is
// encoded instead so the frame stream stays well formed. An RpcResponse whose
// payload overflows its length prefix becomes an RpcFailure; other messages
// with oversized fields fail with ErrFieldTooLarge and nothing is encoded.
func (c *Codec) Encode(m Message) (region.Region, error) {
	if err := checkFields(m); err != nil {
		if r, ok := m.(*RpcResponse); ok {
			c.log.Error("encode rpc response", "request", r.RequestID, "error", err)
			msg := err.Error()
			if len(msg) > maxFieldSize {
				msg = msg[:maxFieldSize]
			}
			return c.Encode(&RpcFailure{RequestID: r.RequestID, Error: msg})
		}
		return nil, fmt.Errorf("%s: %w", m.Type(), err)
	}

	var body region.Region
	if s, ok := m.(*ChunkFetchSuccess); ok && s.Body != nil {
		r, err := s.Body.Region()
		if err == nil && r.Count() != s.Body.Size() {
			r.Release()
			err = fmt.Errorf("%w: opened %d bytes, declared %d", ErrPayloadRead, r.Count(), s.Body.Size())
		}
		if err != nil {
			c.log.Error("open chunk payload", "chunk", s.StreamChunkID.String(), "error", err)
			return c.Encode(&ChunkFetchFailure{StreamChunkID: s.StreamChunkID, Error: err.Error()})
		}
		body = r
	}

	headerLen := FrameHeaderSize + m.encodedLength()
	var bodyLen int64
	if body != nil {
		bodyLen = body.Count()
	}
	w := writer{b: make([]byte, headerLen)}
	w.putU64(uint64(int64(headerLen) + bodyLen))
	w.putU8(byte(m.Type()))
	m.encode(&w)
	if w.off != headerLen {
		panic(fmt.Sprintf("proto: %s encoded %d bytes, declared %d", m.Type(), w.off, headerLen))
	}

	if body == nil {
		return region.NewBuffer(w.b), nil
	}
	if bodyLen == 0 {
		body.Release()
		return region.NewBuffer(w.b), nil
	}
	return region.NewComposite(w.b, body), nil
}

func checkFields(m Message) error {
	check := func(what string, n int) error {
		if n > maxFieldSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLarge, what, n)
		}
		return nil
	}
	switch m := m.(type) {
	case *OpenBlocks:
		if err := check("block id count", len(m.BlockIDs)); err != nil {
			return err
		}
		if err := check("app id", len(m.AppID)); err != nil {
			return err
		}
		for _, id := range m.BlockIDs {
			if err := check("block id", len(id)); err != nil {
				return err
			}
		}
	case *ChunkFetchFailure:
		return check("error", len(m.Error))
	case *RpcRequest:
		return check("payload", len(m.Payload))
	case *RpcResponse:
		return check("payload", len(m.Payload))
	case *RpcFailure:
		return check("error", len(m.Error))
	case *OneWayMessage:
		return check("payload", len(m.Payload))
	}
	return nil
}

// Decode parses one complete frame, length prefix included.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(frame))
	}
	if total := binary.BigEndian.Uint64(frame); total != uint64(len(frame)) {
		return nil, fmt.Errorf("%w: length prefix %d, frame %d", ErrInvalidFrame, total, len(frame))
	}
	t := MessageType(frame[LengthSize])
	r := &reader{b: frame[FrameHeaderSize:]}

	var m Message
	switch t {
	case TypeChunkFetchRequest:
		m = &ChunkFetchRequest{StreamChunkID: readStreamChunkID(r)}
	case TypeOpenBlocks:
		m = &OpenBlocks{AppID: r.string(), BlockIDs: r.strings()}
	case TypeChunkFetchSuccess:
		id := readStreamChunkID(r)
		m = &ChunkFetchSuccess{StreamChunkID: id, Body: BytesPayload(r.rest())}
	case TypeChunkFetchFailure:
		m = &ChunkFetchFailure{StreamChunkID: readStreamChunkID(r), Error: r.string()}
	case TypeStreamHandle:
		m = &StreamHandle{StreamID: r.i64(), NumChunks: r.i32()}
	case TypeRpcRequest:
		m = &RpcRequest{RequestID: r.i64(), Payload: r.bytes()}
	case TypeRpcResponse:
		m = &RpcResponse{RequestID: r.i64(), Payload: r.bytes()}
	case TypeRpcFailure:
		m = &RpcFailure{RequestID: r.i64(), Error: r.string()}
	case TypeOneWayMessage:
		m = &OneWayMessage{Payload: r.bytes()}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", t, r.err)
	}
	if r.off != len(r.b) {
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", ErrInvalidFrame, t, len(r.b)-r.off)
	}
	return m, nil
}

func bytesLen(b []byte) int  { return 4 + len(b) }
func stringLen(s string) int { return 4 + len(s) }

func stringsLen(ss []string) int {
	n := 4
	for _, s := range ss {
		n += stringLen(s)
	}
	return n
}

// writer fills a pre-sized header buffer.
type writer struct {
	b   []byte
	off int
}

func (w *writer) putU8(v byte) {
	w.b[w.off] = v
	w.off++
}

func (w *writer) putU64(v uint64) {
	binary.BigEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
}

func (w *writer) putI64(v int64) { w.putU64(uint64(v)) }

func (w *writer) putI32(v int32) {
	binary.BigEndian.PutUint32(w.b[w.off:], uint32(v))
	w.off += 4
}

func (w *writer) putBytes(b []byte) {
	w.putI32(int32(len(b)))
	w.off += copy(w.b[w.off:], b)
}

func (w *writer) putString(s string) {
	w.putI32(int32(len(s)))
	w.off += copy(w.b[w.off:], s)
}

func (w *writer) putStrings(ss []string) {
	w.putI32(int32(len(ss)))
	for _, s := range ss {
		w.putString(s)
	}
}

// reader: sticky error, first failure wins.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrInvalidFrame, n, r.off, len(r.b)-r.off)
		return false
	}
	return true
}

func (r *reader) i32() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.b[r.off:]))
	r.off += 4
	return v
}

func (r *reader) i64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.b[r.off:]))
	r.off += 8
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.i32())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.b[r.off:])
	r.off += n
	return b
}

func (r *reader) string() string {
	n := int(r.i32())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) strings() []string {
	n := int(r.i32())
	// each entry needs at least its 4-byte length
	if !r.need(n * 4) {
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		ss = append(ss, r.string())
	}
	return ss
}

func (r *reader) rest() []byte {
	b := r.b[r.off:]
	r.off = len(r.b)
	return b
}
