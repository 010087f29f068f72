package proto

import (
	"fmt"

	"dev.c0redev.blockwire/internal/region"
)

// Message is one application-level unit. The set of implementations is closed.
type Message interface {
	Type() MessageType
	encodedLength() int
	encode(w *writer)
}

// StreamChunkID names one chunk of an open stream.
type StreamChunkID struct {
	StreamID   int64
	ChunkIndex int32
}

func (id StreamChunkID) String() string {
	return fmt.Sprintf("%d/%d", id.StreamID, id.ChunkIndex)
}

func (id StreamChunkID) encode(w *writer) {
	w.putI64(id.StreamID)
	w.putI32(id.ChunkIndex)
}

func readStreamChunkID(r *reader) StreamChunkID {
	return StreamChunkID{StreamID: r.i64(), ChunkIndex: r.i32()}
}

const streamChunkIDLen = 8 + 4

// Payload is the source of a zero-copy body.
type Payload interface {
	Size() int64
	// Region opens the payload for transfer; errors are PayloadReadErrors.
	Region() (region.Region, error)
}

// BytesPayload: in-memory body.
type BytesPayload []byte

func (b BytesPayload) Size() int64 { return int64(len(b)) }

func (b BytesPayload) Region() (region.Region, error) {
	return region.NewBuffer(b), nil
}

// FilePayload: body read from a file range at send time.
type FilePayload struct {
	Path   string
	Offset int64
	Length int64
}

func (f FilePayload) Size() int64 { return f.Length }

func (f FilePayload) Region() (region.Region, error) {
	r, err := region.OpenFile(f.Path, f.Offset, f.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadRead, err)
	}
	return r, nil
}

// ChunkFetchRequest asks for one chunk of a stream opened with OpenBlocks.
type ChunkFetchRequest struct {
	StreamChunkID StreamChunkID
}

func (*ChunkFetchRequest) Type() MessageType  { return TypeChunkFetchRequest }
func (*ChunkFetchRequest) encodedLength() int { return streamChunkIDLen }
func (m *ChunkFetchRequest) encode(w *writer) { m.StreamChunkID.encode(w) }

// OpenBlocks asks the server to register a stream over the given blocks.
type OpenBlocks struct {
	AppID    string
	BlockIDs []string
}

func (*OpenBlocks) Type() MessageType { return TypeOpenBlocks }

func (m *OpenBlocks) encodedLength() int {
	return stringLen(m.AppID) + stringsLen(m.BlockIDs)
}

func (m *OpenBlocks) encode(w *writer) {
	w.putString(m.AppID)
	w.putStrings(m.BlockIDs)
}

// ChunkFetchSuccess carries chunk bytes as a body that is never copied into the header.
type ChunkFetchSuccess struct {
	StreamChunkID StreamChunkID
	Body          Payload
}

func (*ChunkFetchSuccess) Type() MessageType  { return TypeChunkFetchSuccess }
func (*ChunkFetchSuccess) encodedLength() int { return streamChunkIDLen }
func (m *ChunkFetchSuccess) encode(w *writer) { m.StreamChunkID.encode(w) }

// ChunkFetchFailure reports that a chunk could not be served.
type ChunkFetchFailure struct {
	StreamChunkID StreamChunkID
	Error         string
}

func (*ChunkFetchFailure) Type() MessageType { return TypeChunkFetchFailure }

func (m *ChunkFetchFailure) encodedLength() int {
	return streamChunkIDLen + stringLen(m.Error)
}

func (m *ChunkFetchFailure) encode(w *writer) {
	m.StreamChunkID.encode(w)
	w.putString(m.Error)
}

// StreamHandle answers OpenBlocks.
type StreamHandle struct {
	StreamID  int64
	NumChunks int32
}

func (*StreamHandle) Type() MessageType  { return TypeStreamHandle }
func (*StreamHandle) encodedLength() int { return 8 + 4 }

func (m *StreamHandle) encode(w *writer) {
	w.putI64(m.StreamID)
	w.putI32(m.NumChunks)
}

// RpcRequest: opaque request expecting RpcResponse or RpcFailure.
type RpcRequest struct {
	RequestID int64
	Payload   []byte
}

func (*RpcRequest) Type() MessageType    { return TypeRpcRequest }
func (m *RpcRequest) encodedLength() int { return 8 + bytesLen(m.Payload) }

func (m *RpcRequest) encode(w *writer) {
	w.putI64(m.RequestID)
	w.putBytes(m.Payload)
}

type RpcResponse struct {
	RequestID int64
	Payload   []byte
}

func (*RpcResponse) Type() MessageType    { return TypeRpcResponse }
func (m *RpcResponse) encodedLength() int { return 8 + bytesLen(m.Payload) }

func (m *RpcResponse) encode(w *writer) {
	w.putI64(m.RequestID)
	w.putBytes(m.Payload)
}

type RpcFailure struct {
	RequestID int64
	Error     string
}

func (*RpcFailure) Type() MessageType    { return TypeRpcFailure }
func (m *RpcFailure) encodedLength() int { return 8 + stringLen(m.Error) }

func (m *RpcFailure) encode(w *writer) {
	w.putI64(m.RequestID)
	w.putString(m.Error)
}

// OneWayMessage: fire and forget, no reply.
type OneWayMessage struct {
	Payload []byte
}

func (*OneWayMessage) Type() MessageType    { return TypeOneWayMessage }
func (m *OneWayMessage) encodedLength() int { return bytesLen(m.Payload) }
func (m *OneWayMessage) encode(w *writer)   { w.putBytes(m.Payload) }
