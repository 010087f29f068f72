package proto

import "strconv"

// MessageType: 1-byte type on wire, closed set (< 128).
type MessageType uint8

const (
	TypeChunkFetchRequest MessageType = 0
	TypeOpenBlocks        MessageType = 1
	TypeChunkFetchSuccess MessageType = 2 // only type with a zero-copy body
	TypeChunkFetchFailure MessageType = 3
	TypeStreamHandle      MessageType = 4
	TypeRpcRequest        MessageType = 5
	TypeRpcResponse       MessageType = 6
	TypeRpcFailure        MessageType = 7
	TypeOneWayMessage     MessageType = 8
)

var typeNames = [...]string{
	TypeChunkFetchRequest: "ChunkFetchRequest",
	TypeOpenBlocks:        "OpenBlocks",
	TypeChunkFetchSuccess: "ChunkFetchSuccess",
	TypeChunkFetchFailure: "ChunkFetchFailure",
	TypeStreamHandle:      "StreamHandle",
	TypeRpcRequest:        "RpcRequest",
	TypeRpcResponse:       "RpcResponse",
	TypeRpcFailure:        "RpcFailure",
	TypeOneWayMessage:     "OneWayMessage",
}

func (t MessageType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "MessageType(" + strconv.Itoa(int(t)) + ")"
}

// LengthSize: u64 big-endian frame length, counts itself.
const LengthSize = 8

// FrameHeaderSize: length + type byte.
const FrameHeaderSize = LengthSize + 1

// DefaultMaxFrameSize bounds reassembly of one inbound frame (64MiB).
const DefaultMaxFrameSize = 64 << 20

// FrameLimit: maxFrame <= 0 = DefaultMaxFrameSize.
func FrameLimit(maxFrame int64) int64 {
	if maxFrame <= 0 {
		return DefaultMaxFrameSize
	}
	return maxFrame
}

// MaxChunkSize is the largest ChunkFetchSuccess body a peer with the given
// frame limit accepts.
func MaxChunkSize(maxFrame int64) int64 {
	return FrameLimit(maxFrame) - FrameHeaderSize - streamChunkIDLen
}

// FrameSize is the encoded size of m, declared body size included.
func FrameSize(m Message) int64 {
	n := int64(FrameHeaderSize + m.encodedLength())
	if s, ok := m.(*ChunkFetchSuccess); ok && s.Body != nil {
		n += s.Body.Size()
	}
	return n
}
