package server

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/atomic"

	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/store"
)

var (
	ErrUnknownStream = errors.New("server: unknown stream")
	ErrChunkIndex    = errors.New("server: chunk index out of range")
	ErrMissingBlock  = errors.New("server: block not found")
	ErrChunkTooLarge = errors.New("server: block exceeds the frame limit")
)

type stream struct {
	owner  string // conn id
	appID  string
	ids    []string
	blocks []*store.Block // nil entries: block not in catalog
}

// Streams tracks open block streams. A stream belongs to the connection that
// opened it and is dropped when that connection ends.
type Streams struct {
	mu      sync.Mutex
	streams map[int64]*stream
	nextID  atomic.Int64
}

func NewStreams() *Streams {
	s := &Streams{streams: make(map[int64]*stream)}
	// random start so ids from different server runs rarely collide
	s.nextID.Store(int64(rand.Uint32()) * 1000)
	return s
}

// Register records a stream over blocks and returns its id.
func (s *Streams) Register(owner, appID string, ids []string, blocks []*store.Block) int64 {
	id := s.nextID.Inc()
	s.mu.Lock()
	s.streams[id] = &stream{owner: owner, appID: appID, ids: ids, blocks: blocks}
	s.mu.Unlock()
	return id
}

// Chunk resolves one chunk to its file range.
func (s *Streams) Chunk(owner string, id proto.StreamChunkID) (proto.FilePayload, error) {
	s.mu.Lock()
	st, ok := s.streams[id.StreamID]
	s.mu.Unlock()
	if !ok || st.owner != owner {
		return proto.FilePayload{}, fmt.Errorf("%w: %d", ErrUnknownStream, id.StreamID)
	}
	if id.ChunkIndex < 0 || int(id.ChunkIndex) >= len(st.blocks) {
		return proto.FilePayload{}, fmt.Errorf("%w: %d of %d", ErrChunkIndex, id.ChunkIndex, len(st.blocks))
	}
	b := st.blocks[id.ChunkIndex]
	if b == nil {
		return proto.FilePayload{}, fmt.Errorf("%w: %s/%s", ErrMissingBlock, st.appID, st.ids[id.ChunkIndex])
	}
	return proto.FilePayload{Path: b.Path, Offset: b.Offset, Length: b.Length}, nil
}

// ConnClosed drops every stream owned by the connection.
func (s *Streams) ConnClosed(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, st := range s.streams {
		if st.owner == owner {
			delete(s.streams, id)
			n++
		}
	}
	return n
}

// Len returns the number of open streams.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
