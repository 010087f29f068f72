package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"dev.c0redev.blockwire/internal/proto"
	"dev.c0redev.blockwire/internal/server/auth"
	"dev.c0redev.blockwire/internal/store"
)

// Server holds admin API deps.
type Server struct {
	DB        *store.DB
	TokenHash string
	// OpenStreams reports open block streams; nil = not exposed.
	OpenStreams func() int
	Gatherer    prometheus.Gatherer
	// MaxFrameSize bounds registered block lengths; <= 0 = proto default.
	MaxFrameSize int64

	limitMu  sync.Mutex
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	ratePerIP    = rate.Limit(2) // per second
	rateBurst    = 120
	limiterIdle  = 10 * time.Minute
	maxBodyBytes = 1 << 16
)

// New returns API server; an empty tokenHash rejects every authenticated call.
func New(db *store.DB, tokenHash string) *Server {
	return &Server{DB: db, TokenHash: tokenHash, Gatherer: prometheus.DefaultGatherer, limiters: make(map[string]*ipLimiter)}
}

// allow false if the client IP has exhausted its bucket.
func (s *Server) allow(r *http.Request) bool {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	now := time.Now()
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	for k, l := range s.limiters {
		if now.Sub(l.seen) > limiterIdle {
			delete(s.limiters, k)
		}
	}
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(ratePerIP, rateBurst)}
		s.limiters[ip] = l
	}
	l.seen = now
	return l.lim.AllowN(now, 1)
}

// BlockDTO for /api/blocks (snake_case json).
type BlockDTO struct {
	AppID     string `json:"app_id"`
	BlockID   string `json:"block_id"`
	Path      string `json:"path"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
	CreatedAt string `json:"created_at,omitempty"`
}

// DeleteBlockRequest body.
type DeleteBlockRequest struct {
	AppID   string `json:"app_id"`
	BlockID string `json:"block_id"`
}

// HandleHealth GET /health (lb/k8s).
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// HandleReady GET /ready; 200 if DB ok else 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.DB.Ping(); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RequireToken true if Bearer matches the configured hash.
func (s *Server) RequireToken(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return false
	}
	return auth.CheckToken(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), s.TokenHash)
}

// guard: rate limit then auth; false when the response is already written.
func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	if !s.allow(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	if !s.RequireToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// HandleBlocks GET /api/blocks?app_id= lists, POST registers; Bearer.
func (s *Server) HandleBlocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.guard(w, r) {
		return
	}
	if r.Method == http.MethodGet {
		s.listBlocks(w, r)
		return
	}

	var req BlockDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.AppID = strings.TrimSpace(req.AppID)
	req.BlockID = strings.TrimSpace(req.BlockID)
	if req.AppID == "" || req.BlockID == "" || req.Path == "" {
		http.Error(w, "app_id, block_id and path required", http.StatusBadRequest)
		return
	}
	st, err := os.Stat(req.Path)
	if err != nil || !st.Mode().IsRegular() {
		http.Error(w, "path is not a regular file", http.StatusBadRequest)
		return
	}
	if req.Length < 0 {
		req.Length = st.Size() - req.Offset
	}
	if req.Offset < 0 || req.Length < 0 || req.Offset+req.Length > st.Size() {
		http.Error(w, "range outside file", http.StatusBadRequest)
		return
	}
	if limit := proto.MaxChunkSize(s.MaxFrameSize); req.Length > limit {
		http.Error(w, fmt.Sprintf("block length %d exceeds frame limit %d", req.Length, limit), http.StatusBadRequest)
		return
	}
	b := store.Block{AppID: req.AppID, ID: req.BlockID, Path: req.Path, Offset: req.Offset, Length: req.Length}
	if err := s.DB.PutBlock(b); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(blockToDTO(b))
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	app := strings.TrimSpace(r.URL.Query().Get("app_id"))
	if app == "" {
		http.Error(w, "app_id required", http.StatusBadRequest)
		return
	}
	list, err := s.DB.BlocksByApp(app)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]BlockDTO, 0, len(list))
	for _, b := range list {
		out = append(out, blockToDTO(b))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Blocks []BlockDTO `json:"blocks"`
	}{Blocks: out})
}

// HandleDeleteBlock POST /api/blocks/delete; Bearer.
func (s *Server) HandleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.guard(w, r) {
		return
	}
	var req DeleteBlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ok, err := s.DB.DeleteBlock(req.AppID, req.BlockID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStreams GET /api/streams -> {"open": n}; Bearer.
func (s *Server) HandleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.guard(w, r) {
		return
	}
	n := 0
	if s.OpenStreams != nil {
		n = s.OpenStreams()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Open int `json:"open"`
	}{Open: n})
}

func blockToDTO(b store.Block) BlockDTO {
	d := BlockDTO{AppID: b.AppID, BlockID: b.ID, Path: b.Path, Offset: b.Offset, Length: b.Length}
	if !b.CreatedAt.IsZero() {
		d.CreatedAt = b.CreatedAt.Format(time.RFC3339)
	}
	return d
}

// Mount registers routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/blocks", s.HandleBlocks)
	mux.HandleFunc("/api/blocks/delete", s.HandleDeleteBlock)
	mux.HandleFunc("/api/streams", s.HandleStreams)
}
