package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"dev.c0redev.blockwire/internal/server/auth"
	"dev.c0redev.blockwire/internal/store"
)

func TestAPI(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	hash, err := auth.HashToken("admin-token")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(db, hash)
	srv.OpenStreams = func() int { return 3 }
	reg := prometheus.NewRegistry()
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "blockwire_test_hits_total", Help: "test"})
	reg.MustRegister(hits)
	hits.Inc()
	srv.Gatherer = reg
	mux := http.NewServeMux()
	srv.Mount(mux)

	file := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(file, make([]byte, 1000), 0o600); err != nil {
		t.Fatal(err)
	}

	do := func(method, path string, body any, token string) *httptest.ResponseRecorder {
		var rd *bytes.Reader
		if body != nil {
			raw, _ := json.Marshal(body)
			rd = bytes.NewReader(raw)
		} else {
			rd = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, rd)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	t.Run("health", func(t *testing.T) {
		rr := do(http.MethodGet, "/health", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("health: got %d", rr.Code)
		}
		var out struct{ Status string }
		if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if out.Status != "ok" {
			t.Fatalf("status: %q", out.Status)
		}
	})

	t.Run("ready", func(t *testing.T) {
		if rr := do(http.MethodGet, "/ready", nil, ""); rr.Code != http.StatusOK {
			t.Fatalf("ready: got %d", rr.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rr := do(http.MethodGet, "/metrics", nil, "")
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "blockwire_test_hits_total 1") {
			t.Fatalf("metrics: %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		if rr := do(http.MethodGet, "/api/blocks?app_id=a", nil, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("no token: got %d", rr.Code)
		}
		if rr := do(http.MethodGet, "/api/blocks?app_id=a", nil, "wrong"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("bad token: got %d", rr.Code)
		}
	})

	t.Run("register_list_delete", func(t *testing.T) {
		rr := do(http.MethodPost, "/api/blocks", BlockDTO{AppID: "app", BlockID: "b1", Path: file, Offset: 100, Length: -1}, "admin-token")
		if rr.Code != http.StatusCreated {
			t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
		}
		var created BlockDTO
		json.NewDecoder(rr.Body).Decode(&created)
		if created.Length != 900 {
			t.Fatalf("length to EOF: %+v", created)
		}

		rr = do(http.MethodPost, "/api/blocks", BlockDTO{AppID: "app", BlockID: "b2", Path: file, Offset: 900, Length: 200}, "admin-token")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("range past EOF: got %d", rr.Code)
		}
		rr = do(http.MethodPost, "/api/blocks", BlockDTO{AppID: "app", BlockID: "b3", Path: file + ".missing"}, "admin-token")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("missing file: got %d", rr.Code)
		}

		rr = do(http.MethodGet, "/api/blocks?app_id=app", nil, "admin-token")
		var list struct{ Blocks []BlockDTO }
		if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
			t.Fatal(err)
		}
		if len(list.Blocks) != 1 || list.Blocks[0].BlockID != "b1" || list.Blocks[0].Offset != 100 {
			t.Fatalf("list: %+v", list.Blocks)
		}

		if rr := do(http.MethodPost, "/api/blocks/delete", DeleteBlockRequest{AppID: "app", BlockID: "b1"}, "admin-token"); rr.Code != http.StatusNoContent {
			t.Fatalf("delete: got %d", rr.Code)
		}
		if rr := do(http.MethodPost, "/api/blocks/delete", DeleteBlockRequest{AppID: "app", BlockID: "b1"}, "admin-token"); rr.Code != http.StatusNotFound {
			t.Fatalf("second delete: got %d", rr.Code)
		}
	})

	t.Run("frame_limit", func(t *testing.T) {
		srv.MaxFrameSize = 500
		defer func() { srv.MaxFrameSize = 0 }()
		rr := do(http.MethodPost, "/api/blocks", BlockDTO{AppID: "limits", BlockID: "whole", Path: file, Length: -1}, "admin-token")
		if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "frame limit") {
			t.Fatalf("block over frame limit: %d %s", rr.Code, rr.Body.String())
		}
		rr = do(http.MethodPost, "/api/blocks", BlockDTO{AppID: "limits", BlockID: "part", Path: file, Length: 400}, "admin-token")
		if rr.Code != http.StatusCreated {
			t.Fatalf("block under frame limit: %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("streams", func(t *testing.T) {
		rr := do(http.MethodGet, "/api/streams", nil, "admin-token")
		var out struct{ Open int }
		json.NewDecoder(rr.Body).Decode(&out)
		if rr.Code != http.StatusOK || out.Open != 3 {
			t.Fatalf("streams: %d %+v", rr.Code, out)
		}
	})

	t.Run("method_not_allowed", func(t *testing.T) {
		if rr := do(http.MethodDelete, "/api/blocks", nil, "admin-token"); rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("got %d", rr.Code)
		}
	})
}

func TestRateLimitPerIP(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	srv := New(db, "")
	limited := 0
	for i := 0; i < rateBurst+10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rr := httptest.NewRecorder()
		srv.HandleStreams(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("expected some requests to be rate limited")
	}
	req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rr := httptest.NewRecorder()
	srv.HandleStreams(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("other ip: got %d", rr.Code)
	}
}
