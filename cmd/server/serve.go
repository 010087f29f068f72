package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"dev.c0redev.blockwire/internal/server"
	"dev.c0redev.blockwire/internal/server/api"
	"dev.c0redev.blockwire/internal/store"
	"dev.c0redev.blockwire/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and serve registered blocks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		db, err := store.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		keys, err := cfg.KeyRing(true)
		if err != nil {
			return err
		}
		if keys != nil {
			defer keys.Destroy()
		}

		metrics := transport.NewMetrics(prometheus.DefaultRegisterer)
		srv := server.New(db, server.Options{
			Keys:         keys,
			RateLimit:    cfg.RateLimit.BytesPerSec,
			RateBurst:    cfg.RateLimit.Burst,
			MaxFrameSize: cfg.MaxFrameSize,
			Logger:       log,
			Metrics:      metrics,
		})

		ln, err := transport.Listen(cfg.Network, cfg.Addr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var httpSrv *http.Server
		if cfg.API.Addr != "" {
			a := api.New(db, cfg.API.TokenHash)
			a.OpenStreams = srv.Streams().Len
			a.MaxFrameSize = cfg.MaxFrameSize
			mux := http.NewServeMux()
			a.Mount(mux)
			httpSrv = &http.Server{Addr: cfg.API.Addr, Handler: logRequest(log, mux), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				log.Info("admin api listening", "addr", cfg.API.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("admin api", "error", err)
					stop()
				}
			}()
		}

		log.Info("server listening", "network", cfg.Network, "addr", ln.Addr().String(), "cipher", keys != nil)
		err = srv.Serve(ctx, ln)

		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Warn("admin api shutdown", "error", err)
			}
		}
		log.Info("server stopped")
		return err
	},
}

func logRequest(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			log.Info("api", "method", r.Method, "path", r.URL.Path, "status", sw.code)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
