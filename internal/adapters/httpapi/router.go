// Package httpapi expone el servidor de operación del keeper.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/keeper"
	"github.com/go-chi/chi/v5"
)

// Config son las dependencias del router.
type Config struct {
	State           *keeper.State
	Metrics         http.Handler
	LivenessTimeout time.Duration
	Now             func() time.Time
}

type statusResponse struct {
	Alive        bool                `json:"alive"`
	LastBlock    uint64              `json:"last_block"`
	LastSeen     *time.Time          `json:"last_seen,omitempty"`
	Accounts     int                 `json:"accounts"`
	SnapshotAt   uint64              `json:"snapshot_block"`
	Liquidatable int                 `json:"liquidatable"`
	Tasks        []keeper.TaskReport `json:"tasks"`
}

// NewRouter arma las rutas /healthz, /status y /metrics.
func NewRouter(cfg Config) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !cfg.State.Alive(cfg.Now(), cfg.LivenessTimeout) {
			http.Error(w, "stalled", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		snap := cfg.State.Accounts()
		resp := statusResponse{
			Alive:        cfg.State.Alive(cfg.Now(), cfg.LivenessTimeout),
			LastBlock:    cfg.State.LastBlock(),
			Accounts:     snap.Len(),
			SnapshotAt:   snap.Block,
			Liquidatable: cfg.State.Liquidatable(),
			Tasks:        cfg.State.Tasks(),
		}
		if seen := cfg.State.LastSeen(); !seen.IsZero() {
			seen = seen.UTC()
			resp.LastSeen = &seen
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Warn("httpapi: encode status", "err", err)
		}
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}

// Serve corre el servidor hasta que ctx se cancela y luego lo apaga.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
