package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"
)

// StatusFunc returns the current runtime snapshot rendered at /status.
type StatusFunc func() interface{}

func newRouter(status StatusFunc) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("\"/healthcheck\" error")
		}
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var snapshot interface{}
		if status != nil {
			snapshot = status()
		}
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			logger.WithError(err).Error("\"/status\" encode error")
		}
	})

	return r
}

// StartServer serves the status endpoints until SIGINT/SIGTERM, then shuts
// down gracefully.
func StartServer(port string, status StatusFunc) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: newRouter(status),
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
