// Package api serves the optional local HTTP control and observer API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/session"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Controller is the part of the session controller the API drives.
type Controller interface {
	Snapshot() session.State
	Subscribe() (<-chan session.State, func())
	Subscribers() int64
	LoadPairedDevices(ctx context.Context) []rfcomm.Device
	Connect(ctx context.Context, dev rfcomm.Device) error
	Disconnect()
	ReadSensors(ctx context.Context) (protocol.Readings, error)
	UploadReadings(ctx context.Context) (telemetry.Result, error)
	StartAutoPoll() bool
	StopAutoPoll()
}

// History is the read side of the reading log.
type History interface {
	RecentReadings(ctx context.Context, limit int) ([]history.Reading, error)
	RecentUploads(ctx context.Context, limit int) ([]history.Upload, error)
}

// Server exposes a Controller over HTTP.
type Server struct {
	ctrl    Controller
	history History // nil when history is disabled
	started time.Time
}

// NewServer creates a server. hist may be nil.
func NewServer(ctrl Controller, hist History) *Server {
	return &Server{ctrl: ctrl, history: hist, started: time.Now()}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/state", s.state).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.devices).Methods(http.MethodGet)
	r.HandleFunc("/events", s.events).Methods(http.MethodGet)

	r.HandleFunc("/connect", s.connect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", s.disconnect).Methods(http.MethodPost)
	r.HandleFunc("/read", s.read).Methods(http.MethodPost)
	r.HandleFunc("/upload", s.upload).Methods(http.MethodPost)
	r.HandleFunc("/autopoll", s.autoPoll).Methods(http.MethodPost)

	h := r.PathPrefix("/history").Subrouter()
	h.HandleFunc("/readings", s.historyReadings).Methods(http.MethodGet)
	h.HandleFunc("/uploads", s.historyUploads).Methods(http.MethodGet)

	return r
}

// Handler returns the router wrapped with access logging.
func (s *Server) Handler() http.Handler {
	return handlers.LoggingHandler(accessLog{}, s.Router())
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Requests, event streams included, end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] listening", "addr", addr)
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
		return srv.Shutdown(shutdownCtx)
	}
}

// accessLog feeds Apache-style access lines into slog.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	slog.Debug("[API] " + strings.TrimSpace(string(p)))
	return len(p), nil
}
