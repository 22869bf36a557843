package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Southclaws/fault/ftag"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/session"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

type errorBody struct {
	Error string    `json:"error"`
	Kind  ftag.Kind `json:"kind,omitempty"`
	At    string    `json:"at,omitempty"`
}

type healthBody struct {
	Status      string `json:"status"`
	Connected   bool   `json:"connected"`
	AutoPoll    bool   `json:"auto_poll"`
	Subscribers int64  `json:"subscribers"`
	Uptime      string `json:"uptime"`
}

type connectRequest struct {
	Address string `json:"address"`
}

type autoPollRequest struct {
	Enabled *bool `json:"enabled"`
}

type readResponse struct {
	Readings protocol.Readings `json:"readings"`
	State    session.State     `json:"state"`
}

type uploadResponse struct {
	Result telemetry.Result `json:"result"`
	State  session.State    `json:"state"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, healthBody{
		Status:      "ok",
		Connected:   snap.Status == session.Connected,
		AutoPoll:    snap.AutoPoll,
		Subscribers: s.ctrl.Subscribers(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.LoadPairedDevices(r.Context()))
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		writeMessage(w, http.StatusBadRequest, "address is required")
		return
	}

	if err := s.ctrl.Connect(r.Context(), s.resolve(address)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// resolve picks the listed device with address, so its name and object
// path come along; unknown addresses are passed through bare.
func (s *Server) resolve(address string) rfcomm.Device {
	for _, dev := range s.ctrl.Snapshot().Devices {
		if strings.EqualFold(dev.Address, address) {
			return dev
		}
	}
	return rfcomm.Device{Address: address}
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Disconnect()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	readings, err := s.ctrl.ReadSensors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Readings: readings, State: s.ctrl.Snapshot()})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.UploadReadings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Result: res, State: s.ctrl.Snapshot()})
}

func (s *Server) autoPoll(w http.ResponseWriter, r *http.Request) {
	var req autoPollRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		writeMessage(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if *req.Enabled {
		s.ctrl.StartAutoPoll()
	} else {
		s.ctrl.StopAutoPoll()
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) historyReadings(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyLimit(w, r)
	if !ok {
		return
	}
	rows, err := s.history.RecentReadings(r.Context(), limit)
	if err != nil {
		slog.Error("[API] history query failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) historyUploads(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyLimit(w, r)
	if !ok {
		return
	}
	rows, err := s.history.RecentUploads(r.Context(), limit)
	if err != nil {
		slog.Error("[API] history query failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// historyLimit parses ?limit and writes the error response itself.
func (s *Server) historyLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	if s.history == nil {
		writeMessage(w, http.StatusNotFound, "history is disabled")
		return 0, false
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "limit must be a number")
			return 0, false
		}
		limit = n
	}
	limit, err := history.CheckLimit(limit, maxHistoryLimit)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return limit, true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind ftag.Kind) int {
	switch kind {
	case errorkinds.Conflict:
		return http.StatusConflict
	case errorkinds.NotConnected:
		return http.StatusPreconditionFailed
	case errorkinds.UploadFailure, errorkinds.ConnectFailure, errorkinds.IOFailure:
		return http.StatusBadGateway
	case errorkinds.RateLimited:
		return http.StatusTooManyRequests
	case errorkinds.NoData, errorkinds.ParseFailure:
		return http.StatusUnprocessableEntity
	case errorkinds.InvalidArgument:
		return http.StatusBadRequest
	case errorkinds.PermissionDenied:
		return http.StatusForbidden
	case errorkinds.HardwareUnavailable, errorkinds.RadioDisabled, errorkinds.NoPairedDevices:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := errorkinds.Of(err)
	writeJSON(w, statusFor(kind), errorBody{
		Error: err.Error(),
		Kind:  kind,
		At:    errorkinds.Where(err),
	})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := encodeJSON(w, v); err != nil {
		slog.Error("[API] encode response", "error", err)
	}
}
