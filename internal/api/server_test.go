package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/session"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// fakeController records calls and returns canned results.
type fakeController struct {
	mu         sync.Mutex
	state      session.State
	devices    []rfcomm.Device
	connected  []rfcomm.Device
	connectErr error
	readErr    error
	uploadErr  error
	autoPoll   []bool
	states     chan session.State
}

func newFakeController() *fakeController {
	return &fakeController{
		state:  session.State{Status: session.Disconnected, Message: session.TextDisconnected, Readings: protocol.Empty()},
		states: make(chan session.State, 4),
	}
}

func (f *fakeController) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Subscribe() (<-chan session.State, func()) {
	return f.states, func() {}
}

func (f *fakeController) Subscribers() int64 { return 0 }

func (f *fakeController) LoadPairedDevices(context.Context) []rfcomm.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Devices = f.devices
	return f.devices
}

func (f *fakeController) Connect(_ context.Context, dev rfcomm.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, dev)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state.Status = session.Connected
	return nil
}

func (f *fakeController) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = session.Disconnected
}

func (f *fakeController) ReadSensors(context.Context) (protocol.Readings, error) {
	if f.readErr != nil {
		return protocol.Readings{}, f.readErr
	}
	return protocol.Readings{Label1: "T", Sensor1: "23.5", Label2: "H", Sensor2: "60.1"}, nil
}

func (f *fakeController) UploadReadings(context.Context) (telemetry.Result, error) {
	if f.uploadErr != nil {
		return telemetry.Result{}, f.uploadErr
	}
	return telemetry.Result{StatusCode: 200, EntryID: 5}, nil
}

func (f *fakeController) StartAutoPoll() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoPoll = append(f.autoPoll, true)
	return true
}

func (f *fakeController) StopAutoPoll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoPoll = append(f.autoPoll, false)
}

type fakeHistory struct {
	limit int
}

func (h *fakeHistory) RecentReadings(_ context.Context, limit int) ([]history.Reading, error) {
	h.limit = limit
	return []history.Reading{{ID: 1, Readings: protocol.Readings{Sensor1: "1", Sensor2: "2"}}}, nil
}

func (h *fakeHistory) RecentUploads(_ context.Context, limit int) ([]history.Upload, error) {
	h.limit = limit
	return []history.Upload{}, nil
}

var _ Controller = (*session.Controller)(nil)
var _ History = (*history.Store)(nil)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := NewServer(newFakeController(), nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestStateEncodesStatusByName(t *testing.T) {
	srv := NewServer(newFakeController(), nil)

	rec := do(t, srv.Router(), http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"disconnected"`)
	assert.Contains(t, rec.Body.String(), `"sensor1":"---"`)
}

func TestDevices(t *testing.T) {
	ctrl := newFakeController()
	ctrl.devices = []rfcomm.Device{{Address: "00:11:22:33:44:55", Name: "HC-05"}}
	srv := NewServer(ctrl, nil)

	rec := do(t, srv.Router(), http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"HC-05"`)
}

func TestConnectResolvesListedDevice(t *testing.T) {
	ctrl := newFakeController()
	ctrl.devices = []rfcomm.Device{{Address: "00:11:22:33:44:55", Name: "HC-05", Path: "/org/bluez/hci0/dev_00_11_22_33_44_55"}}
	ctrl.LoadPairedDevices(context.Background())
	srv := NewServer(ctrl, nil)

	rec := do(t, srv.Router(), http.MethodPost, "/connect", `{"address":"00:11:22:33:44:55"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ctrl.connected, 1)
	assert.Equal(t, "HC-05", ctrl.connected[0].Name)
	assert.NotEmpty(t, ctrl.connected[0].Path)
}

func TestConnectBadRequests(t *testing.T) {
	srv := NewServer(newFakeController(), nil)

	rec := do(t, srv.Router(), http.MethodPost, "/connect", `{"address":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Router(), http.MethodPost, "/connect", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		err      error
		want     int
	}{
		{"conflict", "connect", errorkinds.Wrap(errorkinds.ErrAlreadyConnected, errorkinds.Conflict, "connect", "x"), http.StatusConflict},
		{"connect failure", "connect", errorkinds.Wrap(errors.New("refused"), errorkinds.ConnectFailure, "connect", "x"), http.StatusBadGateway},
		{"not connected", "read", errorkinds.Wrap(errorkinds.ErrNotConnected, errorkinds.NotConnected, "read", "x"), http.StatusPreconditionFailed},
		{"parse failure", "read", errorkinds.Wrap(errors.New("bad"), errorkinds.ParseFailure, "read", "x"), http.StatusUnprocessableEntity},
		{"upload failure", "upload", errorkinds.Wrap(errors.New("500"), errorkinds.UploadFailure, "upload", "x"), http.StatusBadGateway},
		{"rate limited", "upload", errorkinds.Wrap(errors.New("soon"), errorkinds.RateLimited, "upload", "x"), http.StatusTooManyRequests},
		{"untagged", "upload", errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			var path, body string
			switch tt.endpoint {
			case "connect":
				ctrl.connectErr = tt.err
				path, body = "/connect", `{"address":"x"}`
			case "read":
				ctrl.readErr = tt.err
				path = "/read"
			case "upload":
				ctrl.uploadErr = tt.err
				path = "/upload"
			}
			srv := NewServer(ctrl, nil)

			rec := do(t, srv.Router(), http.MethodPost, path, body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestReadAndUpload(t *testing.T) {
	srv := NewServer(newFakeController(), nil)

	rec := do(t, srv.Router(), http.MethodPost, "/read", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sensor1":"23.5"`)

	rec = do(t, srv.Router(), http.MethodPost, "/upload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entry_id":5`)
}

func TestAutoPollToggle(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, nil)

	rec := do(t, srv.Router(), http.MethodPost, "/autopoll", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv.Router(), http.MethodPost, "/autopoll", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, ctrl.autoPoll)

	rec = do(t, srv.Router(), http.MethodPost, "/autopoll", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := NewServer(newFakeController(), nil)

	rec := do(t, srv.Router(), http.MethodGet, "/connect", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryReadings(t *testing.T) {
	hist := &fakeHistory{}
	srv := NewServer(newFakeController(), hist)

	rec := do(t, srv.Router(), http.MethodGet, "/history/readings?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, hist.limit)

	do(t, srv.Router(), http.MethodGet, "/history/readings", "")
	assert.Equal(t, defaultHistoryLimit, hist.limit)

	do(t, srv.Router(), http.MethodGet, "/history/uploads?limit=100000", "")
	assert.Equal(t, maxHistoryLimit, hist.limit)

	rec = do(t, srv.Router(), http.MethodGet, "/history/readings?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, srv.Router(), http.MethodGet, "/history/readings?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryDisabled(t *testing.T) {
	srv := NewServer(newFakeController(), nil)

	rec := do(t, srv.Router(), http.MethodGet, "/history/readings", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStreamsNDJSON(t *testing.T) {
	ctrl := newFakeController()
	srv := httptest.NewServer(NewServer(ctrl, nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	ctrl.states <- session.State{Status: session.Connecting, Message: session.TextConnecting}
	ctrl.states <- session.State{Status: session.Connected, Message: "Connected to HC-05"}

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"status":"connecting"`)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"Connected to HC-05"`)

	close(ctrl.states)
	assert.False(t, scanner.Scan(), "stream should end when the subscription closes")
}
