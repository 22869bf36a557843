package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/session"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// mockController records what the console asked for.
type mockController struct {
	state      session.State
	devices    []rfcomm.Device
	connected  []rfcomm.Device
	connectErr error
	readErr    error
	reads      int
	uploads    int
	autoPoll   []bool
	polling    bool
}

func (m *mockController) Snapshot() session.State { return m.state }

func (m *mockController) LoadPairedDevices(context.Context) []rfcomm.Device {
	m.state.Devices = m.devices
	return m.devices
}

func (m *mockController) Connect(_ context.Context, dev rfcomm.Device) error {
	m.connected = append(m.connected, dev)
	return m.connectErr
}

func (m *mockController) Disconnect() {
	m.state.Status = session.Disconnected
}

func (m *mockController) ReadSensors(context.Context) (protocol.Readings, error) {
	m.reads++
	return protocol.Readings{}, m.readErr
}

func (m *mockController) UploadReadings(context.Context) (telemetry.Result, error) {
	m.uploads++
	return telemetry.Result{}, nil
}

func (m *mockController) StartAutoPoll() bool {
	m.autoPoll = append(m.autoPoll, true)
	if m.polling {
		return false
	}
	m.polling = true
	return true
}

func (m *mockController) StopAutoPoll() {
	m.autoPoll = append(m.autoPoll, false)
	m.polling = false
}

type mockHistory struct {
	limit int
}

func (h *mockHistory) RecentReadings(_ context.Context, limit int) ([]history.Reading, error) {
	h.limit = limit
	return []history.Reading{{ID: 1, Readings: protocol.Readings{Label1: "T", Sensor1: "23.5", Label2: "H", Sensor2: "60.1"}, At: time.Now()}}, nil
}

func (h *mockHistory) RecentUploads(_ context.Context, limit int) ([]history.Upload, error) {
	return []history.Upload{
		{ID: 2, Field1: "23.5", Field2: "60.1", StatusCode: 200, EntryID: 9, At: time.Now()},
		{ID: 1, Field1: "23.4", Field2: "60.0", Error: "Error: 500", At: time.Now()},
	}, nil
}

func TestMockControllerImplementsInterface(t *testing.T) {
	var _ Controller = (*mockController)(nil)
	var _ Controller = (*session.Controller)(nil)
	var _ History = (*history.Store)(nil)
}

func newTestHandler(ctrl *mockController, hist History) (*Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewHandler(ctrl, hist, NewRenderer(&buf)), &buf
}

func TestHandleConnectByNumber(t *testing.T) {
	ctrl := &mockController{devices: []rfcomm.Device{{Address: "00:11:22:33:44:55", Name: "HC-05"}}}
	h, out := newTestHandler(ctrl, nil)

	h.Handle(context.Background(), Command{Type: CmdDevices})
	if !strings.Contains(out.String(), "HC-05") {
		t.Errorf("devices output = %q, want HC-05 listed", out.String())
	}

	h.Handle(context.Background(), Command{Type: CmdConnect, Arg: "1"})
	if len(ctrl.connected) != 1 || ctrl.connected[0].Name != "HC-05" {
		t.Fatalf("connected = %+v, want HC-05", ctrl.connected)
	}
}

func TestHandleConnectOutOfRange(t *testing.T) {
	ctrl := &mockController{}
	h, out := newTestHandler(ctrl, nil)

	h.Handle(context.Background(), Command{Type: CmdConnect, Arg: "4"})
	if len(ctrl.connected) != 0 {
		t.Error("out-of-range device should not be connected")
	}
	if !strings.Contains(out.String(), "error:") {
		t.Errorf("output = %q, want an error line", out.String())
	}
}

func TestHandlePrintsOperationErrors(t *testing.T) {
	ctrl := &mockController{
		readErr: errorkinds.Wrap(errorkinds.ErrNotConnected, errorkinds.NotConnected, "session.ReadSensors", "read sensors"),
	}
	h, out := newTestHandler(ctrl, nil)

	h.Handle(context.Background(), Command{Type: CmdRead})
	if ctrl.reads != 1 {
		t.Errorf("reads = %d, want 1", ctrl.reads)
	}
	if !strings.Contains(out.String(), "not connected") {
		t.Errorf("output = %q, want the error text", out.String())
	}
	if !strings.Contains(out.String(), "session.ReadSensors") {
		t.Errorf("output = %q, want the error location", out.String())
	}
}

func TestHandleConnectError(t *testing.T) {
	ctrl := &mockController{connectErr: errors.New("refused")}
	h, out := newTestHandler(ctrl, nil)

	h.Handle(context.Background(), Command{Type: CmdConnect, Arg: "00:11:22:33:44:55"})
	if !strings.Contains(out.String(), "refused") {
		t.Errorf("output = %q, want connect error", out.String())
	}
}

func TestHandleAutoPoll(t *testing.T) {
	ctrl := &mockController{}
	h, out := newTestHandler(ctrl, nil)

	h.Handle(context.Background(), Command{Type: CmdAutoPoll, Arg: "on"})
	h.Handle(context.Background(), Command{Type: CmdAutoPoll, Arg: "on"})
	h.Handle(context.Background(), Command{Type: CmdAutoPoll, Arg: "off"})

	want := []bool{true, true, false}
	if len(ctrl.autoPoll) != len(want) {
		t.Fatalf("autoPoll calls = %v, want %v", ctrl.autoPoll, want)
	}
	for i := range want {
		if ctrl.autoPoll[i] != want[i] {
			t.Errorf("autoPoll[%d] = %v, want %v", i, ctrl.autoPoll[i], want[i])
		}
	}
	if !strings.Contains(out.String(), "already running") {
		t.Errorf("output = %q, want already-running notice", out.String())
	}
}

func TestHandleHistory(t *testing.T) {
	hist := &mockHistory{}
	h, out := newTestHandler(&mockController{}, hist)

	h.Handle(context.Background(), Command{Type: CmdHistory, Limit: 3})
	if hist.limit != 3 {
		t.Errorf("limit = %d, want 3", hist.limit)
	}
	text := out.String()
	for _, want := range []string{"T=23.5", "H=60.1", "ok entry 9", "failed Error: 500"} {
		if !strings.Contains(text, want) {
			t.Errorf("history output missing %q:\n%s", want, text)
		}
	}
}

func TestHandleHistoryDisabled(t *testing.T) {
	h, out := newTestHandler(&mockController{}, nil)

	h.Handle(context.Background(), Command{Type: CmdHistory, Limit: 3})
	if !strings.Contains(out.String(), "history is disabled") {
		t.Errorf("output = %q, want disabled notice", out.String())
	}
}

func TestHandleQuit(t *testing.T) {
	h, _ := newTestHandler(&mockController{}, nil)

	if h.Handle(context.Background(), Command{Type: CmdQuit}) {
		t.Error("quit should return false")
	}
	if !h.Handle(context.Background(), Command{Type: CmdHelp}) {
		t.Error("help should return true")
	}
	if !h.Handle(context.Background(), Command{Err: errors.New("bad")}) {
		t.Error("a parse error should not end the loop")
	}
}

func TestRenderState(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)

	r.State(session.State{
		Status:     session.Connected,
		Message:    "Connected to HC-05",
		Readings:   protocol.Readings{Label1: "T", Sensor1: "23.5", Label2: "H", Sensor2: "60.1"},
		Upload:     session.TextSentSuccessfully,
		LastUpload: &telemetry.Result{StatusCode: 200, EntryID: 12},
		AutoPoll:   true,
	})

	text := buf.String()
	for _, want := range []string{"[connected]", "Connected to HC-05", "23.5", "60.1", "Sent successfully (entry 12)", "auto-poll on"} {
		if !strings.Contains(text, want) {
			t.Errorf("state output missing %q:\n%s", want, text)
		}
	}
}

func TestRenderStateDefaultsLabels(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf)

	r.State(session.State{Status: session.Disconnected, Message: session.TextDisconnected, Readings: protocol.Empty()})

	text := buf.String()
	for _, want := range []string{"Sensor 1", "Sensor 2", protocol.NoData} {
		if !strings.Contains(text, want) {
			t.Errorf("state output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Upload") {
		t.Error("no upload line expected before any upload")
	}
}

func TestRenderNoDevices(t *testing.T) {
	var buf bytes.Buffer
	NewRenderer(&buf).Devices(nil)

	if !strings.Contains(buf.String(), session.TextNoPairedDevices) {
		t.Errorf("output = %q, want %q", buf.String(), session.TextNoPairedDevices)
	}
}

func TestRenderConnectFailureIsDisconnected(t *testing.T) {
	var buf bytes.Buffer
	NewRenderer(&buf).State(session.State{Status: session.Disconnected, Message: session.TextConnectError, Readings: protocol.Empty()})

	text := buf.String()
	if !strings.Contains(text, "[disconnected]") || !strings.Contains(text, session.TextConnectError) {
		t.Errorf("state output = %q, want [disconnected] with %q", text, session.TextConnectError)
	}
}
