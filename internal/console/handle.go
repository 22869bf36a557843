package console

import (
	"context"

	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/session"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// Controller is the part of the session controller the console drives.
type Controller interface {
	Snapshot() session.State
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

// Handler executes commands against a controller. Outcomes that change
// state are shown by whoever renders state updates; Handler prints only
// listings and errors.
type Handler struct {
	ctrl    Controller
	history History // nil when history is disabled
	out     *Renderer
}

// NewHandler creates a Handler. hist may be nil.
func NewHandler(ctrl Controller, hist History, out *Renderer) *Handler {
	return &Handler{ctrl: ctrl, history: hist, out: out}
}

// Handle runs one command. It returns false when the operator asked to quit.
func (h *Handler) Handle(ctx context.Context, cmd Command) bool {
	if cmd.Err != nil {
		h.out.Error(cmd.Err)
		return true
	}

	switch cmd.Type {
	case CmdDevices:
		h.out.Devices(h.ctrl.LoadPairedDevices(ctx))

	case CmdConnect:
		dev, err := Resolve(cmd.Arg, h.ctrl.Snapshot().Devices)
		if err != nil {
			h.out.Error(err)
			return true
		}
		if err := h.ctrl.Connect(ctx, dev); err != nil {
			h.out.Error(err)
		}

	case CmdDisconnect:
		h.ctrl.Disconnect()

	case CmdRead:
		if _, err := h.ctrl.ReadSensors(ctx); err != nil {
			h.out.Error(err)
		}

	case CmdUpload:
		if _, err := h.ctrl.UploadReadings(ctx); err != nil {
			h.out.Error(err)
		}

	case CmdAutoPoll:
		if cmd.Arg == "on" {
			if !h.ctrl.StartAutoPoll() {
				h.out.Info("auto-poll is already running")
			}
		} else {
			h.ctrl.StopAutoPoll()
		}

	case CmdState:
		h.out.State(h.ctrl.Snapshot())

	case CmdHistory:
		h.showHistory(ctx, cmd.Limit)

	case CmdHelp:
		h.out.Help()

	case CmdQuit:
		return false
	}
	return true
}

func (h *Handler) showHistory(ctx context.Context, limit int) {
	if h.history == nil {
		h.out.Info("history is disabled")
		return
	}
	readings, err := h.history.RecentReadings(ctx, limit)
	if err != nil {
		h.out.Error(err)
		return
	}
	uploads, err := h.history.RecentUploads(ctx, limit)
	if err != nil {
		h.out.Error(err)
		return
	}
	h.out.History(readings, uploads)
}
