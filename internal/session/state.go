package session

import (
	"fmt"
	"time"

	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// Status is the connection state machine:
// Disconnected -> Connecting -> Connected | Disconnected,
// Connected -> Disconnected. A failed connect is reported only through the
// status message.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

var statusNames = [...]string{"disconnected", "connecting", "connected"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// User-facing status texts.
const (
	TextDisconnected     = "Disconnected"
	TextNotAvailable     = "Bluetooth not available"
	TextDisabled         = "Bluetooth disabled"
	TextNoPairedDevices  = "No paired devices"
	TextConnecting       = "Connecting..."
	TextConnectedPrefix  = "Connected to "
	TextConnectError     = "Error connecting"
	TextNoConnection     = "No connection"
	TextNoDataToSend     = "No data to send"
	TextSending          = "Sending..."
	TextSentSuccessfully = "Sent successfully"
	TextErrorPrefix      = "Error: "
)

// State is an immutable snapshot of what the application shows. Observers
// receive copies; only the controller's state owner produces new ones.
type State struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
	// Device is the connected (or connecting) device.
	Device *rfcomm.Device `json:"device,omitempty"`
	// Readings always holds a whole pair; both start at protocol.NoData.
	Readings protocol.Readings `json:"readings"`
	// Upload is the outcome text of the most recent upload attempt.
	Upload     string            `json:"upload"`
	LastUpload *telemetry.Result `json:"last_upload,omitempty"`
	AutoPoll   bool              `json:"auto_poll"`
	// Devices is the last paired-device listing.
	Devices   []rfcomm.Device `json:"devices"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func initialState() State {
	return State{
		Status:   Disconnected,
		Message:  TextDisconnected,
		Readings: protocol.Empty(),
		Devices:  []rfcomm.Device{},
	}
}

// clone returns a deep copy so a published snapshot never aliases the
// owner's state.
func (s State) clone() State {
	if s.Device != nil {
		dev := *s.Device
		s.Device = &dev
	}
	if s.LastUpload != nil {
		res := *s.LastUpload
		s.LastUpload = &res
	}
	s.Devices = append([]rfcomm.Device{}, s.Devices...)
	return s
}
