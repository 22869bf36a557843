// Package rfcomm provides the Bluetooth serial (RFCOMM / Serial Port
// Profile) transport used to talk to the sensor board. It owns at most one
// open connection and adds no framing, retry or reconnection on top of it.
package rfcomm

import (
	"context"
	"io"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// serialPortProfileID is the SIG-assigned 16-bit id of the Serial Port Profile.
const serialPortProfileID = 0x1101

// SerialPortUUID is the well-known SPP service UUID
// (00001101-0000-1000-8000-00805f9b34fb).
var SerialPortUUID = uuid.MustParse(bluetooth.New16BitUUID(serialPortProfileID).String())

// Device is a previously paired remote device. It is only ever enumerated
// and selected, never created here.
type Device struct {
	// Address is the BD_ADDR for BlueZ devices or the port path for serial ones.
	Address string `json:"address"`
	Name    string `json:"name"`
	// Path is the BlueZ object path; empty for serial ports.
	Path string `json:"path,omitempty"`
}

// DisplayName returns Name, falling back to Address.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Stream is an open serial link to a device.
type Stream interface {
	io.ReadWriteCloser
}

// Adapter abstracts the local Bluetooth stack for testing.
type Adapter interface {
	// Available reports whether the local radio hardware exists.
	Available(ctx context.Context) bool
	// Powered reports whether the radio is switched on.
	Powered(ctx context.Context) bool
	// PairedDevices lists devices bonded at the OS level.
	PairedDevices(ctx context.Context) ([]Device, error)
	// CancelDiscovery stops any running inquiry, which slows down connects.
	CancelDiscovery(ctx context.Context) error
	// Connect opens a stream to service on dev.
	Connect(ctx context.Context, dev Device, service uuid.UUID) (Stream, error)
}

// flusher is implemented by streams that buffer writes.
type flusher interface {
	Flush() error
}

// drainer is implemented by serial ports (go.bug.st/serial).
type drainer interface {
	Drain() error
}
