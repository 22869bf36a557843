package rfcomm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

// DefaultBaudRate is ignored by RFCOMM TTYs but required by the driver.
const DefaultBaudRate = 9600

// SerialAdapter reaches the device through a serial port the OS already
// bound to it (/dev/rfcomm0 after `rfcomm bind`, COM ports on Windows,
// /dev/tty.* on macOS). Pairing and radio state belong to the OS there, so
// every listed port counts as a paired device.
type SerialAdapter struct {
	port     string
	baudRate int
	// list is swapped out in tests.
	list func() ([]string, error)
	open func(name string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialAdapter creates an adapter. A non-empty port restricts the
// device list to that port, listed or not, as long as it exists.
func NewSerialAdapter(port string, baudRate int) *SerialAdapter {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &SerialAdapter{
		port:     port,
		baudRate: baudRate,
		list:     serial.GetPortsList,
		open:     serial.Open,
	}
}

func (a *SerialAdapter) ports() ([]string, error) {
	ports, err := a.list()
	if err != nil {
		return nil, classifySerialError(err, "paired-devices", "serial: list ports")
	}
	if a.port == "" {
		sort.Strings(ports)
		return ports, nil
	}
	for _, p := range ports {
		if p == a.port {
			return []string{p}, nil
		}
	}
	// Bound RFCOMM ttys are not always enumerated by the driver.
	if _, err := os.Stat(a.port); err == nil {
		return []string{a.port}, nil
	}
	return nil, nil
}

func (a *SerialAdapter) Available(context.Context) bool {
	_, err := a.list()
	return err == nil
}

// Powered reports whether there is at least one usable port.
func (a *SerialAdapter) Powered(context.Context) bool {
	ports, err := a.ports()
	return err == nil && len(ports) > 0
}

func (a *SerialAdapter) PairedDevices(context.Context) ([]Device, error) {
	ports, err := a.ports()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, Device{Address: p, Name: filepath.Base(p)})
	}
	return devices, nil
}

// CancelDiscovery is a no-op; serial ports have no inquiry.
func (a *SerialAdapter) CancelDiscovery(context.Context) error { return nil }

// Connect opens the port named by dev.Address. service is ignored: the
// port is already bound to the serial profile.
func (a *SerialAdapter) Connect(ctx context.Context, dev Device, _ uuid.UUID) (Stream, error) {
	if dev.Address == "" {
		return nil, errorkinds.Wrap(errors.New("empty port name"), errorkinds.InvalidArgument, "connect", "serial: open")
	}

	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := a.open(dev.Address, &serial.Mode{
			BaudRate: a.baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		done <- result{port, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifySerialError(r.err, "connect", "serial: open "+dev.Address)
		}
		return r.port, nil
	case <-ctx.Done():
		// The open may still finish; close it then.
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
				slog.Debug("[RFCOMM] closed late serial open", "port", dev.Address)
			}
		}()
		return nil, errorkinds.Wrap(ctx.Err(), errorkinds.ConnectFailure, "connect", "serial: open "+dev.Address)
	}
}

func classifySerialError(err error, at, msg string) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PermissionDenied:
			return errorkinds.Wrap(err, errorkinds.PermissionDenied, at, msg)
		case serial.PortNotFound, serial.InvalidSerialPort:
			return errorkinds.Wrap(err, errorkinds.HardwareUnavailable, at, msg)
		}
	}
	return errorkinds.Wrap(err, errorkinds.ConnectFailure, at, msg)
}

var _ Adapter = (*SerialAdapter)(nil)
