package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Southclaws/fault/ftag"
	"github.com/google/uuid"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

// DefaultBufferSize caps how many bytes a single Receive returns.
const DefaultBufferSize = 1024

var errDisconnectedWhileConnecting = errors.New("disconnected while connecting")

// Options configures the transport.
type Options struct {
	BufferSize int       // max bytes returned by one Receive
	Service    uuid.UUID // profile to connect to
}

// DefaultOptions returns the SPP service and a 1 KiB receive buffer.
func DefaultOptions() Options {
	return Options{
		BufferSize: DefaultBufferSize,
		Service:    SerialPortUUID,
	}
}

// Transport owns the single serial connection to the sensor device.
// Every operation fails closed: errors are logged and returned, nothing is
// retried and a failed link is never reopened automatically.
type Transport struct {
	adapter Adapter
	opts    Options

	mu         sync.Mutex
	stream     Stream
	device     Device
	connecting bool
	generation uint64

	connected atomic.Bool
}

// NewTransport creates a transport on top of adapter.
func NewTransport(adapter Adapter, opts Options) *Transport {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Service == uuid.Nil {
		opts.Service = SerialPortUUID
	}
	return &Transport{
		adapter: adapter,
		opts:    opts,
	}
}

// Available reports whether a local adapter exists.
func (t *Transport) Available(ctx context.Context) bool {
	return t.adapter.Available(ctx)
}

// Enabled reports whether the local adapter is powered on.
func (t *Transport) Enabled(ctx context.Context) bool {
	return t.adapter.Powered(ctx)
}

// PairedDevices lists bonded devices. Missing access rights or any other
// enumeration failure yields an empty list; the cause is only logged.
func (t *Transport) PairedDevices(ctx context.Context) []Device {
	devices, err := t.adapter.PairedDevices(ctx)
	if err != nil {
		if errorkinds.Is(err, errorkinds.PermissionDenied) {
			slog.Warn("[RFCOMM] not allowed to list paired devices", "error", err)
		} else {
			slog.Error("[RFCOMM] failed to list paired devices", "error", err)
		}
		return []Device{}
	}
	if devices == nil {
		return []Device{}
	}
	return devices
}

// Connect opens the serial profile on dev after cancelling discovery.
// Only one connection may exist: connecting while one is open, or while
// another Connect is in flight, fails with a Conflict error. On failure
// nothing stays open.
func (t *Transport) Connect(ctx context.Context, dev Device) error {
	t.mu.Lock()
	if t.stream != nil || t.connecting {
		t.mu.Unlock()
		return errorkinds.Wrap(errorkinds.ErrAlreadyConnected, errorkinds.Conflict,
			"connect", fmt.Sprintf("rfcomm: connect to %s", dev.Address))
	}
	t.connecting = true
	gen := t.generation
	t.mu.Unlock()

	stream, err := t.open(ctx, dev)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connecting = false

	if err == nil && gen != t.generation {
		stream.Close()
		err = errorkinds.Wrap(errDisconnectedWhileConnecting, errorkinds.ConnectFailure,
			"connect", fmt.Sprintf("rfcomm: connect to %s", dev.Address))
	}
	if err != nil {
		slog.Error("[RFCOMM] connect failed", "device", dev.DisplayName(), "error", err)
		return err
	}

	t.stream = stream
	t.device = dev
	t.connected.Store(true)
	slog.Info("[RFCOMM] connected", "device", dev.DisplayName(), "address", dev.Address)
	return nil
}

func (t *Transport) open(ctx context.Context, dev Device) (Stream, error) {
	if err := t.adapter.CancelDiscovery(ctx); err != nil {
		slog.Debug("[RFCOMM] cancel discovery", "error", err)
	}

	stream, err := t.adapter.Connect(ctx, dev, t.opts.Service)
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		kind := errorkinds.Of(err)
		if kind == ftag.None {
			kind = errorkinds.ConnectFailure
		}
		return nil, errorkinds.Wrap(err, kind, "connect", fmt.Sprintf("rfcomm: connect to %s", dev.Address))
	}
	return stream, nil
}

// Send writes command as raw bytes and flushes. There is no
// acknowledgement; success only means the bytes left this process.
func (t *Transport) Send(command string) error {
	stream := t.current()
	if stream == nil {
		return errorkinds.Wrap(errorkinds.ErrNotConnected, errorkinds.NotConnected, "send", "rfcomm: send")
	}

	if _, err := io.WriteString(stream, command); err != nil {
		t.fail(stream, err)
		return errorkinds.Wrap(err, errorkinds.IOFailure, "send", "rfcomm: write command")
	}
	if err := flush(stream); err != nil {
		t.fail(stream, err)
		return errorkinds.Wrap(err, errorkinds.IOFailure, "send", "rfcomm: flush command")
	}

	slog.Debug("[RFCOMM] command sent", "command", strings.TrimSpace(command))
	return nil
}

// Receive blocks until some bytes arrive or the stream fails, and returns
// at most one buffer of them as trimmed text. A reply may be cut short or
// hold more than one line; nothing here frames messages. Zero bytes yield
// ErrNoData. A read error closes the connection.
func (t *Transport) Receive() (string, error) {
	stream := t.current()
	if stream == nil {
		return "", errorkinds.Wrap(errorkinds.ErrNotConnected, errorkinds.NotConnected, "receive", "rfcomm: receive")
	}

	buf := make([]byte, t.opts.BufferSize)
	n, err := stream.Read(buf)
	if n > 0 {
		if data := strings.TrimSpace(string(buf[:n])); data != "" {
			slog.Debug("[RFCOMM] data received", "data", data)
			return data, nil
		}
	}
	if err != nil {
		t.fail(stream, err)
		return "", errorkinds.Wrap(err, errorkinds.IOFailure, "receive", "rfcomm: read reply")
	}

	return "", errorkinds.Wrap(errorkinds.ErrNoData, errorkinds.NoData, "receive", "rfcomm: read reply")
}

// Disconnect closes the connection. It is safe to call at any time and
// any number of times.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	stream := t.stream
	dev := t.device
	t.stream = nil
	t.device = Device{}
	t.generation++
	t.connected.Store(false)
	t.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		slog.Warn("[RFCOMM] error while closing stream", "device", dev.DisplayName(), "error", err)
	}
	slog.Info("[RFCOMM] disconnected", "device", dev.DisplayName())
}

// Connected reports whether a connection is open.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Device returns the connected device, if any.
func (t *Transport) Device() (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device, t.stream != nil
}

func (t *Transport) current() Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream
}

// fail tears down stream after an I/O error, unless it was already replaced.
func (t *Transport) fail(stream Stream, cause error) {
	t.mu.Lock()
	if t.stream != stream {
		t.mu.Unlock()
		return
	}
	dev := t.device
	t.stream = nil
	t.device = Device{}
	t.connected.Store(false)
	t.mu.Unlock()

	stream.Close()
	slog.Warn("[RFCOMM] connection lost", "device", dev.DisplayName(), "error", cause)
}

func flush(stream Stream) error {
	switch s := stream.(type) {
	case flusher:
		return s.Flush()
	case drainer:
		return s.Drain()
	}
	return nil
}
