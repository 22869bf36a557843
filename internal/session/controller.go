// Package session owns the application-visible state and drives the
// transport and telemetry client in response to user actions and the
// auto-poll timer. State is published to observers as immutable snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultReadGrace    = 500 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
)

var errTelemetryDisabled = errors.New("telemetry is not configured")

// Transport is the serial link the controller drives.
type Transport interface {
	Available(ctx context.Context) bool
	Enabled(ctx context.Context) bool
	PairedDevices(ctx context.Context) []rfcomm.Device
	Connect(ctx context.Context, dev rfcomm.Device) error
	Send(command string) error
	Receive() (string, error)
	Disconnect()
	Connected() bool
}

// Recorder keeps a log of readings and upload outcomes.
type Recorder interface {
	RecordReading(ctx context.Context, r protocol.Readings, at time.Time) error
	RecordUpload(ctx context.Context, field1, field2 string, res telemetry.Result, uploadErr error, at time.Time) error
}

// Options configures the controller.
type Options struct {
	Command string // sent to request one reading pair
	// ReadGrace is the fixed wait between command and read. It is not
	// acknowledgement driven.
	ReadGrace    time.Duration
	PollInterval time.Duration // wait between read and upload in auto-poll
	Recorder     Recorder      // optional
}

// DefaultOptions returns the stock command and timings.
func DefaultOptions() Options {
	return Options{
		Command:      protocol.ReadCommand,
		ReadGrace:    DefaultReadGrace,
		PollInterval: DefaultPollInterval,
	}
}

// Controller is the session controller. All methods are safe for
// concurrent use.
type Controller struct {
	transport Transport
	uploader  telemetry.Uploader
	opts      Options
	store     *store

	// connectMu rejects overlapping connects without touching state.
	connectMu sync.Mutex
	// ioMu keeps command/reply exchanges from interleaving.
	ioMu sync.Mutex

	pollMu sync.Mutex
	poll   *poller

	closeOnce sync.Once
}

// New creates a controller. uploader may be nil, in which case every
// upload attempt fails with a status message.
func New(transport Transport, uploader telemetry.Uploader, opts Options) *Controller {
	if opts.Command == "" {
		opts.Command = protocol.ReadCommand
	}
	if opts.ReadGrace < 0 {
		opts.ReadGrace = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Controller{
		transport: transport,
		uploader:  uploader,
		opts:      opts,
		store:     newStore(),
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	return c.store.snapshot()
}

// Subscribe returns a channel of state snapshots, starting with the current
// one, and a func that ends the subscription. Snapshots are shared between
// subscribers and must be treated as read-only.
func (c *Controller) Subscribe() (<-chan State, func()) {
	return c.store.subscribe()
}

// Subscribers returns the number of active subscriptions.
func (c *Controller) Subscribers() int64 {
	return c.store.subscribers()
}

// LoadPairedDevices checks hardware, then radio, then lists bonded devices.
// Each failed check stops there, sets a status message and yields an empty
// list.
func (c *Controller) LoadPairedDevices(ctx context.Context) []rfcomm.Device {
	if !c.transport.Available(ctx) {
		slog.Warn("[SESSION] no bluetooth hardware")
		c.store.update(func(s *State) {
			s.Message = TextNotAvailable
			s.Devices = []rfcomm.Device{}
		})
		return []rfcomm.Device{}
	}
	if !c.transport.Enabled(ctx) {
		slog.Warn("[SESSION] bluetooth is switched off")
		c.store.update(func(s *State) {
			s.Message = TextDisabled
			s.Devices = []rfcomm.Device{}
		})
		return []rfcomm.Device{}
	}

	devices := c.transport.PairedDevices(ctx)
	listed := append([]rfcomm.Device{}, devices...)
	c.store.update(func(s *State) {
		s.Devices = listed
		if len(listed) == 0 {
			s.Message = TextNoPairedDevices
		}
	})
	slog.Info("[SESSION] paired devices loaded", "count", len(devices))
	return devices
}

// Connect opens a connection to dev. Connecting while a connection is open
// or another connect is running fails with a Conflict error and leaves the
// state alone. There is no timeout unless ctx carries one.
func (c *Controller) Connect(ctx context.Context, dev rfcomm.Device) error {
	if !c.connectMu.TryLock() {
		return errorkinds.Wrap(errorkinds.ErrAlreadyConnected, errorkinds.Conflict, "session-connect", "session: connect in progress")
	}
	defer c.connectMu.Unlock()

	if c.transport.Connected() {
		return errorkinds.Wrap(errorkinds.ErrAlreadyConnected, errorkinds.Conflict, "session-connect", "session: connect")
	}

	target := dev
	c.store.update(func(s *State) {
		s.Status = Connecting
		s.Message = TextConnecting
		s.Device = &target
	})

	if err := c.transport.Connect(ctx, dev); err != nil {
		slog.Error("[SESSION] connect failed", "device", dev.DisplayName(), "error", err)
		c.store.update(func(s *State) {
			s.Status = Disconnected
			s.Message = TextConnectError
			s.Device = nil
		})
		return err
	}

	c.store.update(func(s *State) {
		s.Status = Connected
		s.Message = TextConnectedPrefix + dev.DisplayName()
		s.Device = &target
	})
	slog.Info("[SESSION] connected", "device", dev.DisplayName())
	return nil
}

// Disconnect stops auto-poll, closes the connection and resets both
// readings. Calling it again is harmless.
func (c *Controller) Disconnect() {
	c.stopPoll()
	c.transport.Disconnect()
	c.store.update(func(s *State) {
		s.Status = Disconnected
		s.Message = TextDisconnected
		s.Device = nil
		s.Readings = protocol.Empty()
		s.AutoPoll = false
	})
}

// ReadSensors sends the read command, waits the grace period, performs a
// single receive and parses it. Without a connection it only sets the "No
// connection" status. A reply that does not parse leaves the readings as
// they were. Once the command is sent, cancelling ctx no longer cuts the
// exchange short.
func (c *Controller) ReadSensors(ctx context.Context) (protocol.Readings, error) {
	if !c.transport.Connected() {
		c.store.update(func(s *State) { s.Message = TextNoConnection })
		return protocol.Readings{}, errorkinds.Wrap(errorkinds.ErrNotConnected, errorkinds.NotConnected, "read", "session: read sensors")
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := ctx.Err(); err != nil {
		return protocol.Readings{}, err
	}
	if err := c.transport.Send(c.opts.Command); err != nil {
		c.linkLost(err)
		return protocol.Readings{}, err
	}

	// Once the command is out the reply must be consumed, or the next read
	// would pick it up, so the grace wait ignores ctx.
	time.Sleep(c.opts.ReadGrace)

	reply, err := c.transport.Receive()
	if err != nil {
		if errorkinds.Is(err, errorkinds.NoData) {
			slog.Warn("[SESSION] no data received")
		} else {
			c.linkLost(err)
		}
		return protocol.Readings{}, err
	}

	readings, err := protocol.ParseReadings(reply)
	if err != nil {
		slog.Warn("[SESSION] could not parse reply", "reply", reply, "error", err)
		return protocol.Readings{}, errorkinds.Wrap(err, errorkinds.ParseFailure, "read", "session: parse readings")
	}

	applied := false
	c.store.update(func(s *State) {
		// A disconnect during the exchange has already reset the readings.
		if s.Status != Connected {
			return
		}
		s.Readings = readings
		applied = true
	})
	if !applied {
		return protocol.Readings{}, errorkinds.Wrap(errorkinds.ErrNotConnected, errorkinds.NotConnected, "read", "session: read sensors")
	}
	slog.Debug("[SESSION] readings updated", "sensor1", readings.Sensor1, "sensor2", readings.Sensor2)

	if rec := c.opts.Recorder; rec != nil {
		if err := rec.RecordReading(ctx, readings, time.Now()); err != nil {
			slog.Warn("[SESSION] failed to record reading", "error", err)
		}
	}
	return readings, nil
}

// UploadReadings sends the current pair to the telemetry service once.
// While either value is still the sentinel nothing is sent.
func (c *Controller) UploadReadings(ctx context.Context) (telemetry.Result, error) {
	readings := c.store.snapshot().Readings
	if !readings.Complete() {
		c.store.update(func(s *State) { s.Upload = TextNoDataToSend })
		return telemetry.Result{}, errorkinds.Wrap(errorkinds.ErrNoReadings, errorkinds.NoData, "upload", "session: upload readings")
	}

	c.store.update(func(s *State) { s.Upload = TextSending })

	var (
		res telemetry.Result
		err error
	)
	if c.uploader == nil {
		err = errorkinds.Wrap(errTelemetryDisabled, errorkinds.UploadFailure, "upload", "session: upload readings")
	} else {
		res, err = c.uploader.Upload(ctx, readings.Sensor1, readings.Sensor2)
	}

	if rec := c.opts.Recorder; rec != nil {
		if recErr := rec.RecordUpload(ctx, readings.Sensor1, readings.Sensor2, res, err, time.Now()); recErr != nil {
			slog.Warn("[SESSION] failed to record upload", "error", recErr)
		}
	}

	if err != nil {
		slog.Error("[SESSION] upload failed", "error", err)
		c.store.update(func(s *State) { s.Upload = TextErrorPrefix + uploadReason(err) })
		return res, err
	}

	result := res
	c.store.update(func(s *State) {
		s.Upload = TextSentSuccessfully
		s.LastUpload = &result
	})
	slog.Info("[SESSION] readings uploaded", "entry_id", res.EntryID)
	return res, nil
}

// linkLost moves the state to Disconnected after a transport I/O failure,
// unless a new connection has been opened in the meantime.
func (c *Controller) linkLost(cause error) {
	if c.transport.Connected() {
		return
	}
	slog.Warn("[SESSION] connection lost", "error", cause)
	c.store.update(func(s *State) {
		if s.Status != Connected {
			return
		}
		s.Status = Disconnected
		s.Message = TextDisconnected
		s.Device = nil
		s.Readings = protocol.Empty()
	})
}

// Close stops auto-poll and waits for it, disconnects and stops publishing.
// Subscriber channels are closed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		p := c.stopPoll()
		c.transport.Disconnect()
		if p != nil {
			<-p.done
		}
		c.store.update(func(s *State) {
			s.Status = Disconnected
			s.Message = TextDisconnected
			s.Device = nil
			s.Readings = protocol.Empty()
			s.AutoPoll = false
		})
		c.store.close()
		slog.Info("[SESSION] closed")
	})
}

// uploadReason renders an upload error for the status line: the HTTP code
// when there is one, otherwise the cause.
func uploadReason(err error) string {
	var statusErr *telemetry.StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.Code)
	}
	if errorkinds.Is(err, errorkinds.RateLimited) {
		return "rate limited"
	}
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	return cause.Error()
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: wait %s: %w", d, ctx.Err())
	}
}
