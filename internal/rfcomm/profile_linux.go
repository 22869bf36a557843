//go:build linux

package rfcomm

import (
	"log/slog"
	"os"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	profileInterface = "org.bluez.Profile1"
	sppProfilePath   = dbus.ObjectPath("/org/sensorlink/profile/spp")
	bluezRejected    = "org.bluez.Error.Rejected"
)

// sppProfile is the org.bluez.Profile1 object BlueZ calls back into. Each
// outgoing ConnectProfile registers a one-slot hand-off for its device path;
// NewConnection delivers the socket there, or closes it if nobody waits.
type sppProfile struct {
	pending *xsync.MapOf[dbus.ObjectPath, chan Stream]
}

func newSPPProfile() *sppProfile {
	return &sppProfile{pending: xsync.NewMapOf[dbus.ObjectPath, chan Stream]()}
}

func (p *sppProfile) expect(device dbus.ObjectPath) <-chan Stream {
	ch := make(chan Stream, 1)
	p.pending.Store(device, ch)
	return ch
}

// forget drops the hand-off for device and closes a socket nobody took.
func (p *sppProfile) forget(device dbus.ObjectPath) {
	ch, ok := p.pending.LoadAndDelete(device)
	if !ok {
		return
	}
	select {
	case stream := <-ch:
		stream.Close()
	default:
	}
}

// Release is called by BlueZ when the profile is unregistered.
func (p *sppProfile) Release() *dbus.Error {
	slog.Debug("[RFCOMM] profile released")
	return nil
}

// NewConnection receives the connected RFCOMM socket for device.
func (p *sppProfile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	// Non-blocking mode lets os.File use the runtime poller, so Close
	// unblocks a pending Read.
	if err := syscall.SetNonblock(int(fd), true); err != nil {
		syscall.Close(int(fd))
		return dbus.NewError(bluezRejected, []interface{}{err.Error()})
	}
	file := os.NewFile(uintptr(fd), "rfcomm:"+string(device))

	ch, ok := p.pending.Load(device)
	if !ok {
		slog.Warn("[RFCOMM] unexpected connection, closing", "device", device)
		file.Close()
		return dbus.NewError(bluezRejected, nil)
	}

	select {
	case ch <- file:
	default:
		file.Close()
		return dbus.NewError(bluezRejected, nil)
	}
	return nil
}

// RequestDisconnection is called when BlueZ tears the link down. The
// transport notices through a failing read, so nothing is closed here.
func (p *sppProfile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	slog.Info("[RFCOMM] disconnection requested", "device", device)
	return nil
}
