//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

const (
	bluezBusName      = "org.bluez"
	bluezRootPath     = dbus.ObjectPath("/org/bluez")
	adapterInterface  = "org.bluez.Adapter1"
	deviceInterface   = "org.bluez.Device1"
	profileManagerAPI = "org.bluez.ProfileManager1"
	getManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	dbusAccessDenied   = "org.freedesktop.DBus.Error.AccessDenied"
	bluezNotAuthorized = "org.bluez.Error.NotAuthorized"
	bluezAlreadyExists = "org.bluez.Error.AlreadyExists"
	bluezNotReady      = "org.bluez.Error.NotReady"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BluezAdapter talks to the BlueZ daemon over the system D-Bus. Serial
// connections go through a client-role Profile1 registration: BlueZ hands
// the RFCOMM socket over as a file descriptor once ConnectProfile succeeds.
type BluezAdapter struct {
	// name selects the controller ("hci0"); empty picks the first one.
	name string

	mu      sync.Mutex
	conn    *dbus.Conn
	profile *sppProfile
}

// NewBluezAdapter creates an adapter for the named controller.
func NewBluezAdapter(name string) *BluezAdapter {
	return &BluezAdapter{name: name}
}

func (a *BluezAdapter) bus() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil && a.conn.Connected() {
		return a.conn, nil
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("rfcomm: connect to system bus: %w", err)
	}
	a.conn = conn
	a.profile = nil
	return conn, nil
}

func (a *BluezAdapter) objects(ctx context.Context) (managedObjects, error) {
	conn, err := a.bus()
	if err != nil {
		return nil, err
	}

	objects := make(managedObjects)
	if err := conn.Object(bluezBusName, "/").CallWithContext(ctx, getManagedObjects, 0).Store(&objects); err != nil {
		return nil, classifyDBusError(err, "bluez: list objects")
	}
	return objects, nil
}

// controller finds the adapter object to use.
func (a *BluezAdapter) controller(objects managedObjects) (dbus.ObjectPath, map[string]dbus.Variant, bool) {
	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterInterface]; ok {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	for _, path := range paths {
		if a.name == "" || strings.HasSuffix(string(path), "/"+a.name) {
			return path, objects[path][adapterInterface], true
		}
	}
	return "", nil, false
}

func (a *BluezAdapter) Available(ctx context.Context) bool {
	objects, err := a.objects(ctx)
	if err != nil {
		slog.Debug("[RFCOMM] bluez unavailable", "error", err)
		return false
	}
	_, _, ok := a.controller(objects)
	return ok
}

func (a *BluezAdapter) Powered(ctx context.Context) bool {
	objects, err := a.objects(ctx)
	if err != nil {
		return false
	}
	_, props, ok := a.controller(objects)
	if !ok {
		return false
	}
	return boolProp(props, "Powered")
}

func (a *BluezAdapter) PairedDevices(ctx context.Context) ([]Device, error) {
	objects, err := a.objects(ctx)
	if err != nil {
		return nil, err
	}
	adapterPath, _, ok := a.controller(objects)
	if !ok {
		return nil, errorkinds.Wrap(errorkinds.ErrNoAdapter, errorkinds.HardwareUnavailable, "paired-devices", "bluez: find adapter")
	}

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok || !boolProp(props, "Paired") {
			continue
		}
		if owner, _ := props["Adapter"].Value().(dbus.ObjectPath); owner != adapterPath {
			continue
		}

		name := stringProp(props, "Alias")
		if name == "" {
			name = stringProp(props, "Name")
		}
		devices = append(devices, Device{
			Address: stringProp(props, "Address"),
			Name:    name,
			Path:    string(path),
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

func (a *BluezAdapter) CancelDiscovery(ctx context.Context) error {
	objects, err := a.objects(ctx)
	if err != nil {
		return err
	}
	path, props, ok := a.controller(objects)
	if !ok || !boolProp(props, "Discovering") {
		return nil
	}

	conn, err := a.bus()
	if err != nil {
		return err
	}
	if err := conn.Object(bluezBusName, path).CallWithContext(ctx, adapterInterface+".StopDiscovery", 0).Err; err != nil {
		return classifyDBusError(err, "bluez: stop discovery")
	}
	return nil
}

func (a *BluezAdapter) Connect(ctx context.Context, dev Device, service uuid.UUID) (Stream, error) {
	conn, err := a.bus()
	if err != nil {
		return nil, errorkinds.Wrap(err, errorkinds.HardwareUnavailable, "connect", "bluez: system bus")
	}

	profile, err := a.registerProfile(ctx, conn, service)
	if err != nil {
		return nil, err
	}

	path, err := a.devicePath(ctx, dev)
	if err != nil {
		return nil, err
	}

	handoff := profile.expect(path)
	defer profile.forget(path)

	call := conn.Object(bluezBusName, path).CallWithContext(ctx, deviceInterface+".ConnectProfile", 0, service.String())
	if call.Err != nil {
		return nil, classifyDBusError(call.Err, "bluez: connect profile")
	}

	// ConnectProfile returns once BlueZ has called NewConnection, so the
	// socket is normally waiting already.
	select {
	case stream := <-handoff:
		return stream, nil
	case <-ctx.Done():
		return nil, errorkinds.Wrap(ctx.Err(), errorkinds.ConnectFailure, "connect", "bluez: wait for socket")
	}
}

// devicePath resolves the object path of dev on the selected controller.
func (a *BluezAdapter) devicePath(ctx context.Context, dev Device) (dbus.ObjectPath, error) {
	if dev.Path != "" {
		return dbus.ObjectPath(dev.Path), nil
	}
	if dev.Address == "" {
		return "", errorkinds.Wrap(errors.New("device has neither path nor address"),
			errorkinds.InvalidArgument, "connect", "bluez: resolve device")
	}

	objects, err := a.objects(ctx)
	if err != nil {
		return "", err
	}
	adapterPath, _, ok := a.controller(objects)
	if !ok {
		return "", errorkinds.Wrap(errorkinds.ErrNoAdapter, errorkinds.HardwareUnavailable, "connect", "bluez: find adapter")
	}
	return adapterPath + dbus.ObjectPath("/dev_"+strings.ReplaceAll(strings.ToUpper(dev.Address), ":", "_")), nil
}

func (a *BluezAdapter) registerProfile(ctx context.Context, conn *dbus.Conn, service uuid.UUID) (*sppProfile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.profile != nil {
		return a.profile, nil
	}

	profile := newSPPProfile()
	if err := conn.Export(profile, sppProfilePath, profileInterface); err != nil {
		return nil, errorkinds.Wrap(err, errorkinds.ConnectFailure, "register-profile", "bluez: export profile")
	}

	options := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant("Serial Port"),
		"Role":                  dbus.MakeVariant("client"),
		"AutoConnect":           dbus.MakeVariant(false),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	err := conn.Object(bluezBusName, bluezRootPath).
		CallWithContext(ctx, profileManagerAPI+".RegisterProfile", 0, sppProfilePath, service.String(), options).Err
	if err != nil && dbusErrorName(err) != bluezAlreadyExists {
		conn.Export(nil, sppProfilePath, profileInterface)
		return nil, classifyDBusError(err, "bluez: register profile")
	}

	a.profile = profile
	slog.Debug("[RFCOMM] profile registered", "uuid", service.String(), "path", sppProfilePath)
	return profile, nil
}

// Close unregisters the profile and drops the bus connection.
func (a *BluezAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	if a.profile != nil {
		a.conn.Object(bluezBusName, bluezRootPath).Call(profileManagerAPI+".UnregisterProfile", 0, sppProfilePath)
		a.conn.Export(nil, sppProfilePath, profileInterface)
		a.profile = nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func dbusErrorName(err error) string {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name
	}
	return ""
}

// classifyDBusError maps BlueZ error names onto error kinds.
func classifyDBusError(err error, msg string) error {
	switch dbusErrorName(err) {
	case dbusAccessDenied, bluezNotAuthorized:
		return errorkinds.Wrap(err, errorkinds.PermissionDenied, "dbus", msg)
	case bluezNotReady:
		return errorkinds.Wrap(err, errorkinds.RadioDisabled, "dbus", msg)
	}
	return errorkinds.Wrap(err, errorkinds.ConnectFailure, "dbus", msg)
}

var _ Adapter = (*BluezAdapter)(nil)
