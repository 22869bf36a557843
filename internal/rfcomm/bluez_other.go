//go:build !linux

package rfcomm

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

var errNoBluez = errors.New("bluez is only available on linux")

// BluezAdapter reports no hardware outside Linux; use the serial backend
// with an OS-bound RFCOMM port instead.
type BluezAdapter struct{}

// NewBluezAdapter returns an adapter that is never available.
func NewBluezAdapter(string) *BluezAdapter {
	return &BluezAdapter{}
}

func (a *BluezAdapter) Available(context.Context) bool { return false }

func (a *BluezAdapter) Powered(context.Context) bool { return false }

func (a *BluezAdapter) PairedDevices(context.Context) ([]Device, error) {
	return nil, errorkinds.Wrap(errNoBluez, errorkinds.HardwareUnavailable, "paired-devices", "bluez")
}

func (a *BluezAdapter) CancelDiscovery(context.Context) error { return nil }

func (a *BluezAdapter) Connect(context.Context, Device, uuid.UUID) (Stream, error) {
	return nil, errorkinds.Wrap(errNoBluez, errorkinds.HardwareUnavailable, "connect", "bluez")
}

func (a *BluezAdapter) Close() error { return nil }

var _ Adapter = (*BluezAdapter)(nil)
