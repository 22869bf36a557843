// Package errorkinds holds the error taxonomy shared by the transport,
// telemetry and session packages. A kind travels with the error as a
// fault tag, so callers classify failures with Of or Is instead of
// matching on message text.
package errorkinds

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Kinds of failure. None of them is retried and none is fatal.
const (
	HardwareUnavailable ftag.Kind = "HARDWARE_UNAVAILABLE"
	RadioDisabled       ftag.Kind = "RADIO_DISABLED"
	NoPairedDevices     ftag.Kind = "NO_PAIRED_DEVICES"
	PermissionDenied    ftag.Kind = "PERMISSION_DENIED"
	ConnectFailure      ftag.Kind = "CONNECT_FAILURE"
	IOFailure           ftag.Kind = "IO_FAILURE"
	NoData              ftag.Kind = "NO_DATA"
	ParseFailure        ftag.Kind = "PARSE_FAILURE"
	UploadFailure       ftag.Kind = "UPLOAD_FAILURE"
	RateLimited         ftag.Kind = "RATE_LIMITED"
	NotConnected        ftag.Kind = "NOT_CONNECTED"
	Conflict            ftag.Kind = "CONFLICT"
	InvalidArgument     ftag.Kind = "INVALID_ARGUMENT"
)

var (
	ErrNoData           = errors.New("no data received")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("a connection is already open")
	ErrNoAdapter        = errors.New("no bluetooth adapter found")
	ErrAdapterOff       = errors.New("bluetooth adapter is powered off")
	ErrNoDevices        = errors.New("no paired devices")
	ErrNoReadings       = errors.New("no readings to upload")
)

// Wrap tags err with kind, records where it happened and prefixes msg.
// A nil err stays nil.
func Wrap(err error, kind ftag.Kind, at, msg string) error {
	if err == nil {
		return nil
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(kind),
		fmsg.With(msg),
	)
}

// Of returns the kind carried by err, or ftag.None.
func Of(err error) ftag.Kind {
	if err == nil {
		return ftag.None
	}

	// ftag reports untagged errors as Internal, which is never used here.
	if kind := ftag.Get(err); kind != ftag.Internal {
		return kind
	}
	return ftag.None
}

// Is reports whether err carries kind.
func Is(err error, kind ftag.Kind) bool {
	return err != nil && Of(err) == kind
}

// Where returns the "error_at" location recorded by Wrap, if any.
func Where(err error) string {
	return fctx.Unwrap(err)["error_at"]
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr that logs error values
// by their message. Text handlers format errors with %+v, which fault
// expands into a multi-line trace.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	if err, ok := a.Value.Any().(error); ok {
		return slog.String(a.Key, err.Error())
	}
	return a
}
