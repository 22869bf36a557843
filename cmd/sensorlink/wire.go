package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/chaz8081/sensorlink/internal/config"
	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

// setupLogging installs the default slog logger. The returned func closes
// the log file, if any.
func setupLogging(cfg *config.Config) (func(), error) {
	var (
		out      io.Writer = os.Stderr
		closeLog           = func() {}
	)
	if cfg.LogOutput != "" && cfg.LogOutput != "stderr" {
		f, err := os.OpenFile(cfg.LogOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeLog = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{
		Level:       config.ParseLogLevel(cfg.LogLevel),
		ReplaceAttr: errorkinds.ReplaceAttr,
	}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closeLog, nil
}

// newAdapter builds the device link backend named in the config.
func newAdapter(cfg *config.Config) (rfcomm.Adapter, func()) {
	if cfg.Transport.Backend == "serial" {
		return rfcomm.NewSerialAdapter(cfg.Transport.SerialPort, cfg.Transport.BaudRate), func() {}
	}
	a := rfcomm.NewBluezAdapter(cfg.Transport.Adapter)
	return a, func() {
		if err := a.Close(); err != nil {
			slog.Warn("[MAIN] closing bluez adapter", "error", err)
		}
	}
}

// newUploader builds the telemetry client behind the rate limit and
// breaker. On error the returned Uploader is nil and uploads report a
// failure instead of sending.
func newUploader(cfg *config.Config) (telemetry.Uploader, func(), error) {
	tc := cfg.Telemetry
	guard := telemetry.GuardOptions{
		MinInterval: tc.MinInterval,
		MaxFailures: tc.Breaker.MaxFailures,
		OpenTimeout: tc.Breaker.OpenTimeout,
	}

	switch tc.Transport {
	case "mqtt":
		clientID := tc.MQTT.ClientID
		if clientID == "" {
			clientID = "sensorlink-" + uuid.NewString()[:8]
		}
		pub, err := telemetry.NewMQTTPublisher(telemetry.MQTTOptions{
			Broker:    tc.MQTT.Broker,
			ChannelID: tc.MQTT.ChannelID,
			ClientID:  clientID,
			Username:  tc.MQTT.Username,
			Password:  tc.MQTT.Password,
			Timeout:   tc.Timeout,
		})
		if err != nil {
			return nil, func() {}, err
		}
		slog.Info("[MAIN] telemetry over mqtt", "broker", tc.MQTT.Broker, "channel", tc.MQTT.ChannelID)
		return telemetry.NewGuarded(pub, guard), func() { pub.Close() }, nil

	default:
		client, err := telemetry.NewHTTPClient(telemetry.HTTPOptions{
			BaseURL: tc.BaseURL,
			APIKey:  tc.APIKey,
			Timeout: tc.Timeout,
		})
		if err != nil {
			return nil, func() {}, err
		}
		slog.Info("[MAIN] telemetry over http", "client", client.String())
		return telemetry.NewGuarded(client, guard), func() {}, nil
	}
}
