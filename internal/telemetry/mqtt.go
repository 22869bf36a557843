package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

// DefaultBroker is ThingSpeak's MQTT endpoint.
const DefaultBroker = "tcp://mqtt3.thingspeak.com:1883"

var errMissingChannel = errors.New("missing channel id")

// MQTTOptions configures the publisher. ThingSpeak MQTT devices carry
// their own client id, username and password.
type MQTTOptions struct {
	Broker    string
	ChannelID string
	ClientID  string
	Username  string
	Password  string
	Timeout   time.Duration
}

// MQTTPublisher sends readings to channels/<id>/publish.
type MQTTPublisher struct {
	topic   string
	timeout time.Duration

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTPublisher creates a publisher; the broker connection is opened
// lazily on the first upload.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.ChannelID == "" {
		return nil, errorkinds.Wrap(errMissingChannel, errorkinds.InvalidArgument, "telemetry", "telemetry: mqtt publisher")
	}
	if opts.Broker == "" {
		opts.Broker = DefaultBroker
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(CleanAPIKey(opts.Password)).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	return newMQTTPublisher(mqtt.NewClient(clientOpts), opts.ChannelID, opts.Timeout), nil
}

func newMQTTPublisher(client mqtt.Client, channelID string, timeout time.Duration) *MQTTPublisher {
	return &MQTTPublisher{
		topic:   fmt.Sprintf("channels/%s/publish", channelID),
		timeout: timeout,
		client:  client,
	}
}

// Upload publishes field1 and field2 once at QoS 0.
func (p *MQTTPublisher) Upload(ctx context.Context, field1, field2 string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.client.IsConnected() {
		if err := p.wait(ctx, p.client.Connect()); err != nil {
			return Result{}, errorkinds.Wrap(err, errorkinds.UploadFailure, "upload", "telemetry: mqtt connect")
		}
		slog.Info("[TELEMETRY] mqtt connected", "topic", p.topic)
	}

	payload := url.Values{}
	payload.Set("field1", field1)
	payload.Set("field2", field2)

	if err := p.wait(ctx, p.client.Publish(p.topic, 0, false, payload.Encode())); err != nil {
		return Result{}, errorkinds.Wrap(err, errorkinds.UploadFailure, "upload", "telemetry: mqtt publish")
	}
	slog.Debug("[TELEMETRY] mqtt published", "topic", p.topic)
	return Result{}, nil
}

func (p *MQTTPublisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", p.timeout)
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}

var _ Uploader = (*MQTTPublisher)(nil)
