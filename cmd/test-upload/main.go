// Command test-upload is a manual test for telemetry.
// It sends one pair of values to ThingSpeak and prints the result.
//
// Usage:
//
//	go run ./cmd/test-upload --key WRITEKEY [--field1 23.5 --field2 60.1]
//	go run ./cmd/test-upload --mqtt-channel 12345 --mqtt-user U --mqtt-pass P
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/telemetry"
)

func main() {
	key := flag.String("key", os.Getenv("THINGSPEAK_API_KEY"), "channel write key (default: $THINGSPEAK_API_KEY)")
	baseURL := flag.String("url", telemetry.DefaultBaseURL, "ThingSpeak base URL")
	field1 := flag.String("field1", "23.5", "value for field1")
	field2 := flag.String("field2", "60.1", "value for field2")
	channel := flag.String("mqtt-channel", "", "publish over MQTT to this channel instead of HTTP")
	broker := flag.String("mqtt-broker", telemetry.DefaultBroker, "MQTT broker")
	clientID := flag.String("mqtt-client", "", "MQTT client id")
	user := flag.String("mqtt-user", "", "MQTT username")
	pass := flag.String("mqtt-pass", "", "MQTT password")
	timeout := flag.Duration("timeout", telemetry.DefaultTimeout, "request timeout")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: errorkinds.ReplaceAttr})))

	var uploader telemetry.Uploader
	if *channel != "" {
		pub, err := telemetry.NewMQTTPublisher(telemetry.MQTTOptions{
			Broker:    *broker,
			ChannelID: *channel,
			ClientID:  *clientID,
			Username:  *user,
			Password:  *pass,
			Timeout:   *timeout,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer pub.Close()
		uploader = pub
	} else {
		client, err := telemetry.NewHTTPClient(telemetry.HTTPOptions{BaseURL: *baseURL, APIKey: *key, Timeout: *timeout})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		uploader = client
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	fmt.Printf("Uploading field1=%s field2=%s...\n", *field1, *field2)
	start := time.Now()
	res, err := uploader.Upload(ctx, *field1, *field2)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Status %d, entry %d (%s)\n", res.StatusCode, res.EntryID, time.Since(start).Round(time.Millisecond))
	fmt.Println("\nDone!")
}
