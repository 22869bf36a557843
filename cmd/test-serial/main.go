// Command test-serial is a manual test for the device link.
// It connects to one device, sends a single READ and prints the reply.
//
// Usage:
//
//	go run ./cmd/test-serial --address 00:11:22:33:44:55
//	go run ./cmd/test-serial --backend serial --address /dev/ttyUSB0 [--baud 9600]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/rfcomm/protocol"
)

func main() {
	backend := flag.String("backend", "bluez", "link backend: bluez or serial")
	adapterName := flag.String("adapter", "hci0", "bluez adapter id")
	address := flag.String("address", "", "device address or serial port (default: first listed device)")
	baud := flag.Int("baud", rfcomm.DefaultBaudRate, "serial baud rate")
	grace := flag.Duration("grace", 500*time.Millisecond, "wait between READ and reading the reply")
	timeout := flag.Duration("timeout", 30*time.Second, "connect timeout")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: errorkinds.ReplaceAttr})))

	var adapter rfcomm.Adapter
	switch *backend {
	case "serial":
		adapter = rfcomm.NewSerialAdapter("", *baud)
	default:
		a := rfcomm.NewBluezAdapter(*adapterName)
		defer a.Close()
		adapter = a
	}
	transport := rfcomm.NewTransport(adapter, rfcomm.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if !transport.Available(ctx) {
		fmt.Println("Error: no adapter available")
		os.Exit(1)
	}
	if !transport.Enabled(ctx) {
		fmt.Println("Error: adapter is powered off")
		os.Exit(1)
	}

	devices := transport.PairedDevices(ctx)
	fmt.Printf("Found %d device(s):\n", len(devices))
	for _, dev := range devices {
		fmt.Printf("  %-20s %s\n", dev.DisplayName(), dev.Address)
	}

	var target rfcomm.Device
	switch {
	case *address != "":
		target = rfcomm.Device{Address: *address}
		for _, dev := range devices {
			if dev.Address == *address {
				target = dev
			}
		}
	case len(devices) > 0:
		target = devices[0]
	default:
		fmt.Println("Error: nothing to connect to")
		os.Exit(1)
	}

	fmt.Printf("Connecting to %s...\n", target.DisplayName())
	if err := transport.Connect(ctx, target); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer transport.Disconnect()

	if err := transport.Send(protocol.ReadCommand); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	time.Sleep(*grace)

	reply, err := transport.Receive()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Reply: %q\n", reply)

	readings, err := protocol.ParseReadings(reply)
	if err != nil {
		fmt.Printf("Parse error: %v\n", err)
		return
	}
	fmt.Printf("  %s = %s\n  %s = %s\n", readings.Label1, readings.Sensor1, readings.Label2, readings.Sensor2)
	fmt.Println("\nDone!")
}
