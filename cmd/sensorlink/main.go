package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/sensorlink/internal/api"
	"github.com/chaz8081/sensorlink/internal/config"
	"github.com/chaz8081/sensorlink/internal/console"
	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sensorlink/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	device := flag.String("device", "", "device to connect to at startup (overrides device.address)")
	headless := flag.Bool("headless", false, "do not read commands from stdin; run until signalled")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if *device != "" {
		cfg.Device.Address = *device
	}

	logClose, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logClose()

	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Device link
	adapter, closeAdapter := newAdapter(cfg)
	defer closeAdapter()
	transport := rfcomm.NewTransport(adapter, rfcomm.Options{BufferSize: cfg.Transport.BufferSize})

	// Telemetry
	uploader, closeUploader, err := newUploader(cfg)
	if err != nil {
		slog.Warn("[MAIN] uploads disabled", "error", err)
	}
	defer closeUploader()

	// Reading history
	var (
		store  *history.Store
		pruner *history.Pruner
	)
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Fatalf("Failed to open history: %v", err)
		}
		defer store.Close()

		pruner, err = history.NewPruner(store, cfg.History.Retention, cfg.History.PruneSchedule)
		if err != nil {
			log.Fatalf("Failed to schedule history pruning: %v", err)
		}
		pruner.Start()
		defer pruner.Stop()
		slog.Info("[MAIN] history ready", "path", cfg.History.Path, "retention", cfg.History.Retention)
	}

	opts := session.DefaultOptions()
	opts.Command = cfg.Session.Command
	opts.ReadGrace = cfg.Session.ReadGrace
	opts.PollInterval = cfg.Session.PollInterval

	// A nil *Store must not reach the interfaces below as a non-nil value.
	var (
		apiHistory     api.History
		consoleHistory console.History
	)
	if store != nil {
		opts.Recorder = store
		apiHistory = store
		consoleHistory = store
	}

	ctrl := session.New(transport, uploader, opts)

	// Render every state change.
	renderer := console.NewRenderer(os.Stdout)
	states, unsubscribe := ctrl.Subscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for state := range states {
			renderer.State(state)
		}
	}()

	// Local API
	if cfg.API.Listen != "" {
		srv := api.NewServer(ctrl, apiHistory)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.API.Listen); err != nil {
				slog.Error("[MAIN] api server stopped", "error", err)
			}
		}()
	}

	devices := ctrl.LoadPairedDevices(ctx)
	renderer.Devices(devices)

	if cfg.Device.Address != "" {
		dev, err := console.Resolve(cfg.Device.Address, devices)
		if err == nil {
			err = ctrl.Connect(ctx, dev)
		}
		if err != nil {
			renderer.Error(err)
		}
	}
	if cfg.Session.AutoPoll {
		ctrl.StartAutoPoll()
	}

	handler := console.NewHandler(ctrl, consoleHistory, renderer)
	var commands <-chan console.Command
	if !*headless {
		reader := console.NewReader(os.Stdin)
		go reader.Start()
		defer reader.Stop()
		commands = reader.Commands()
		renderer.Info("Ready. Type help for commands, quit or Ctrl+C to exit.")
	} else {
		slog.Info("[MAIN] running headless, Ctrl+C to exit")
	}

	// Main event loop
	running := true
	for running {
		select {
		case cmd, ok := <-commands:
			if !ok {
				slog.Info("[MAIN] input closed")
				running = false
				continue
			}
			running = handler.Handle(ctx, cmd)

		case <-ctx.Done():
			slog.Info("[MAIN] received signal, shutting down")
			running = false
		}
	}

	// Stop auto-poll, release the socket and end the render loop before
	// the deferred history and adapter teardown.
	ctrl.Close()
	unsubscribe()
	<-rendered
	fmt.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	link := cfg.Transport.Backend + " (" + cfg.Transport.Adapter + ")"
	if cfg.Transport.Backend == "serial" {
		link = fmt.Sprintf("serial (%s @ %d baud)", orAll(cfg.Transport.SerialPort), cfg.Transport.BaudRate)
	}
	historyPath := "off"
	if cfg.History.Enabled {
		historyPath = cfg.History.Path
	}

	fmt.Println("=== sensorlink ===")
	fmt.Printf("  Link:      %s\n", link)
	fmt.Printf("  Poll:      %s (grace %s, auto %t)\n", cfg.Session.PollInterval, cfg.Session.ReadGrace, cfg.Session.AutoPoll)
	fmt.Printf("  Telemetry: %s\n", cfg.Telemetry.Transport)
	fmt.Printf("  History:   %s\n", historyPath)
	fmt.Printf("  API:       %s\n", orOff(cfg.API.Listen))
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}

func orAll(port string) string {
	if port == "" {
		return "all ports"
	}
	return port
}

func orOff(addr string) string {
	if addr == "" {
		return "off"
	}
	return addr
}
