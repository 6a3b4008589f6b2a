package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/l2cap"
	"github.com/chaz8081/blecentral/internal/ble/protocol"
	"github.com/chaz8081/blecentral/internal/config"
	"github.com/chaz8081/blecentral/internal/sink"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blecentral/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
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

	printBanner(cfg)

	var level slog.LevelVar
	level.Set(parseLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// Bonding backend
	var bonder ble.Bonder
	if cfg.BlueZ.Enabled {
		bonder, err = ble.NewPlatformBonder(cfg.BlueZ.AdapterPath)
		if err != nil {
			log.Printf("WARNING: bonding backend unavailable, continuing without it: %v", err)
			bonder = nil
		}
	}

	// Radio and session manager
	radio := ble.NewTinyGoRadio(bonder)
	mgr := ble.New(radio, ble.Options{
		BondingGateMaxWait: cfg.Adapter.BondingGateMaxWait,
		BondLostDelay:      cfg.Adapter.BondLostDisconnectDelay,
		EventBuffer:        cfg.Adapter.EventBuffer,
		LogLevel:           &level,
	})
	if err := mgr.Start(); err != nil {
		radio.Close()
		log.Fatalf("Failed to enable Bluetooth adapter: %v\n\nCheck that Bluetooth is powered on and that this process may use it.", err)
	}
	log.Printf("Adapter ready (%s)", mgr.AdapterState())

	ctx, cancel := context.WithCancel(context.Background())

	// Event sinks
	sinks := sink.Fanout{sink.NewLogSink(slog.Default(), cfg.Sink.JSONLog)}
	var eventFile *sink.FileSink
	if cfg.Sink.EventFile != "" {
		eventFile, err = sink.OpenFileSink(cfg.Sink.EventFile)
		if err != nil {
			log.Printf("ERROR: event file disabled: %v", err)
		} else {
			sinks = append(sinks, eventFile)
			log.Printf("Writing events to %s", cfg.Sink.EventFile)
		}
	}
	if cfg.Sink.WebSocketAddr != "" {
		hub := sink.NewHub(sink.DefaultHubOptions())
		sinks = append(sinks, hub)
		go func() {
			if err := hub.Serve(ctx, cfg.Sink.WebSocketAddr); err != nil {
				log.Printf("ERROR: websocket hub stopped: %v", err)
			}
		}()
	}

	// L2CAP channels
	registry := l2cap.NewRegistry(l2cap.NewProvider(), l2cap.Options{
		ReadBuffer:        cfg.L2CAP.ReadBuffer,
		OnDeviceConnected: mgr.NotifyChannelConnected,
		AdapterOn:         func() bool { return mgr.AdapterState() == ble.AdapterOn },
	})
	if cfg.L2CAP.Listen {
		psm, err := registry.Listen(cfg.L2CAP.Secure)
		if err != nil {
			log.Printf("ERROR: L2CAP listen failed: %v", err)
		} else {
			log.Printf("L2CAP server listening on PSM %d (secure: %v)", psm, cfg.L2CAP.Secure)
		}
	}

	// Startup connections
	wanted := make(map[string]bool, len(cfg.Connect.Devices))
	for _, id := range cfg.Connect.Devices {
		wanted[strings.ToUpper(id)] = true
	}
	var reconnector *ble.Reconnector
	if cfg.Connect.AutoConnect {
		reconnector = ble.NewReconnector(mgr, ble.ReconnectOptions{MaxBackoff: cfg.Connect.ReconnectMaxBackoff})
		for _, id := range cfg.Connect.Devices {
			reconnector.Add(strings.ToUpper(id))
		}
	} else {
		for _, id := range cfg.Connect.Devices {
			id := strings.ToUpper(id)
			if err := mgr.Do("connect", func() error { return mgr.Connect(id, false) }); err != nil {
				log.Printf("ERROR: connect %s: %v", id, err)
			}
		}
	}

	// Scan
	var scanTimer *time.Timer
	settings := ble.ScanSettings{
		ServiceUUIDs:      cfg.Scan.ServiceUUIDs,
		Keywords:          cfg.Scan.Keywords,
		ContinuousUpdates: cfg.Scan.ContinuousUpdates,
		ContinuousDivisor: cfg.Scan.ContinuousDivisor,
		Proximity:         cfg.Scan.Proximity,
	}
	if err := mgr.Do("startScan", func() error { return mgr.StartScan(settings) }); err != nil {
		log.Printf("ERROR: start scan: %v", err)
	} else if cfg.Scan.Timeout > 0 {
		scanTimer = time.AfterFunc(cfg.Scan.Timeout, func() {
			if err := mgr.StopScan(); err != nil {
				log.Printf("ERROR: stop scan: %v", err)
				return
			}
			log.Printf("Scan finished after %s", cfg.Scan.Timeout)
		})
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("Ready! Ctrl+C to quit.")

	// Main event loop
	events := mgr.Events()
	for {
		select {
		case ev := <-events:
			if err := sinks.Send(ev); err != nil {
				log.Printf("ERROR: event delivery failed: %v", err)
			}
			if reconnector != nil {
				reconnector.Observe(ev)
			}

			switch e := ev.(type) {
			case ble.AdapterStateChanged:
				if e.State != ble.AdapterOn {
					registry.CloseAll()
				}

			case ble.ConnectionStateChanged:
				if e.State != ble.LinkConnected || !wanted[e.RemoteID] {
					continue
				}
				// Commands may wait on the bonding gate; keep draining events.
				go discover(mgr, e.RemoteID)

			case ble.ServicesDiscovered:
				if !e.Success {
					continue
				}
				log.Printf("Discovered %d services on %s", len(e.Services), e.RemoteID)
				if wanted[e.RemoteID] && cfg.Connect.MTU > protocol.DefaultMTU {
					go requestMtu(mgr, e.RemoteID, cfg.Connect.MTU)
				}
			}

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			if scanTimer != nil {
				scanTimer.Stop()
			}
			if reconnector != nil {
				reconnector.Close()
			}
			registry.CloseAll()
			mgr.Close()
			radio.Close()
			cancel()
			if eventFile != nil {
				eventFile.Close()
			}
			log.Println("Goodbye!")
			return
		}
	}
}

func discover(mgr *ble.Manager, id string) {
	if err := mgr.Do("discoverServices", func() error { return mgr.DiscoverServices(id) }); err != nil {
		log.Printf("ERROR: discover services on %s: %v", id, err)
	}
}

// requestMtu runs after discovery: some radios only learn the MTU from a
// discovered characteristic.
func requestMtu(mgr *ble.Manager, id string, mtu int) {
	if err := mgr.Do("requestMtu", func() error { return mgr.RequestMtu(id, mtu) }); err != nil {
		log.Printf("ERROR: request MTU %d on %s: %v", mtu, id, err)
	}
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

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	devices := "none"
	if len(cfg.Connect.Devices) > 0 {
		devices = strings.Join(cfg.Connect.Devices, ", ")
	}
	scanFor := "until shutdown"
	if cfg.Scan.Timeout > 0 {
		scanFor = cfg.Scan.Timeout.String()
	}
	bluez := "disabled"
	if cfg.BlueZ.Enabled {
		bluez = cfg.BlueZ.AdapterPath
	}
	ws := "disabled"
	if cfg.Sink.WebSocketAddr != "" {
		ws = cfg.Sink.WebSocketAddr
	}

	fmt.Println("=== blecentral ===")
	fmt.Printf("  Devices:   %s (auto-connect: %v, mtu %d)\n", devices, cfg.Connect.AutoConnect, cfg.Connect.MTU)
	fmt.Printf("  Scan:      %s (keywords: %v, continuous: %v)\n", scanFor, cfg.Scan.Keywords, cfg.Scan.ContinuousUpdates)
	fmt.Printf("  L2CAP:     listen %v, secure %v\n", cfg.L2CAP.Listen, cfg.L2CAP.Secure)
	fmt.Printf("  BlueZ:     %s\n", bluez)
	fmt.Printf("  WebSocket: %s\n", ws)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
