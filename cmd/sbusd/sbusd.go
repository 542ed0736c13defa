package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/sbuslink/internal/api"
	"github.com/banshee-data/sbuslink/internal/config"
	"github.com/banshee-data/sbuslink/internal/db"
	"github.com/banshee-data/sbuslink/internal/network"
	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/serialmux"
	"github.com/banshee-data/sbuslink/internal/units"
	"github.com/banshee-data/sbuslink/internal/version"
)

var (
	devMode            = flag.Bool("dev", false, "Run in dev mode with a mock serial port")
	disableSerial      = flag.Bool("disable-serial", false, "Run without a serial port; the HTTP API serves recorded data only")
	listen             = flag.String("listen", ":8080", "HTTP listen address")
	port               = flag.String("port", "", "Serial port to use (overrides database serial configs)")
	dbFile             = flag.String("db", "sbuslink.db", "Path to the SQLite database file")
	skipMigrationCheck = flag.Bool("skip-migration-check", false, "Skip the schema version check at startup")
	unitsFlag          = flag.String("units", "", "Default channel units for API responses: raw, us, or pct (overrides tuning config)")
	tuningFile         = flag.String("tuning", "", "Path to a tuning config JSON file")
	udpIngest          = flag.Bool("udp", false, "Also ingest SBUS frames from a UDP byte stream")
	udpPort            = flag.Int("udp-port", 30000, "UDP port to listen for SBUS bytes")
	udpAddress         = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	forwardPackets     = flag.Bool("forward", false, "Forward received UDP packets to another port")
	forwardPort        = flag.Int("forward-port", 30001, "Port to forward UDP packets to")
	forwardAddr        = flag.String("forward-addr", "localhost", "Address to forward UDP packets to")
	rcvBuf             = flag.Int("rcvbuf", 1<<16, "UDP receive buffer size in bytes")
	logInterval        = flag.Int("log-interval", 60, "Link statistics logging interval in seconds")
)

// centredPacket returns a packet with every channel at the nominal midpoint
// and all flags clear. The mock serial port replays it in dev mode.
func centredPacket() sbus.Packet {
	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = units.NominalMid
	}
	return p
}

// loadTuning resolves the tuning config: an explicit -tuning path must load,
// otherwise the default path is tried and the built-in defaults are used when
// it is absent (the usual case for installed binaries).
func loadTuning() *config.TuningConfig {
	if *tuningFile != "" {
		tuning, err := config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("failed to load tuning config %s: %v", *tuningFile, err)
		}
		return tuning
	}

	tuning, err := config.LoadTuningConfig(config.DefaultConfigPath)
	if err != nil {
		log.Printf("using built-in tuning defaults (%s: %v)", config.DefaultConfigPath, err)
		return config.DefaultTuningConfig()
	}
	return tuning
}

// openSerial builds the initial serial mux together with the snapshot and
// factory the port manager needs for hot reloads. In dev mode the factory
// hands out mock ports; otherwise the port comes from the -port flag or the
// first enabled serial config in the database.
func openSerial(database *db.DB) (serialmux.SerialMuxInterface, api.SerialConfigSnapshot, api.SerialMuxFactory) {
	if *devMode {
		factory := func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
			return serialmux.NewMockSerialMux(centredPacket()), nil
		}
		opts, err := serialmux.PortOptions{}.Normalise()
		if err != nil {
			log.Fatalf("invalid serial options: %v", err)
		}
		snapshot := api.SerialConfigSnapshot{
			PortPath: "mock",
			Source:   "dev",
			Options:  opts,
		}
		return serialmux.NewMockSerialMux(centredPacket()), snapshot, factory
	}

	factory := func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
		return serialmux.NewRealSerialMux(path, opts)
	}

	portPath := *port
	opts := serialmux.PortOptions{}
	snapshot := api.SerialConfigSnapshot{Source: "flag"}

	if portPath == "" {
		configs, err := database.GetEnabledSerialConfigs()
		if err != nil {
			log.Fatalf("failed to load serial configurations: %v", err)
		}
		if len(configs) == 0 {
			log.Fatal("no serial port configured: pass -port or enable a serial config in the database")
		}
		cfg := configs[0]
		portPath = cfg.PortPath
		opts = serialmux.PortOptions{
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
		}
		snapshot = api.SerialConfigSnapshot{
			ConfigID: cfg.ID,
			Name:     cfg.Name,
			Source:   "database",
		}
		log.Printf("using serial config %q on %s", cfg.Name, cfg.PortPath)
	}

	normalised, err := opts.Normalise()
	if err != nil {
		log.Fatalf("invalid serial options: %v", err)
	}
	snapshot.PortPath = portPath
	snapshot.Options = normalised

	mux, err := factory(portPath, normalised)
	if err != nil {
		log.Fatalf("failed to open serial port %s: %v", portPath, err)
	}
	return mux, snapshot, factory
}

// recordFrames subscribes to the serial link and persists decoded frames and
// periodic link statistics under a recording session.
func recordFrames(ctx context.Context, database *db.DB, m serialmux.SerialMuxInterface, snapshot api.SerialConfigSnapshot, tuning *config.TuningConfig) {
	session, err := database.BeginSession(snapshot.PortPath, snapshot.Options.BaudRate, "sbusd serial capture")
	if err != nil {
		log.Printf("failed to begin recording session: %v", err)
		return
	}
	log.Printf("recording session %s started on %s", session.ID, snapshot.PortPath)

	id, frames := m.Subscribe()
	defer m.Unsubscribe(id)

	everyNth := tuning.GetRecordEveryNth()
	flush := time.NewTicker(tuning.GetStatsFlushInterval())
	defer flush.Stop()

	var seen int
	for {
		select {
		case p := <-frames:
			seen++
			if seen%everyNth != 0 {
				continue
			}
			if err := serialmux.HandleFrame(database, session.ID, p); err != nil {
				log.Printf("%v", err)
			}
		case <-flush.C:
			if err := database.RecordLinkStats(session.ID, m.LinkStats()); err != nil {
				log.Printf("failed to record link stats: %v", err)
			}
		case <-ctx.Done():
			if err := database.RecordLinkStats(session.ID, m.LinkStats()); err != nil {
				log.Printf("failed to record link stats: %v", err)
			}
			if err := database.EndSession(session.ID); err != nil {
				log.Printf("failed to end recording session: %v", err)
			}
			log.Printf("recording session %s ended", session.ID)
			return
		}
	}
}

// runUDPIngest listens for raw SBUS bytes on UDP and records decoded frames
// under their own session. Remote taps batch frame bytes into datagrams; the
// reassembler inside the listener handles frames that straddle datagram
// boundaries.
func runUDPIngest(ctx context.Context, database *db.DB, tuning *config.TuningConfig) {
	address := fmt.Sprintf("%s:%d", *udpAddress, *udpPort)

	session, err := database.BeginSession("udp:"+address, 0, "sbusd UDP capture")
	if err != nil {
		log.Printf("failed to begin UDP recording session: %v", err)
		return
	}

	stats := network.NewLinkPacketStats()

	var forwarder *network.PacketForwarder
	if *forwardPackets {
		forwarder, err = network.NewPacketForwarder(*forwardAddr, *forwardPort, stats, time.Duration(*logInterval)*time.Second)
		if err != nil {
			log.Printf("failed to create packet forwarder: %v", err)
			return
		}
		defer forwarder.Close()
	}

	// The handler runs on the listener's read goroutine, so the decimation
	// counter needs no locking.
	everyNth := tuning.GetRecordEveryNth()
	var seen int
	handler := network.FrameHandlerFunc(func(p sbus.Packet) {
		seen++
		if seen%everyNth != 0 {
			return
		}
		if err := database.RecordFrame(session.ID, p); err != nil {
			log.Printf("failed to record frame: %v", err)
		}
	})

	listener := network.NewUDPListener(network.UDPListenerConfig{
		Address:     address,
		RcvBuf:      *rcvBuf,
		LogInterval: time.Duration(*logInterval) * time.Second,
		Stats:       stats,
		Forwarder:   forwarder,
		Handler:     handler,
	})
	defer listener.Close()

	flush := time.NewTicker(tuning.GetStatsFlushInterval())
	defer flush.Stop()
	go func() {
		for {
			select {
			case <-flush.C:
				if err := database.RecordLinkStats(session.ID, listener.LinkStats()); err != nil {
					log.Printf("failed to record link stats: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("UDP ingest session %s started on %s", session.ID, address)
	if err := listener.Start(ctx); err != nil {
		log.Printf("UDP listener error: %v", err)
	}

	if err := database.RecordLinkStats(session.ID, listener.LinkStats()); err != nil {
		log.Printf("failed to record link stats: %v", err)
	}
	if err := database.EndSession(session.ID); err != nil {
		log.Printf("failed to end UDP recording session: %v", err)
	}
	log.Printf("UDP ingest session %s ended", session.ID)
}

// Main
func main() {
	flag.Parse()

	// "sbusd migrate <command>" runs schema migrations and exits.
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("sbusd %s", version.String())

	db.DevMode = *devMode

	tuning := loadTuning()

	unitsDefault := tuning.GetDefaultUnits()
	if *unitsFlag != "" {
		unitsDefault = *unitsFlag
	}
	if !units.IsValid(unitsDefault) {
		log.Fatalf("invalid units %q: expected raw, us, or pct", unitsDefault)
	}

	if *devMode && *disableSerial {
		log.Fatal("-dev and -disable-serial are mutually exclusive")
	}

	database, err := db.NewDBWithMigrationCheck(*dbFile, !*skipMigrationCheck)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Wait group for the serial monitor, frame recorder, UDP ingest, and
	// HTTP server routines.
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serialLink serialmux.SerialMuxInterface
	if *disableSerial {
		// No hardware: the API serves recorded sessions and nothing records.
		disabled := serialmux.NewDisabledSerialMux()
		defer disabled.Close()
		serialLink = disabled
		log.Print("serial disabled: serving recorded data only")
	} else {
		initialMux, snapshot, factory := openSerial(database)

		manager := api.NewSerialPortManager(database, initialMux, snapshot, factory)
		defer manager.Close()

		if err := manager.Initialise(); err != nil {
			log.Fatalf("failed to initialise serial link: %v", err)
		}
		log.Printf("initialised serial link on %s", snapshot.PortPath)
		serialLink = manager

		// run the monitor routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manager.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("failed to monitor serial link: %v", err)
			}
			log.Print("monitor routine terminated")
		}()

		// subscribe to decoded frames and record them to the database
		wg.Add(1)
		go func() {
			defer wg.Done()
			recordFrames(ctx, database, manager, snapshot, tuning)
		}()
	}

	if *udpIngest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runUDPIngest(ctx, database, tuning)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		// mount the API handlers on the manager so /api/serial/reload can
		// swap the underlying port without restarting the server
		mux := api.NewServer(serialLink, database, unitsDefault).ServeMux()

		serialLink.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a shorter timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
