package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/calan/calansync/internal/api"
	"github.com/calan/calansync/internal/config"
	"github.com/calan/calansync/internal/discovery"
	"github.com/calan/calansync/internal/peers"
	"github.com/calan/calansync/internal/replication"
	"github.com/calan/calansync/internal/storage"
	"github.com/calan/calansync/internal/transport"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// slogWriter adapts slog to io.Writer interface for standard log package
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(string(p))
	return len(p), nil
}

func main() {
	// Command line flags
	configFlag := flag.String("config", "", "Path to configuration file (YAML)")
	portFlag := flag.String("port", "", "HTTP server port (overrides config)")
	dbPathFlag := flag.String("db", "", "Database file path (overrides config)")
	nameFlag := flag.String("name", "", "Display name (overrides config)")
	serfAddrFlag := flag.String("serf-addr", "", "Serf bind address (overrides config)")
	flag.Parse()

	var cfg *config.Config
	var err error

	// Load config file if provided
	if *configFlag != "" {
		log.Printf("Loading configuration from %s", *configFlag)
		cfg, err = config.LoadConfig(*configFlag)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}

	// Override with command line flags
	if *portFlag != "" {
		port, err := strconv.Atoi(*portFlag)
		if err != nil {
			log.Fatalf("Invalid port: %v", err)
		}
		cfg.Node.HTTP.Port = port
	}
	if *dbPathFlag != "" {
		cfg.Node.Database.Path = *dbPathFlag
	}
	if *nameFlag != "" {
		cfg.Node.Name = *nameFlag
	}
	if *serfAddrFlag != "" {
		cfg.Node.Serf.BindAddr = *serfAddrFlag
	}

	// Setup logger with configured level
	logLevel := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	// Instance key is unique per process run, never reused across restarts.
	instanceKey := fmt.Sprintf("%s-%s", cfg.Node.Name, uuid.NewString()[:8])

	slog.Info("Starting calansyncd", "log_level", cfg.LogLevel, "name", cfg.Node.Name, "instance", instanceKey)

	// Initialize task store
	log.Printf("Initializing database at %s", cfg.Node.Database.Path)
	store, err := storage.New(cfg.Node.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	directory := peers.NewDirectory()

	// Bind the sync transport. A bind failure is fatal to the sync
	// subsystem, and with nothing else to do in a daemon, to the process.
	udp, err := transport.Listen(cfg.Sync.Port)
	if err != nil {
		log.Fatalf("Failed to bind sync transport: %v", err)
	}

	controller := replication.New(store, directory, udp, cfg.Node.Name,
		time.Duration(cfg.Sync.SweepSeconds)*time.Second,
		time.Duration(cfg.Sync.StaleSeconds)*time.Second)
	if err := controller.Start(); err != nil {
		log.Fatalf("Failed to start replication: %v", err)
	}
	defer controller.Stop()

	go udp.Serve(controller.HandleDatagram)

	// Consume change notices on a dedicated goroutine, standing in for the
	// presentation layer's execution context.
	go func() {
		for notice := range controller.Notifications() {
			slog.Debug("Tasks changed", "date", notice.Date, "badge", notice.BadgeCount)
		}
	}()

	// Start discovery. Registration failure disables discovery for this
	// run but the rest of the engine keeps operating.
	listener, err := discovery.New(cfg.Node.Name, instanceKey, cfg.Node.Serf.BindAddr, cfg.Sync.Port, directory)
	if err != nil {
		slog.Error("Failed to start discovery, continuing without it", "error", err)
		listener = nil
	} else {
		if err := listener.Start(cfg.Node.Serf.Seeds); err != nil {
			slog.Error("Failed to join peers", "error", err)
		}
		defer listener.Stop()
	}

	// Create Chi router and Huma API
	router := chi.NewMux()
	humaAPI := humachi.New(router, huma.DefaultConfig("CaLAN Sync API", "1.0.0"))

	apiServer := api.NewServer(controller, directory, cfg.Node.Name)
	apiServer.RegisterRoutes(humaAPI)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Node.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.Node.HTTP.Port)
		log.Printf("API documentation available at http://localhost:%d/docs", cfg.Node.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	if listener != nil {
		if err := listener.Stop(); err != nil {
			log.Printf("Error stopping discovery: %v", err)
		}
	}
	controller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
