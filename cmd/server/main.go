package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/pairchat/pkg/server"
	log "github.com/sirupsen/logrus"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "~/.pairchat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	filesPath := flag.String("files", "", "Directory for stored attachments (overrides config)")
	logPath := flag.String("log", "", "Path to log file (overrides config)")
	pprofAddr := flag.String("pprof", "", "Address for the pprof HTTP server, e.g. localhost:6060")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("pairchat server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *filesPath != "" {
		config.Server.FilesPath = *filesPath
	}
	if *logPath != "" {
		config.Server.LogPath = *logPath
	}

	serverConfig, err := config.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logCloser, err := server.InitLoggers(serverConfig.LogPath, *debug)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logCloser.Close()

	log.WithFields(log.Fields{
		"config":   *configPath,
		"database": serverConfig.DatabasePath,
		"files":    serverConfig.FilesPath,
		"log":      serverConfig.LogPath,
	}).Info("Configuration loaded")

	// Create and start server
	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.WithField("version", Version).Info("pairchat server started successfully")
	log.Info("Available connection methods:")
	log.Infof("  - Framed JSON (TCP): %s", srv.Addr())
	if serverConfig.HTTPPort > 0 {
		log.Infof("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
	}
	if serverConfig.MetricsPort > 0 {
		log.Infof("Metrics and health on port %d (/metrics, /health)", serverConfig.MetricsPort)
	}

	// Start pprof HTTP server for profiling
	if *pprofAddr != "" {
		go func() {
			log.Infof("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.WithError(err).Warn("pprof server error")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
}
