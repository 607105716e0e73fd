package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/relaychat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.relaychat/server.toml", "Path to config file")
	addr := flag.String("addr", "", "TCP address to listen on, e.g. :9900 (overrides config)")
	downloadDir := flag.String("download-dir", "", "Directory for uploaded files (overrides config)")
	logDir := flag.String("log-dir", "", "Directory for errors.log, server.log and debug.log (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("relaychat server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverConfig := config.ToServerConfig()

	// Command-line flags override config file
	if *addr != "" {
		serverConfig.TCPAddr = *addr
	}
	if *downloadDir != "" {
		serverConfig.DownloadDir = *downloadDir
	}
	if *logDir != "" {
		serverConfig.LogDir = *logDir
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (using defaults if not found)", *configPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("relaychat server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Framed protocol (TCP): %s", srv.Addr())
	if serverConfig.WebSocketPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.WebSocketPort, serverConfig.WebSocketPort)
	}
	if serverConfig.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	log.Printf("Uploads are stored in %s, at most %d connections", serverConfig.DownloadDir, serverConfig.MaxConnections)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
