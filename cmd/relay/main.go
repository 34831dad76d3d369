package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parleychat/relay/pkg/auth"
	"github.com/parleychat/relay/pkg/relay"
	"github.com/parleychat/relay/pkg/store"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.parley/config.toml", "Path to config file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Parley Relay %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	tomlConfig, err := relay.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *listenAddr != "" {
		tomlConfig.Server.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		tomlConfig.Server.DatabasePath = *dbPath
	}

	config := tomlConfig.ToConfig()

	if secret := os.Getenv("PARLEY_TOKEN_SECRET"); secret != "" {
		config.TokenSecret = secret
	}
	if config.TokenSecret == "" {
		log.Fatalf("No token secret configured: set [auth] token_secret or PARLEY_TOKEN_SECRET")
	}

	// Get database path with ~ expansion
	finalDBPath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}

	// Ensure directory exists
	dbDir := filepath.Dir(finalDBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := store.Open(finalDBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if *debug {
		relay.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	verifier := auth.NewVerifier([]byte(config.TokenSecret), db, config.CollaboratorTimeout)
	srv := relay.NewServer(db, verifier, config, relay.NewMetrics())

	log.Printf("Config: %s", *configPath)
	log.Printf("Database: %s", finalDBPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	log.Printf("Parley relay %s started successfully", Version)
	log.Printf("WebSocket endpoint: ws://%s/ws", config.ListenAddr)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Printf("Received signal %v, shutting down...", sig)
	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Printf("Relay stopped")
}
