package main

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/config"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introducer"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	log.Printf("Starting BearTorrent introducer v%s...", Version)

	if logPath := os.Getenv("SERF_LOG_FILE"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Warning: failed to open log file %q: %v", logPath, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, f))
			log.Printf("Logging to %s", logPath)
		}
	}

	dataplane.InitLog(".")
	defer dataplane.Close()

	workDir, _ := os.Getwd()
	configPath := filepath.Join(workDir, "serf.config")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Mode = "introducer"

	log.Printf("Configuration loaded:")
	log.Printf("  Listen: %s:%d", cfg.IntroducerHost, cfg.IntroducerPort)
	log.Printf("  Audit DB configured: %v", cfg.AuditDBConfigured())

	var registry *introducer.Registry
	if cfg.AuditDBConfigured() {
		audit, err := introducer.OpenAuditLog(cfg.ConnectionString())
		if err != nil {
			log.Printf("Warning: audit log unavailable, continuing without it: %v", err)
			registry = introducer.New(nil)
		} else {
			defer audit.Close()
			log.Println("Audit log connected")
			registry = introducer.New(audit)
		}
	} else {
		log.Println("No audit DB configured, rendezvous events will not be recorded")
		registry = introducer.New(nil)
	}
	server := introducer.NewServer(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := net.JoinHostPort(cfg.IntroducerHost, strconv.Itoa(cfg.IntroducerPort))
	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("introducer server stopped: %v", err)
			cancel()
		}
	}()
	log.Printf("Introducer listening on %s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("Shutdown signal received, stopping introducer...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down introducer server: %v", err)
	}
	log.Println("Introducer stopped")
}
