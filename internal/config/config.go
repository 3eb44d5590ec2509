package config

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all process configuration: introducer address, data-plane
// constants, resource directories, and worker-pool sizing. Loaded from a
// flat key=value file with environment-variable overrides, same shape as
// every other config in this codebase.
type Config struct {
	// Mode: "introducer" runs the rendezvous/tracker service; "peer" runs
	// the torrent client facade.
	Mode string

	// Introducer service
	IntroducerHost string
	IntroducerPort int // HTTP/websocket RPC port

	// Audit DB (optional, best-effort; introducer only)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Data-plane constants (spec-fixed but still overridable for test harnesses)
	ALPN          string // "helpful-serf-p2p"
	PunchLiteral  string // "HELPFUL_SERF", exactly 12 bytes
	StunEndpoint  string // well-known STUN server; loaded but not read by cmd/peer's discovery, which uses an HTTP echo service

	// File layout
	FilesDir string // resources/files
	CacheDir string // resources/cache

	// Piece / scheduling
	DefaultPieceLength int
	NumConnections     int // max simultaneous leech peers for a file request

	// Ladder / rendezvous timing
	HolePunchBudgetMillis   int
	HolePunchIntervalMillis int
	DialTimeoutMillis       int
	AcceptTimeoutMillis     int
	RendezvousRetryAttempts int
	RendezvousRetryPaceMs   int

	// Worker sizing
	PieceHashWorkers int // 0 = auto (CPU count)
}

// Load reads configuration from a key=value file and environment variables.
// Environment variables take precedence over file values. Missing file is
// not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Mode: "peer",

		IntroducerHost: "localhost",
		IntroducerPort: 10858,

		DBHost: "localhost",
		DBPort: 5432,
		DBName: "bear_torrent",

		ALPN:         "helpful-serf-p2p",
		PunchLiteral: "HELPFUL_SERF",
		StunEndpoint: "stun.l.google.com:19302",

		FilesDir: "resources/files",
		CacheDir: "resources/cache",

		DefaultPieceLength: 1 << 16, // 65536, matches the single-peer-LAN scenario
		NumConnections:     5,

		HolePunchBudgetMillis:   5000,
		HolePunchIntervalMillis: 10,
		DialTimeoutMillis:       4000,
		AcceptTimeoutMillis:     4000,
		RendezvousRetryAttempts: 5,
		RendezvousRetryPaceMs:   250,

		PieceHashWorkers: 0,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	numCPU := runtime.NumCPU()
	if numCPU < 1 {
		numCPU = 1
	}
	if cfg.PieceHashWorkers <= 0 {
		cfg.PieceHashWorkers = numCPU
	}
	// Cap piece-hash workers; each worker holds one full piece in memory.
	const maxPieceHashWorkers = 16
	if cfg.PieceHashWorkers > maxPieceHashWorkers {
		cfg.PieceHashWorkers = maxPieceHashWorkers
	}

	if len(cfg.PunchLiteral) != 12 {
		return nil, fmt.Errorf("punch literal must be exactly 12 bytes, got %d", len(cfg.PunchLiteral))
	}

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "mode":
			cfg.Mode = value
		case "introducer_host":
			cfg.IntroducerHost = value
		case "introducer_port":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.IntroducerPort = p
			}
		case "db_host":
			cfg.DBHost = value
		case "db_port":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.DBPort = p
			}
		case "db_name":
			cfg.DBName = value
		case "db_user":
			cfg.DBUser = value
		case "db_password":
			cfg.DBPassword = value
		case "alpn":
			cfg.ALPN = value
		case "punch_literal":
			cfg.PunchLiteral = value
		case "stun_endpoint":
			cfg.StunEndpoint = value
		case "files_dir":
			cfg.FilesDir = value
		case "cache_dir":
			cfg.CacheDir = value
		case "default_piece_length":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.DefaultPieceLength = p
			}
		case "num_connections":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.NumConnections = p
			}
		case "hole_punch_budget_ms":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.HolePunchBudgetMillis = p
			}
		case "hole_punch_interval_ms":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.HolePunchIntervalMillis = p
			}
		case "dial_timeout_ms":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.DialTimeoutMillis = p
			}
		case "accept_timeout_ms":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.AcceptTimeoutMillis = p
			}
		case "rendezvous_retry_attempts":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.RendezvousRetryAttempts = p
			}
		case "rendezvous_retry_pace_ms":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.RendezvousRetryPaceMs = p
			}
		case "piece_hash_workers":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.PieceHashWorkers = p
			}
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("SERF_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("SERF_INTRODUCER_HOST"); v != "" {
		cfg.IntroducerHost = v
	}
	if v := os.Getenv("SERF_INTRODUCER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.IntroducerPort = p
		}
	}
	if v := os.Getenv("SERF_DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("SERF_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = p
		}
	}
	if v := os.Getenv("SERF_DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("SERF_DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("SERF_DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("SERF_FILES_DIR"); v != "" {
		cfg.FilesDir = v
	}
	if v := os.Getenv("SERF_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("SERF_NUM_CONNECTIONS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.NumConnections = p
		}
	}
	if v := os.Getenv("SERF_PIECE_HASH_WORKERS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.PieceHashWorkers = p
		}
	}
}

// AuditDBConfigured reports whether the optional introducer audit DB is set up.
func (cfg *Config) AuditDBConfigured() bool {
	return cfg.DBUser != "" && cfg.DBPassword != ""
}

// ConnectionString returns a PostgreSQL DSN for the optional audit log.
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}

// IsIntroducer returns true if this process should run the introducer service.
func (cfg *Config) IsIntroducer() bool {
	return cfg.Mode == "introducer"
}
