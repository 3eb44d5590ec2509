package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/certgen"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/client"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/config"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introclient"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/nat"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/quictransport"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/relaytransport"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/transport"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	log.Printf("Starting BearTorrent peer v%s...", Version)

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
	cfg.Mode = "peer"

	log.Printf("Configuration loaded:")
	log.Printf("  Introducer: %s:%d", cfg.IntroducerHost, cfg.IntroducerPort)
	log.Printf("  Files dir: %s, cache dir: %s", cfg.FilesDir, cfg.CacheDir)
	log.Printf("  Num connections: %d, piece-hash workers: %d", cfg.NumConnections, cfg.PieceHashWorkers)

	self, privConn, err := discoverSelf(cfg)
	if err != nil {
		log.Fatalf("Failed to discover local endpoint: %v", err)
	}
	privConn.Close()
	log.Printf("Self endpoint: %s", self.String())

	introAddr := net.JoinHostPort(cfg.IntroducerHost, strconv.Itoa(cfg.IntroducerPort))
	intro := introclient.New(introAddr)

	c, err := client.New(cfg, intro, self)
	if err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}
	defer c.Close()

	c.Transport = newTransportFactory(cfg, intro, c)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutdown signal received, stopping peer...")
		c.RemoveClient()
		cancel()
	}()

	args := os.Args[1:]
	if len(args) == 0 {
		log.Println("Usage: peer seed | peer get <file_hash>")
		return
	}

	switch args[0] {
	case "seed":
		log.Println("Seeding cataloged files, waiting for leechers...")
		if err := c.Seeding(ctx); err != nil && err != context.Canceled {
			log.Fatalf("Seeding stopped: %v", err)
		}

	case "get":
		if len(args) < 2 {
			log.Fatalf("Usage: peer get <file_hash>")
		}
		fh, err := filestore.ParseFileHash(args[1])
		if err != nil {
			log.Fatalf("Invalid file hash %q: %v", args[1], err)
		}
		files, err := c.GetServerFiles()
		if err != nil {
			log.Fatalf("get_all_files: %v", err)
		}
		var info filestore.InfoHash
		var found bool
		for _, f := range files {
			if f.FileHash() == fh {
				info, found = f, true
				break
			}
		}
		if !found {
			log.Fatalf("no file known to the introducer matches hash %s", args[1])
		}
		if err := c.FileRequest(ctx, fh, info); err != nil {
			log.Fatalf("file_request: %v", err)
		}
		log.Printf("%s downloaded successfully", info.Name)

	default:
		log.Fatalf("unknown command %q, usage: peer seed | peer get <file_hash>", args[0])
	}
}

// discoverSelf mints this attempt's PeerId. Real STUN-based public
// address observation and local-interface enumeration are out of this
// repository's scope; this seam binds an ephemeral private socket for
// the returned UDP connection's local address, takes the public IP from
// discoverPublicIP (the private IP if that fails) and the public port
// from the private socket, and lets SERF_PUBLIC_IP / SERF_PUBLIC_PORT
// override the public pair for multi-host testing.
func discoverSelf(cfg *config.Config) (peerid.PeerId, *net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return peerid.PeerId{}, nil, fmt.Errorf("bind discovery socket: %w", err)
	}

	privAddr := conn.LocalAddr().(*net.UDPAddr)
	privIP := privAddr.IP.String()
	if privAddr.IP.IsUnspecified() {
		privIP = outboundIP()
	}

	pubIP := privIP
	if discovered := discoverPublicIP(); discovered != "" {
		pubIP = discovered
	}
	pubPort := privAddr.Port
	if v := os.Getenv("SERF_PUBLIC_IP"); v != "" {
		pubIP = v
	}
	if v := os.Getenv("SERF_PUBLIC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			pubPort = p
		}
	}

	self, err := peerid.New(pubIP, pubPort, privIP, privAddr.Port)
	if err != nil {
		conn.Close()
		return peerid.PeerId{}, nil, err
	}
	return self, conn, nil
}

// outboundIP finds the local address the OS would route through to
// reach the public internet, without sending any packet.
func outboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// discoverPublicIP asks a well-known echo service for this host's
// internet-facing address. Best-effort: a real STUN binding is out of
// scope here, this just resolves the common case of a single layer of
// NAT between the peer and the public internet. Returns "" on any
// failure, letting the caller fall back to the private address.
func discoverPublicIP() string {
	httpClient := http.Client{Timeout: 3 * time.Second}
	resp, err := httpClient.Get("https://api.ipify.org")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

// newTransportFactory builds the TransportFactory the facade drives for
// every acquired ladder rung: quictransport for RungLAN/RungHolePunch,
// relaytransport for RungRelay. The seeder branches run their
// accept/serve loop synchronously and return no usable transport value
// since the facade only calls Run on the leecher side.
func newTransportFactory(cfg *config.Config, intro *introclient.Client, c *client.Client) client.TransportFactory {
	return func(ctx context.Context, result *nat.Result, peer peerid.PeerId, isSeeder bool) (transport.PeerTransport, error) {
		switch result.Rung {
		case nat.RungRelay:
			turn, err := intro.JoinTurn(ctx, result.SessionID, isSeeder)
			if err != nil {
				return nil, fmt.Errorf("join turn session %s: %w", result.SessionID, err)
			}
			if isSeeder {
				return nil, relaytransport.NewSeeder(turn, c.Store()).Serve(ctx)
			}
			return relaytransport.NewLeecher(turn), nil

		default: // RungLAN, RungHolePunch
			if isSeeder {
				pubIP, _, err := net.SplitHostPort(c.Self().PubAddr())
				if err != nil {
					return nil, fmt.Errorf("split own public addr: %w", err)
				}
				cred, err := certgen.Generate(pubIP)
				if err != nil {
					return nil, fmt.Errorf("generate seeder credential: %w", err)
				}
				if err := intro.SendCert(peer, cred.CertPEM); err != nil {
					return nil, fmt.Errorf("send_cert to %s: %w", peer.String(), err)
				}
				seeder, err := quictransport.ListenSeeder(result.UDPConn, cred.TLSCert, c.Store())
				if err != nil {
					return nil, fmt.Errorf("listen seeder: %w", err)
				}
				defer seeder.Close()
				return nil, seeder.Accept(ctx)
			}

			certPEM, err := intro.GetCert(ctx, c.Self())
			if err != nil {
				return nil, fmt.Errorf("get_cert: %w", err)
			}
			tlsConf, err := certgen.TrustedConfig(certPEM, cfg.ALPN)
			if err != nil {
				return nil, fmt.Errorf("build trusted tls config: %w", err)
			}
			leecher, err := quictransport.DialLeecher(ctx, result.UDPConn, tlsConf)
			if err != nil {
				return nil, fmt.Errorf("dial leecher: %w", err)
			}
			return leecher, nil
		}
	}
}
