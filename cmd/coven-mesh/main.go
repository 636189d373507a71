// ABOUTME: Entry point for the coven-mesh agent daemon
// ABOUTME: Runs the peer mesh node, leader election, and status endpoints

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-mesh/internal/config"
	"github.com/2389/coven-mesh/internal/discovery"
	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/telemetry"
)

// Version info is set by goreleaser at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \ | | |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/_| |_|
`

// getConfigPath returns the path to the mesh config file.
// Priority: COVEN_MESH_CONFIG env var > XDG_CONFIG_HOME/coven/mesh.yaml >
// ~/.config/coven/mesh.yaml. An empty string means env-only configuration.
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_MESH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	path := filepath.Join(configDir, "coven", "mesh.yaml")
	if _, err := os.Stat(path); err != nil {
		// No config file; MESH_* environment variables carry everything.
		return ""
	}
	return path
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-mesh <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the mesh node")
		fmt.Println("  health   Check node health")
		fmt.Println("  status   Show peers and the current leader")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	telemetry.SetBuildInfo(version, gitSHA)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Agent.ID)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  %s\n", cfg.Agent.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Peers:   %d configured\n", len(cfg.Mesh.Peers))
	if len(cfg.Discovery.Endpoints) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("etcd:    %v\n", cfg.Discovery.Endpoints)
	}
	fmt.Println()

	logger.Info("starting coven-mesh",
		"agent_id", cfg.Agent.ID,
		"listen_addr", cfg.Agent.ListenAddr,
		"peers", len(cfg.Mesh.Peers),
	)

	node, err := mesh.NewNode(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating mesh node: %w", err)
	}
	node.Start()
	defer node.Close()

	if len(cfg.Discovery.Endpoints) > 0 {
		stop, err := startDiscovery(ctx, cfg, node, logger)
		if err != nil {
			return fmt.Errorf("starting discovery: %w", err)
		}
		defer stop()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// startDiscovery registers this node in etcd and feeds discovered peers into
// the mesh. Discovered endpoints are dialed exactly like configured ones.
func startDiscovery(ctx context.Context, cfg *config.Config, node *mesh.Node, logger *slog.Logger) (func(), error) {
	reg, err := discovery.New(cfg.Discovery.Endpoints, cfg.Discovery.Prefix, logger)
	if err != nil {
		return nil, err
	}

	advertised := "mesh://" + node.Addr()
	if err := reg.Register(ctx, cfg.Agent.ID, advertised); err != nil {
		reg.Close()
		return nil, err
	}

	addPeer := func(p discovery.Peer) {
		spec, err := mesh.ParsePeerURL(p.ID + "@" + p.Addr)
		if err != nil {
			logger.Warn("discovered peer has a bad address",
				"peer_id", p.ID, "addr", p.Addr, "error", err)
			return
		}
		node.AddPeer(spec)
	}

	peers, err := reg.Peers(ctx, cfg.Agent.ID)
	if err != nil {
		logger.Warn("listing discovered peers failed", "error", err)
	}
	for _, p := range peers {
		addPeer(p)
	}

	go func() {
		for ev := range reg.Watch(ctx, cfg.Agent.ID) {
			if ev.Removed {
				// The registry notices departures through heartbeats; the
				// reconnect loop keeps retrying in case the peer returns.
				continue
			}
			addPeer(ev.Peer)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reg.Deregister(shutdownCtx)
		reg.Close()
	}, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Agent.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/status", cfg.Agent.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	var status struct {
		AgentID string `json:"agent_id"`
		Leader  struct {
			Term   uint64 `json:"term"`
			Leader string `json:"leader"`
			IsSelf bool   `json:"is_self"`
			Phase  string `json:"phase"`
		} `json:"leader"`
		Peers []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
			Direction string `json:"direction"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing status: %w", err)
	}

	leader := status.Leader.Leader
	if leader == "" {
		leader = "none"
	}
	fmt.Printf("Agent:  %s\n", status.AgentID)
	fmt.Printf("Leader: %s (term %d, %s)\n", leader, status.Leader.Term, status.Leader.Phase)
	fmt.Printf("Peers:\n")
	if len(status.Peers) == 0 {
		fmt.Println("  (none)")
	}
	for _, p := range status.Peers {
		state := "disconnected"
		if p.Connected {
			state = "connected " + p.Direction
		}
		fmt.Printf("  %-20s %s\n", p.ID, state)
	}
	return nil
}
