package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/fedchat/pkg/config"
	"github.com/atvirokodosprendimai/fedchat/pkg/crypto"
	"github.com/atvirokodosprendimai/fedchat/pkg/federation"
	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/otel"
	"github.com/atvirokodosprendimai/fedchat/pkg/peerlink"
	"github.com/atvirokodosprendimai/fedchat/pkg/presence"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
	"github.com/atvirokodosprendimai/fedchat/pkg/routing"
	"github.com/atvirokodosprendimai/fedchat/pkg/rpc"
	"github.com/atvirokodosprendimai/fedchat/pkg/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Check for version flags first (--version or -v)
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("fedchat " + version)
			return
		}
	}

	// Check for subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("fedchat " + version)
			return
		case "serve":
			serveCmd(os.Args[2:])
			return
		case "status":
			statusCmd()
			return
		case "peers":
			peersCmd()
			return
		case "users":
			usersCmd()
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	// No subcommand: serve is the default mode.
	serveCmd(os.Args[1:])
}

func printUsage() {
	fmt.Println(`fedchat - federated end-to-end encrypted chat server

USAGE:
  fedchat [serve] [flags]    Run a chat server node (default)
  fedchat status             Show status of a running node
  fedchat peers              List federated peers of a running node
  fedchat users              List users known to a running node
  fedchat version            Show version information

SERVE FLAGS:
  -host <addr>     Listen host (default: 127.0.0.1, env HOST)
  -port <port>     Listen port (default: 8080, env PORT)
  -config <file>   YAML config with bootstrap servers (env CONFIG_FILE)
  -key <file>      PKCS#8 PEM private key, generated if absent (env PRIVATE_KEY_FILE)

EXAMPLES:
  # First node of a federation (nothing to bootstrap against):
  fedchat serve -port 8080 -key node-a.pem

  # Node joining via an introducer listed in config.yaml:
  fedchat serve -port 8081 -key node-b.pem -config config.yaml

  # Query a running node:
  fedchat status
  fedchat peers
  fedchat users

  Query commands talk to the node over its RPC socket; override the
  path with FEDCHAT_SOCKET.`)
}

// serveCmd runs the chat server node until interrupted.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "Listen host")
	port := fs.Int("port", 0, "Listen port")
	configFile := fs.String("config", "", "YAML config file with bootstrap servers")
	keyFile := fs.String("key", "", "Private key file (generated if absent)")
	fs.Parse(args)

	cfg, err := config.New(config.Opts{
		Host:           *host,
		Port:           *port,
		ConfigFile:     *configFile,
		PrivateKeyFile: *keyFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	keys, err := loadOrGenerateKeys(cfg.PrivateKeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up keys: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := otel.Init(ctx, "fedchat", version)
	if err != nil {
		log.Printf("[Main] telemetry init: %v", err)
	}
	defer shutdownOTel(context.Background())

	n, err := node.New(identity.NewID(), keys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build node: %v\n", err)
		os.Exit(1)
	}
	log.Printf("[Main] server id %s", n.ID)
	fmt.Printf("Server ID:  %s\n", n.ID)
	fmt.Printf("Public key: %s\n", n.PubkeyB64)

	// The peer link manager and the frame dispatcher need each other:
	// links carry outbound sends, and frames read back on those links go
	// through the same dispatch table as inbound sockets. Late-bind the
	// server through the closure.
	var srv *transport.Server
	var links *peerlink.Manager
	links = peerlink.NewManager(
		func(id identity.ID) (string, bool) {
			p, ok := n.Peers.Get(id)
			if !ok {
				return "", false
			}
			return p.Addr(), true
		},
		func(from identity.ID, msg protocol.Message) {
			if srv == nil {
				return
			}
			srv.DispatchFrame(msg, func(m protocol.Message) {
				links.Send(from, m)
			})
		},
	)
	defer links.Close()

	fed := federation.New(n, links, cfg.Host, cfg.Port)
	pres := presence.New(n, links)
	router := routing.New(n, links)
	srv = transport.NewServer(n, fed, pres, router)

	// Admin RPC socket
	rpcServer, err := createRPCServer(n, cfg, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create RPC server: %v\n", err)
	} else if err := rpcServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to start RPC server: %v\n", err)
	} else {
		defer rpcServer.Stop()
		fmt.Printf("RPC socket: %s\n", rpc.FormatSocketPath(rpc.GetSocketPath()))
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("[Main] listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return pres.RunSweeper(ctx) })
	g.Go(func() error { return pres.RunBeacon(ctx) })

	g.Go(func() error {
		if cfg.SkipBootstrap {
			log.Printf("[Main] no bootstrap servers configured, starting as first node")
			n.SetBootstrapped()
			return nil
		}
		fed.Bootstrap(cfg.BootstrapServers)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Node error: %v\n", err)
		os.Exit(1)
	}
	log.Printf("[Main] shut down")
}

// loadOrGenerateKeys loads the private key from path, generating and
// persisting a fresh one when the file does not exist yet. An empty
// path yields an ephemeral in-memory keypair.
func loadOrGenerateKeys(path string) (*crypto.Keypair, error) {
	if path == "" {
		log.Printf("[Main] no key file configured, generating ephemeral keypair")
		return crypto.NewKeypair()
	}

	if _, err := os.Stat(path); err == nil {
		keys, err := crypto.LoadKeypair(path)
		if err != nil {
			return nil, err
		}
		log.Printf("[Main] loaded private key from %s", path)
		return keys, nil
	}

	keys, err := crypto.NewKeypair()
	if err != nil {
		return nil, err
	}
	pemStr, err := keys.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(pemStr), 0600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	log.Printf("[Main] generated new private key at %s", path)
	return keys, nil
}

// createRPCServer wires the admin RPC surface to the node's state.
func createRPCServer(n *node.Node, cfg *config.Config, startedAt time.Time) (*rpc.Server, error) {
	return rpc.NewServer(rpc.ServerConfig{
		SocketPath: rpc.GetSocketPath(),
		Version:    version,
		GetPeers: func() []*rpc.PeerData {
			peers := n.Peers.All()
			now := time.Now()
			out := make([]*rpc.PeerData, 0, len(peers))
			for _, p := range peers {
				out = append(out, &rpc.PeerData{
					ServerID: p.ID.String(),
					Addr:     p.Addr(),
					Pubkey:   p.Pubkey,
					LastSeen: p.LastSeen,
					Alive:    now.Sub(p.LastSeen) <= node.PeerDeadTimeout,
				})
			}
			return out
		},
		GetUsers: func() []*rpc.UserData {
			known := n.Users.Known()
			out := make([]*rpc.UserData, 0, len(known))
			for _, u := range known {
				out = append(out, &rpc.UserData{
					UserID:      u.UserID.String(),
					DisplayName: n.Users.DisplayName(u.UserID),
					Home:        u.Home,
				})
			}
			return out
		},
		GetStatus: func() *rpc.StatusData {
			alive, dead := n.Peers.Counts(time.Now())
			return &rpc.StatusData{
				ServerID:     n.ID.String(),
				Addr:         cfg.Addr(),
				Pubkey:       n.PubkeyB64,
				Uptime:       time.Since(startedAt),
				Bootstrapped: n.Bootstrapped(),
				PeersAlive:   alive,
				PeersTotal:   alive + dead,
				LocalUsers:   len(n.Users.AllLocal()),
			}
		},
	})
}

// dialRPC connects to a running node's admin socket or exits with a
// hint on how to start one.
func dialRPC() *rpc.Client {
	socketPath := rpc.GetSocketPath()
	client, err := rpc.NewClient(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to node: %v\n", err)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Is a fedchat node running?")
		fmt.Fprintln(os.Stderr, "  Start with: fedchat serve")
		fmt.Fprintf(os.Stderr, "  Socket path: %s\n", rpc.FormatSocketPath(socketPath))
		os.Exit(1)
	}
	return client
}

// statusCmd handles the "status" subcommand via the RPC socket.
func statusCmd() {
	client := dialRPC()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Node Status\n")
	fmt.Printf("===========\n")
	fmt.Printf("Server ID:    %s\n", status.ServerID)
	fmt.Printf("Address:      %s\n", status.Addr)
	fmt.Printf("Version:      %s\n", status.Version)
	fmt.Printf("Bootstrapped: %t\n", status.Bootstrapped)
	fmt.Printf("Peers:        %d alive / %d total\n", status.PeersAlive, status.PeersTotal)
	fmt.Printf("Local users:  %d\n", status.LocalUsers)
	if status.Pubkey != "" {
		fmt.Printf("Public key:   %s\n", truncate(status.Pubkey, 60))
	}
}

// peersCmd handles the "peers" subcommand via the RPC socket.
func peersCmd() {
	client := dialRPC()
	defer client.Close()

	result, err := client.Peers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	if len(result.Peers) == 0 {
		fmt.Println("No federated peers")
		return
	}

	fmt.Printf("%-38s %-22s %-8s %-10s %s\n",
		"SERVER ID", "ADDRESS", "STATE", "LAST SEEN", "PUBKEY")
	fmt.Println(strings.Repeat("-", 110))

	for _, peer := range result.Peers {
		state := "dead"
		if peer.Alive {
			state = "alive"
		}

		lastSeen := "unknown"
		if t, err := time.Parse(time.RFC3339, peer.LastSeen); err == nil {
			lastSeen = formatDuration(time.Since(t))
		}

		fmt.Printf("%-38s %-22s %-8s %-10s %s\n",
			peer.ServerID, peer.Addr, state, lastSeen, truncate(peer.Pubkey, 24))
	}
}

// usersCmd handles the "users" subcommand via the RPC socket.
func usersCmd() {
	client := dialRPC()
	defer client.Close()

	result, err := client.Users()
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	if len(result.Users) == 0 {
		fmt.Println("No known users")
		return
	}

	fmt.Printf("%-38s %-20s %s\n", "USER ID", "DISPLAY NAME", "HOME")
	fmt.Println(strings.Repeat("-", 100))

	for _, user := range result.Users {
		fmt.Printf("%-38s %-20s %s\n", user.UserID, user.DisplayName, user.Home)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
