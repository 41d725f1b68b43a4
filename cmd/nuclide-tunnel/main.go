// nuclide-tunnel — CLI entry point.
//
// This tool forwards a TCP port between two machines by multiplexing any
// number of downstream connections through a single tunnel channel. The
// channel is either a WebRTC DataChannel (established through a WebSocket
// signaling phase, no relay needed afterwards) or a direct WebSocket
// connection.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -port, -signalAddr, -signalUrl, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/UPaul009/nuclide/internal/config"
	"github.com/UPaul009/nuclide/internal/logging"
	"github.com/UPaul009/nuclide/internal/obs"
	"github.com/UPaul009/nuclide/internal/signaling"
	"github.com/UPaul009/nuclide/internal/transport"
	"github.com/UPaul009/nuclide/internal/tunnel"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: host or client")
	port := flag.Int("port", 0, "Forwarded service port (host) or local port (client), 1~65535")
	tunnelID := flag.String("id", "", "Tunnel identifier (both sides must agree)")
	transportKind := flag.String("transport", "", "Transport: webrtc or websocket")
	signalAddr := flag.String("signalAddr", "", "Listen address for signaling / direct tunnel (host only)")
	signalURL := flag.String("signalUrl", "", "URL to connect to (client only)")
	metricsAddr := flag.String("metricsAddr", "", "Serve Prometheus metrics on this address")
	ipv6 := flag.Bool("ipv6", false, "Use IPv6 for the local TCP side")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			fail("%v", err)
		}
	}

	// Flags override the file.
	if *role != "" {
		cfg.Role = config.Role(*role)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *tunnelID != "" {
		cfg.TunnelID = *tunnelID
	}
	if *transportKind != "" {
		cfg.Transport = config.TransportKind(*transportKind)
	}
	if *signalAddr != "" {
		cfg.SignalAddr = *signalAddr
	}
	if *signalURL != "" {
		cfg.SignalURL = *signalURL
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *ipv6 {
		cfg.IPv6 = true
	}
	if *debugMode {
		cfg.Logging.Level = "debug"
	}

	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		fail("%v", err)
	}
	if cfg.Logging.Dir != "" {
		if err := logging.EnableFileLogging(cfg.Logging.Dir, cfg.Logging.File,
			cfg.Logging.MaxSize, cfg.Logging.MaxBackups, cfg.Logging.MaxAge); err != nil {
			fail("enable file logging: %v", err)
		}
	}

	pterm.Info.Println(fmt.Sprintf("nuclide-tunnel — v%s", version))
	pterm.Println()

	// No -role flag and no config file → interactive mode.
	if cfg.Role == "" {
		runInteractive(cfg)
	}

	if err := cfg.Validate(); err != nil {
		fail("%v", err)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	if err := run(ctx, cfg); err != nil {
		fail("%v", err)
	}

	logging.Infof("tunnel shut down")
}

// runInteractive fills in the missing config via pterm prompts.
func runInteractive(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Expose a local service", "Client — Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Host") {
		cfg.Role = config.RoleHost
		cfg.Port = askPort("Service port to forward (1 ~ 65535)")
	} else {
		cfg.Role = config.RoleClient
		cfg.SignalURL, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host URL (ws://host:port/ws?pin=...)").
			Show()
		cfg.Port = askPort("Local port to accept connections on (1 ~ 65535)")
	}
}

func askPort(prompt string) int {
	for {
		text, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(prompt).Show()
		var port int
		if _, err := fmt.Sscanf(strings.TrimSpace(text), "%d", &port); err == nil && port >= 1 && port <= 65535 {
			return port
		}
		pterm.Warning.Println("invalid port")
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config) error {
	tr, err := establishTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("establish transport: %w", err)
	}
	defer tr.Close()

	obs.StartStatsReporter(ctx)

	registry := tunnel.NewRegistry(nil)
	registry.Bind(tr)
	defer registry.CloseAll()

	switch cfg.Role {
	case config.RoleHost:
		mgr := tunnel.NewSocketManager(tunnel.ManagerConfig{
			TunnelID:    cfg.TunnelID,
			Port:        cfg.Port,
			IPv6:        cfg.IPv6,
			IdleTimeout: cfg.IdleTimeout,
			Transport:   tr,
			Events:      obs.Observer{},
		})
		if err := registry.Attach(mgr); err != nil {
			return err
		}
		pterm.Success.Println(fmt.Sprintf("tunnel established — forwarding to port %d", cfg.Port))

		select {
		case <-tr.Done():
		case <-ctx.Done():
		}
		return nil

	case config.RoleClient:
		lst := tunnel.NewListener(tunnel.ListenerConfig{
			TunnelID:    cfg.TunnelID,
			Port:        cfg.Port,
			IPv6:        cfg.IPv6,
			IdleTimeout: cfg.IdleTimeout,
			Transport:   tr,
			Events:      obs.Observer{},
		})
		if err := registry.Attach(lst); err != nil {
			return err
		}
		pterm.Success.Println(fmt.Sprintf("tunnel established — accepting connections on port %d", cfg.Port))

		// Stop accepting when the transport goes away.
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			<-tr.Done()
			cancel()
		}()
		return lst.ListenAndServe(serveCtx)
	}
	return nil
}

// establishTransport brings up the configured transport kind.
func establishTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		if cfg.Role == config.RoleHost {
			addr := cfg.SignalAddr
			if addr == "" {
				addr = ":0"
			}
			return transport.ListenWebSocket(ctx, addr)
		}
		return transport.DialWebSocket(ctx, cfg.SignalURL)

	default: // webrtc
		if cfg.Role == config.RoleHost {
			pin := signaling.GeneratePIN(4)
			srv := signaling.NewServer(pin)
			addr := cfg.SignalAddr
			if addr == "" {
				addr = ":0"
			}
			wsPort, err := srv.Start(addr)
			if err != nil {
				return nil, err
			}
			defer srv.Close()

			printBanner(wsPort, pin)
			return signaling.EstablishAsHost(ctx, srv)
		}
		return signaling.EstablishAsClient(ctx, cfg.SignalURL)
	}
}

func printBanner(wsPort int, pin string) {
	pterm.Println()
	pterm.Println("╔══════════════════════════════════════════╗")
	pterm.Println("║        WebSocket Signaling Server        ║")
	pterm.Println("╠══════════════════════════════════════════╣")
	pterm.Println(fmt.Sprintf("║  Port : %-32d ║", wsPort))
	pterm.Println(fmt.Sprintf("║  PIN  : %-32s ║", pin))
	pterm.Println("╚══════════════════════════════════════════╝")
	pterm.Println()
	pterm.Println("Waiting for the client to connect...")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logging.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Errorf("metrics server: %v", err)
	}
}

func fail(format string, args ...interface{}) {
	logging.Errorf(format, args...)
	os.Exit(1)
}
