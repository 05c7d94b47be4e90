// TalonWatch: fleet health telemetry from probes, through a relay, to terminal dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/talonwatch/internal/config"
	"github.com/vesaa/talonwatch/internal/dashboard"
	"github.com/vesaa/talonwatch/internal/logger"
	"github.com/vesaa/talonwatch/internal/probe"
	"github.com/vesaa/talonwatch/internal/relay"
	"github.com/vesaa/talonwatch/internal/retry"
)

const asciiLogo = `
 ▀█▀ ▄▀█ █   █▀█ █▄ █ █ █ █ ▄▀█ ▀█▀ █▀▀ █ █
  █  █▀█ █▄▄ █▄█ █ ▀█ ▀▄▀▄▀ █▀█  █  █▄▄ █▀█
`

const version = "v0.2.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo)
	fmt.Printf("  ► TalonWatch %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "talonwatch",
		Short: "TalonWatch: near-real-time fleet health telemetry",
		Long: `TalonWatch ships one binary with three roles: a probe on every monitored
host, a relay that fans records out and issues dashboard tokens, and a terminal
dashboard that derives Healthy / Degraded / Offline and raises alerts.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(relayCmd(), probeCmd(), dashboardCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── relay subcommand ──────────────────────────────────────────────────────────

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the relay hub (websocket fan-out + login API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("RELAY")

			cfg, log, closeLog, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.RelayPort = port
			}
			if noAuth, _ := cmd.Flags().GetBool("no-dashboard-auth"); noAuth {
				cfg.DashboardAuth = false
			}

			users, err := relay.OpenUserStore(cfg.DBPath, log)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer users.Close()
			if _, err := users.UpsertUser(cfg.AdminUser, cfg.AdminPass); err != nil {
				return fmt.Errorf("seeding admin user: %w", err)
			}

			addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.RelayPort)
			server := relay.NewServer(relay.Options{
				Addr:            addr,
				MaxMessageBytes: cfg.MaxMessageBytes,
				SendBuffer:      cfg.SendBuffer,
				DashboardAuth:   cfg.DashboardAuth,
			}, relay.NewHub(log), relay.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL), users, log)

			fmt.Printf("  ✓ Telemetry channel → ws://%s/ws\n", addr)
			fmt.Printf("  ✓ Login API         → http://%s/api/login\n", addr)
			fmt.Printf("  ✓ Dashboard auth:   %v\n\n", cfg.DashboardAuth)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = server.Run(ctx)
			fmt.Println("\n  → Relay stopped.")
			return err
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (overrides relay_port)")
	cmd.Flags().Bool("no-dashboard-auth", false, "Accept join-as-dashboard without a token")
	return cmd
}

// ── probe subcommand ──────────────────────────────────────────────────────────

func probeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Sample this host and publish metrics to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("PROBE")

			cfg, log, closeLog, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			if addr, _ := cmd.Flags().GetString("relay"); addr != "" {
				cfg.RelayURL = relayWSURL(addr)
			}
			if h, _ := cmd.Flags().GetString("hostname"); h != "" {
				cfg.ProbeHostname = h
			}
			if cmd.Flags().Changed("interval") {
				cfg.ProbeInterval, _ = cmd.Flags().GetDuration("interval")
			}
			if cmd.Flags().Changed("services") {
				cfg.ProbeServices, _ = cmd.Flags().GetStringSlice("services")
			}
			simulate, _ := cmd.Flags().GetBool("simulate")

			var (
				samplers []probe.Sampler
				announce string
			)
			if simulate {
				seed, _ := cmd.Flags().GetInt64("seed")
				samplers = probe.SimulatedFleet(seed)
				announce = "simulated-fleet"
			} else {
				collector := probe.NewCollector(probe.CollectorOptions{
					Hostname: cfg.ProbeHostname,
					Services: cfg.ProbeServices,
				}, log)
				samplers = []probe.Sampler{collector}
				announce = collector.Hostname()
			}

			fmt.Printf("  ✓ Relay:    %s\n", cfg.RelayURL)
			fmt.Printf("  ✓ Hostname: %s\n", announce)
			fmt.Printf("  ✓ Interval: %s\n", cfg.ProbeInterval)
			fmt.Printf("  ✓ Services: %s\n\n", strings.Join(cfg.ProbeServices, ", "))

			publisher := probe.NewWSPublisher(cfg.RelayURL, announce, retry.NewBackoff(cfg.ReconnectMin, cfg.ReconnectMax), log)
			runner := probe.NewRunner(publisher, cfg.ProbeInterval, log, samplers...)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runner.Run(ctx)
		},
	}
	cmd.Flags().String("relay", "", "Relay address: host, host:port or ws://host:port/ws")
	cmd.Flags().String("hostname", "", "Identity reported for this host (default: OS hostname)")
	cmd.Flags().Duration("interval", 0, "Sampling interval (overrides probe_interval)")
	cmd.Flags().StringSlice("services", nil, "Services to watch, e.g. nginx,inkacore=/opt/inka/core.pid")
	cmd.Flags().Bool("simulate", false, "Publish a simulated demo fleet instead of this host")
	cmd.Flags().Int64("seed", 1, "Random seed for --simulate")
	return cmd
}

// ── dashboard subcommand ──────────────────────────────────────────────────────

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Watch the fleet: liveness, criticality and alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			if addr, _ := cmd.Flags().GetString("relay"); addr != "" {
				cfg.RelayHTTP = relayHTTPURL(addr)
			}
			if u, _ := cmd.Flags().GetString("user"); u != "" {
				cfg.DashboardUser = u
			}
			if p, _ := cmd.Flags().GetString("password"); p != "" {
				cfg.DashboardPass = p
			}
			if o, _ := cmd.Flags().GetString("output"); o != "" {
				cfg.Output = o
			}
			if cmd.Flags().Changed("mute") {
				cfg.Mute, _ = cmd.Flags().GetStringSlice("mute")
			}
			noBell, _ := cmd.Flags().GetBool("no-bell")

			if cfg.Output == "" || cfg.Output == "text" {
				printBanner("DASHBOARD")
			}

			presenter, err := dashboard.NewPresenter(cfg.Output, os.Stdout, !noBell)
			if err != nil {
				return err
			}
			client, err := dashboard.NewRelayClient(dashboard.ClientOptions{
				RelayHTTP:    cfg.RelayHTTP,
				Username:     cfg.DashboardUser,
				Password:     cfg.DashboardPass,
				ReconnectMin: cfg.ReconnectMin,
				ReconnectMax: cfg.ReconnectMax,
			}, log)
			if err != nil {
				return err
			}
			engine := dashboard.NewEngine(dashboard.Thresholds{
				OfflineAfter: cfg.OfflineAfter,
				Resource:     cfg.ResourceThreshold,
				Disk:         cfg.DiskThreshold,
			})
			monitor := dashboard.NewMonitor(dashboard.NewStore(), engine, presenter, dashboard.MonitorOptions{
				Tick:       cfg.Tick,
				EvictAfter: cfg.EvictAfter,
				Mute:       cfg.Mute,
			}, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			frames := make(chan []byte, cfg.SendBuffer)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return client.Stream(gctx, frames) })
			g.Go(func() error { return monitor.Run(gctx, frames) })
			return g.Wait()
		},
	}
	cmd.Flags().String("relay", "", "Relay address: host, host:port or http://host:port")
	cmd.Flags().String("user", "", "Login user (overrides dashboard_user)")
	cmd.Flags().String("password", "", "Login password (overrides dashboard_pass)")
	cmd.Flags().StringP("output", "o", "", "Output format: text, json or yaml")
	cmd.Flags().StringSlice("mute", nil, "Hosts whose alerts stay silent")
	cmd.Flags().Bool("no-bell", false, "Never ring the terminal bell")
	return cmd
}

// ── version subcommand ────────────────────────────────────────────────────────

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print TalonWatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TalonWatch %s\n", version)
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// bootstrap loads config and builds the logger. The returned func flushes and
// closes the log sinks.
func bootstrap(cmd *cobra.Command) (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	var (
		fileSink *logger.ReopenableWriteSyncer
		sink     zapcore.WriteSyncer
	)
	if cfg.LogFile != "" {
		fileSink, err = logger.NewReopenableWriteSyncer(cfg.LogFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		sink = fileSink
	}
	log := logger.NewLogger(cfg.LogLevel, sink).With(zap.String("role", cmd.Name()))

	stopReload := func() {}
	if fileSink != nil {
		stopReload = reopenOnHangup(fileSink, log)
	}
	return cfg, log, func() {
		stopReload()
		_ = log.Sync()
		if fileSink != nil {
			_ = fileSink.Close()
		}
	}, nil
}

// reopenOnHangup reopens the log file on SIGHUP so logrotate can move it.
func reopenOnHangup(ws *logger.ReopenableWriteSyncer, log *zap.Logger) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-hup:
				if err := ws.Reload(); err != nil {
					log.Error("reopening log file", zap.Error(err))
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// relayWSURL turns "host", "host:port" or a full URL into the probe's websocket URL.
func relayWSURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if !containsPort(addr) {
		addr += ":3000"
	}
	return "ws://" + addr + "/ws"
}

// relayHTTPURL turns "host", "host:port" or a full URL into the relay's HTTP base.
func relayHTTPURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if !containsPort(addr) {
		addr += ":3000"
	}
	return "http://" + addr
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
