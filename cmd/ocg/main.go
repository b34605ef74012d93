package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencontrolgate/opencontrolgate/internal/bus"
	"github.com/opencontrolgate/opencontrolgate/internal/chain"
	"github.com/opencontrolgate/opencontrolgate/internal/config"
	"github.com/opencontrolgate/opencontrolgate/internal/escalation"
	"github.com/opencontrolgate/opencontrolgate/internal/governor"
	"github.com/opencontrolgate/opencontrolgate/internal/killswitch"
	"github.com/opencontrolgate/opencontrolgate/internal/ledger"
	"github.com/opencontrolgate/opencontrolgate/internal/pipeline"
	"github.com/opencontrolgate/opencontrolgate/internal/policy"
	"github.com/opencontrolgate/opencontrolgate/internal/server"
	"github.com/opencontrolgate/opencontrolgate/internal/session"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
	"github.com/opencontrolgate/opencontrolgate/internal/trace"
	"github.com/opencontrolgate/opencontrolgate/internal/verify"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ocg",
		Short: "Runtime governance gateway for autonomous AI agents",
		Long:  "OpenControlGate — every intended tool invocation is evaluated, audited,\nmetered and verified before and after the agent acts.",
	}

	var configFile string
	var port int
	var devMode bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the OpenControlGate gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: opencontrolgate.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "opencontrolgate.yaml"
			if err := config.GenerateDefault(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and kill switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(resolvePort(port))
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Gateway HTTP port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("OpenControlGate %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// Emergency stop for all agent actions; operates through the running
	// gateway so the state change is persisted and broadcast.
	var ksReason string
	killswitchCmd := &cobra.Command{
		Use:   "killswitch [engage|release|status]",
		Short: "Inspect or flip the global kill switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillSwitch(resolvePort(port), args[0], ksReason)
		},
	}
	killswitchCmd.Flags().StringVar(&ksReason, "reason", "cli", "Reason recorded with the state change")
	killswitchCmd.Flags().IntVarP(&port, "port", "p", 0, "Gateway HTTP port")

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, killswitchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	eventBus := bus.New(logger)
	defer eventBus.Close()

	ks, err := killswitch.New(st, logger)
	if err != nil {
		return err
	}

	registry, err := policy.NewRegistry(st, 0, logger)
	if err != nil {
		return fmt.Errorf("failed to create policy registry: %w", err)
	}
	registry.SetBasePolicies(policy.FromConfigs(cfg.Policies))
	policyAdmin := policy.NewAdmin(st, registry, logger)

	sessions := session.NewStore(st, cfg.Session.Window, cfg.Session.Limit, logger)
	chains := chain.NewAnalyzer(logger)
	evaluator := pipeline.NewEvaluator(ks, registry, sessions, chains, logger)

	drift := verify.NewDriftDetector(st, logger)
	verifier := verify.NewEngine(registry, drift, logger)

	feeLedger := ledger.New(st, cfg.Ledger.Enabled, logger)

	dispatcher := escalation.NewDispatcher(st, logger)
	escEngine := escalation.NewEngine(st, eventBus, ks, dispatcher, logger)
	if err := escEngine.SetConfig("*", escalation.Config{
		AutoKSEnabled:       cfg.Escalation.AutoKSEnabled,
		BlockThreshold:      cfg.Escalation.BlockThreshold,
		RiskThreshold:       cfg.Escalation.RiskThreshold,
		WindowSize:          cfg.Escalation.WindowSize,
		ReviewRiskThreshold: cfg.Escalation.ReviewRiskThreshold,
		NotifyAll:           cfg.Escalation.NotifyAll,
	}); err != nil {
		logger.Warn("failed to persist global escalation config", "error", err)
	}

	for _, ch := range cfg.Channels {
		if err := st.UpsertChannel(&store.Channel{
			ID:       ch.ID,
			Kind:     ch.Kind,
			Label:    ch.Label,
			Target:   ch.Target,
			Secret:   ch.Secret,
			Events:   ch.Events,
			IsActive: true,
		}); err != nil {
			logger.Warn("failed to register notification channel", "channel_id", ch.ID, "error", err)
		}
	}

	ingestor := trace.NewIngestor(st, logger)
	linker := trace.NewLinker(ingestor, logger)

	gov := governor.New(st, evaluator, verifier, feeLedger, escEngine, eventBus, linker, logger)
	srv := server.New(cfg.Server, st, gov, policyAdmin, feeLedger, ks, escEngine, ingestor, eventBus, logger)

	// Hot reload: re-seed base policies from the edited file.
	if configFile != "" {
		if err := cfgLoader.Watch(configFile, func(fresh *config.Config) {
			registry.SetBasePolicies(policy.FromConfigs(fresh.Policies))
		}); err != nil {
			logger.Warn("config hot reload unavailable", "error", err)
		} else {
			defer cfgLoader.StopWatch()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("OpenControlGate started",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Path,
		"ledger_enabled", cfg.Ledger.Enabled,
		"base_policies", len(cfg.Policies),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runStatus(port int) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/health", port))
	if err != nil {
		return fmt.Errorf("gateway not reachable on port %d: %w", port, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("bad health response: %w", err)
	}

	fmt.Printf("status:       %v\n", health["status"])
	fmt.Printf("kill switch:  %v\n", health["kill_switch"])
	fmt.Printf("subscribers:  %v\n", health["subscribers"])
	fmt.Printf("ws clients:   %v\n", health["ws_clients"])
	return nil
}

func runKillSwitch(port int, verb, reason string) error {
	switch verb {
	case "status":
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v1/killswitch", port))
		if err != nil {
			return fmt.Errorf("gateway not reachable: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		var status map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return err
		}
		fmt.Printf("engaged: %v\n", status["engaged"])
		if r, ok := status["reason"].(string); ok && r != "" {
			fmt.Printf("reason:  %s\n", r)
		}
		return nil

	case "engage", "release":
		body, _ := json.Marshal(map[string]interface{}{
			"engaged": verb == "engage",
			"reason":  reason,
		})
		resp, err := http.Post(fmt.Sprintf("http://localhost:%d/v1/killswitch", port),
			"application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gateway not reachable: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("kill switch request returned %d", resp.StatusCode)
		}
		if verb == "engage" {
			fmt.Println("KILL SWITCH ENGAGED — all agent actions blocked")
		} else {
			fmt.Println("kill switch released")
		}
		return nil

	default:
		return fmt.Errorf("unknown subcommand %q (want engage, release or status)", verb)
	}
}

func resolvePort(flag int) int {
	if flag > 0 {
		return flag
	}
	return config.DefaultConfig().Server.Port
}

func findConfigFile() string {
	candidates := []string{
		"opencontrolgate.yaml",
		"opencontrolgate.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "opencontrolgate", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
