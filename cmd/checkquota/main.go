package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelaboratoryltd/checkquota/pkg/api"
	"github.com/codelaboratoryltd/checkquota/pkg/arpd"
	"github.com/codelaboratoryltd/checkquota/pkg/checkquota"
	"github.com/codelaboratoryltd/checkquota/pkg/directory"
	"github.com/codelaboratoryltd/checkquota/pkg/flows"
	"github.com/codelaboratoryltd/checkquota/pkg/metrics"
	"github.com/codelaboratoryltd/checkquota/pkg/tables"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "checkquota",
	Short: "Subscriber quota-check traffic redirection",
	Long: `checkquota - redirects subscriber HTTP traffic to a quota-check backend.

Each subscriber gets a virtual address; traffic to the well-known
quota-check address is rewritten towards the has-quota or no-quota backend
on the bridge, and replies are rewritten back by learned rules.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the check-quota controller",
	RunE:  runCheckQuota,
}

var previewCmd = &cobra.Command{
	Use:   "preview IMSI",
	Short: "Print the rules installed for one subscriber",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var (
	configFile string
	logLevel   string

	bridgeName       string
	bridgeMAC        string
	bridgeIP         string
	quotaCheckIP     string
	hasQuotaPort     uint16
	noQuotaPort      uint16
	fakeIPNetwork    string
	cleanRestart     bool
	macRetries       int
	macRetryInterval time.Duration

	directoryURL string
	switchKind   string
	ofctlPath    string
	apiAddr      string
	metricsAddr  string

	previewHasQuota bool
)

func init() {
	addControllerFlags(runCmd)
	addControllerFlags(previewCmd)

	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/checkquota/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&directoryURL, "directory-url", "",
		"Subscriber directory base URL (empty serves an in-memory directory on the API)")
	runCmd.Flags().StringVar(&switchKind, "switch", "ofctl",
		"Switch backend (ofctl, memory)")
	runCmd.Flags().StringVar(&ofctlPath, "ofctl-path", "ovs-ofctl",
		"Path to the ovs-ofctl binary")
	runCmd.Flags().StringVar(&apiAddr, "api-addr", ":8090",
		"Control API listen address")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")

	previewCmd.Flags().BoolVar(&previewHasQuota, "has-quota", false,
		"Preview the rules of a subscriber with quota")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(previewCmd)
}

func addControllerFlags(cmd *cobra.Command) {
	defaults := checkquota.DefaultConfig()

	cmd.Flags().StringVar(&bridgeName, "bridge-name", defaults.BridgeName,
		"Switch bridge interface")
	cmd.Flags().StringVar(&bridgeMAC, "bridge-mac", "",
		"Bridge MAC address (defaults to the bridge interface address)")
	cmd.Flags().StringVar(&bridgeIP, "bridge-ip", defaults.BridgeIP.String(),
		"Address of the bridge local port")
	cmd.Flags().StringVar(&quotaCheckIP, "quota-check-ip", defaults.QuotaCheckIP.String(),
		"Well-known quota-check address")
	cmd.Flags().Uint16Var(&hasQuotaPort, "has-quota-port", defaults.HasQuotaPort,
		"Backend port for subscribers with quota")
	cmd.Flags().Uint16Var(&noQuotaPort, "no-quota-port", defaults.NoQuotaPort,
		"Backend port for subscribers without quota")
	cmd.Flags().StringVar(&fakeIPNetwork, "fake-ip-network", defaults.FakeIPNetwork.String(),
		"Network virtual subscriber addresses are drawn from (CIDR)")
	cmd.Flags().BoolVar(&cleanRestart, "clean-restart", defaults.CleanRestart,
		"Drop subscribers missing from the setup snapshot")
	cmd.Flags().IntVar(&macRetries, "mac-retries", defaults.MACRetries,
		"Directory lookups per MAC resolution")
	cmd.Flags().DurationVar(&macRetryInterval, "mac-retry-interval", defaults.MACRetryInterval,
		"Pause between MAC lookups")
}

// buildConfig turns the flag values into a controller configuration.
func buildConfig() (checkquota.Config, error) {
	config := checkquota.DefaultConfig()
	config.BridgeName = bridgeName
	config.HasQuotaPort = hasQuotaPort
	config.NoQuotaPort = noQuotaPort
	config.CleanRestart = cleanRestart
	config.MACRetries = macRetries
	config.MACRetryInterval = macRetryInterval

	var err error
	if config.BridgeIP, err = netip.ParseAddr(bridgeIP); err != nil {
		return config, fmt.Errorf("invalid bridge-ip: %w", err)
	}
	if config.QuotaCheckIP, err = netip.ParseAddr(quotaCheckIP); err != nil {
		return config, fmt.Errorf("invalid quota-check-ip: %w", err)
	}
	if config.FakeIPNetwork, err = netip.ParsePrefix(fakeIPNetwork); err != nil {
		return config, fmt.Errorf("invalid fake-ip-network: %w", err)
	}
	if bridgeMAC != "" {
		if config.BridgeMAC, err = net.ParseMAC(bridgeMAC); err != nil {
			return config, fmt.Errorf("invalid bridge-mac: %w", err)
		}
	}
	return config, nil
}

func runCheckQuota(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting check-quota",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("bridge", bridgeName),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	config, err := buildConfig()
	if err != nil {
		return err
	}

	registry, err := tables.NewRegistry(tables.DefaultApps...)
	if err != nil {
		return fmt.Errorf("failed to create table registry: %w", err)
	}
	for _, app := range registry.Apps() {
		table, _ := registry.TableNum(app)
		logger.Debug("Pipeline table", zap.String("app", app), zap.Uint8("table", uint8(table)))
	}

	var (
		sw     flows.Switch
		memory *flows.MemorySwitch
	)
	switch switchKind {
	case "ofctl":
		ofctlConfig := flows.DefaultOfctlConfig()
		ofctlConfig.Path = ofctlPath
		sw = flows.NewOfctlSwitch(ofctlConfig, logger)
	case "memory":
		memory = flows.NewMemorySwitch()
		sw = memory
	default:
		return fmt.Errorf("unknown switch backend: %s", switchKind)
	}

	mux := http.NewServeMux()

	var dir checkquota.Directory
	if directoryURL != "" {
		dir = directory.NewHTTPClient(directoryURL)
		logger.Info("Using subscriber directory", zap.String("url", directoryURL))
	} else {
		store := directory.NewMemoryStore()
		store.RegisterHandlers(mux)
		dir = store
		logger.Info("Serving in-memory subscriber directory", zap.String("addr", apiAddr))
	}

	ctrl, err := checkquota.NewController(config, registry, sw, dir, logger)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	m := metrics.New()
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	ctrl.SetMetrics(m)

	arpTable, err := registry.TableNum(tables.AppARPD)
	if err != nil {
		return fmt.Errorf("arpd table: %w", err)
	}
	ctrl.RegisterARPResponder(arpd.NewResponder(sw, arpTable, logger))

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	dp := flows.NewDatapath(config.BridgeName)
	ctrl.SwitchConnected(dp)
	defer ctrl.SwitchDisconnected(dp)

	if res := ctrl.Setup(ctx, checkquota.SetupRequest{}); res != checkquota.SetupSuccess {
		logger.Warn("Initial setup failed, waiting for setup request")
	}

	server := api.NewServer(ctrl, logger)
	if memory != nil {
		server.SetFlowDumper(memory)
	}
	server.RegisterHandlers(mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())

	g, gctx := errgroup.WithContext(ctx)
	serve(g, gctx, &http.Server{Addr: apiAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}, "API", logger)
	serve(g, gctx, &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}, "Metrics", logger)

	logger.Info("Check-quota started",
		zap.String("api", apiAddr),
		zap.String("metrics", metricsAddr),
		zap.String("datapath", dp.ID),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Check-quota stopped")
	return nil
}

// serve runs srv in g until ctx is done, then shuts it down.
func serve(g *errgroup.Group, ctx context.Context, srv *http.Server, name string, logger *zap.Logger) {
	g.Go(func() error {
		logger.Info("Starting "+name+" server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop "+name+" server", zap.Error(err))
		}
		return nil
	})
}

func runPreview(cmd *cobra.Command, args []string) error {
	config, err := buildConfig()
	if err != nil {
		return err
	}
	if config.BridgeMAC == nil {
		// Previews must not depend on a local bridge.
		config.BridgeMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}

	registry, err := tables.NewRegistry(tables.DefaultApps...)
	if err != nil {
		return err
	}

	sw := flows.NewMemorySwitch()
	ctrl, err := checkquota.NewController(config, registry, sw, directory.NewMemoryStore(), zap.NewNop())
	if err != nil {
		return err
	}

	ctrl.SwitchConnected(flows.NewDatapath(config.BridgeName))

	updateType := checkquota.UpdateNoQuota
	if previewHasQuota {
		updateType = checkquota.UpdateValidQuota
	}
	ctrl.ApplyQuotaUpdates([]checkquota.QuotaUpdate{{IMSI: args[0], Type: updateType}})

	subs := ctrl.Subscribers()
	if len(subs) == 0 {
		return fmt.Errorf("no rules produced for %q", args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s fake_ip=%s has_quota=%t\n", subs[0].IMSI, subs[0].FakeIP, subs[0].HasQuota)
	for _, rule := range sw.Dump() {
		fmt.Fprintln(out, rule.String())
	}
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}
