package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gnana997/tokensync/pkg/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        Config
	logger     *slog.Logger

	// environ replaces the process environment in tests.
	environ map[string]string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var (
		logLevel     string
		logFormat    string
		cacheBackend string
		cachePath    string
	)

	root := &cobra.Command{
		Use:           "tokensync",
		Short:         "Design token coordinator: ingest, cache and fan out token updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			explicit := cmd.Flags().Changed("config")
			cfg, err := loadConfig(a.configPath, explicit, a.environ)
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if f.Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if f.Changed("cache-backend") {
				cfg.CacheBackend = cacheBackend
			}
			if f.Changed("cache-path") {
				cfg.CachePath = cachePath
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			a.cfg = cfg
			a.logger = util.NewLogger(cfg.loggerConfig())
			slog.SetDefault(a.logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultConfigPath, "config file")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "log format: json or text")
	pf.StringVar(&cacheBackend, "cache-backend", "", "cache backend: bolt, sqlite or memory")
	pf.StringVar(&cachePath, "cache-path", "", "cache database path")

	root.AddCommand(
		newServeCmd(a),
		newGetCmd(a),
		newClearCmd(a),
		newPushCmd(a),
		newSetupCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		// Skips config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tokensync %s\n", version)
		},
	}
}
