package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/valros/skinarb/internal/config"
)

const (
	appName = "skinarb"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// Human-readable output on a terminal, raw JSON when piped or under a
	// supervisor.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-market skin arbitrage monitor",
		Version: version,
		Long: `skinarb watches two skin marketplaces, matches listings across them by
hash name, and surfaces price gaps inside the configured profit window.

Run 'skinarb serve' to start the monitor: scheduled analyses, the HTTP
API, and the live SSE/websocket streams. The scan and reprocess
subcommands run a single analysis and exit, for cron jobs and scripting.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor daemon",
		Long:  "Starts the scheduler, the credential watchdog, and the HTTP API, and runs until interrupted.",
		RunE:  runServe,
	}
	addConfigFlags(serveCmd.Flags())
	serveCmd.Flags().String("host", "", "Bind address (overrides config)")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().String("jobs", "", "Scheduler job-overrides file (default <data-dir>/jobs.yaml)")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one analysis and exit",
	}

	scanFullCmd := &cobra.Command{
		Use:   "full",
		Short: "Crawl both platforms end to end and publish opportunities",
		RunE:  runScanFull,
	}

	scanIncrementalCmd := &cobra.Command{
		Use:   "incremental",
		Short: "Refresh recent listings against the cached name mapping",
		Long:  "Fetches the newest pages from platform A and reprices them through the hash-name cache built by the last full scan. Fails when no full scan has run yet.",
		RunE:  runScanIncremental,
	}

	for _, cmd := range []*cobra.Command{scanFullCmd, scanIncrementalCmd} {
		addConfigFlags(cmd.Flags())
		addOutputFlags(cmd.Flags())
	}

	scanCmd.AddCommand(scanFullCmd)
	scanCmd.AddCommand(scanIncrementalCmd)

	reprocessCmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-rank stored snapshots with current settings, no crawling",
		RunE:  runReprocess,
	}
	addConfigFlags(reprocessCmd.Flags())
	addOutputFlags(reprocessCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// addConfigFlags registers the flags shared by every subcommand that boots
// the monitor stack.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML config file")
	fs.String("data-dir", "", "Data directory (overrides config)")
	fs.String("log-level", "", "Log level: trace|debug|info|warn|error (overrides config)")
}

// addOutputFlags registers the output flags of the one-shot subcommands.
func addOutputFlags(fs *pflag.FlagSet) {
	fs.Bool("json", false, "Print the resulting opportunity list as JSON on stdout")
}

// loadConfig resolves the effective configuration: defaults, then the
// optional YAML file, then environment, then command-line flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

func applyLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}
