// gecd - greplin-exception-catcher reporting daemon
//
// gecd queues error reports from local processes and ships them to a
// collection server. It can run once (report, upload) or as a daemon that
// syncs on a schedule, watches a spool directory and persists whatever it
// could not deliver across restarts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Cue/greplin-exception-catcher/pkg/config"
	"github.com/Cue/greplin-exception-catcher/pkg/logger"
	"github.com/Cue/greplin-exception-catcher/pkg/report"
	"github.com/Cue/greplin-exception-catcher/pkg/spill"
	"github.com/Cue/greplin-exception-catcher/pkg/spool"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type cliConfig struct {
	command      string
	args         []string
	configPath   string
	configOutput string
	logLevel     string
	verbose      bool
	version      bool
	help         bool
	force        bool

	// init
	secret string

	// report
	message     string
	errType     string
	description string

	// upload
	spoolDir string
}

func main() {
	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printHelp(os.Stdout)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(cliCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cliCfg cliConfig) error {
	if cliCfg.version || cliCfg.command == "version" {
		printVersion(os.Stdout)
		return nil
	}
	if cliCfg.help || cliCfg.command == "help" {
		printHelp(os.Stdout)
		return nil
	}

	switch cliCfg.command {
	case "init":
		return runInitCommand(cliCfg)
	case "validate":
		return runValidateCommand(cliCfg, os.Stdout)
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	log, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cliCfg.command {
	case "report":
		return runReportCommand(ctx, cliCfg, cfg, log)
	case "upload":
		return runUploadCommand(ctx, cliCfg, cfg, log)
	case "run", "":
		return runDaemon(ctx, cfg, log)
	default:
		return fmt.Errorf("unknown command %q (see 'gecd help')", cliCfg.command)
	}
}

// parseFlags accepts flags both before and after the command name
func parseFlags(args []string) (cliConfig, error) {
	cfg := cliConfig{}

	fs := flag.NewFlagSet("gecd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&cfg.configOutput, "config-output", "", "Output path for the init command")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.verbose, "v", false, "Verbose logging (sets log level to debug)")
	fs.BoolVar(&cfg.version, "version", false, "Print version and exit")
	fs.BoolVar(&cfg.help, "help", false, "Show help message")
	fs.BoolVar(&cfg.force, "force", false, "Overwrite an existing file (init)")
	fs.StringVar(&cfg.secret, "secret", "", "Collector secret to write (init); prompts when omitted on a terminal")
	fs.StringVar(&cfg.message, "message", "", "Message to report (report)")
	fs.StringVar(&cfg.errType, "type", "gecd.Manual", "Error type to report (report)")
	fs.StringVar(&cfg.description, "description", "", "Error description (report)")
	fs.StringVar(&cfg.spoolDir, "dir", "", "Spool directory (upload, overrides config)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	rest := fs.Args()
	if len(rest) > 0 {
		cfg.command = rest[0]
		if err := fs.Parse(rest[1:]); err != nil {
			return cfg, err
		}
		if len(fs.Args()) > 0 {
			cfg.args = fs.Args()
		}
	}

	if cfg.verbose {
		cfg.logLevel = "debug"
	}
	return cfg, nil
}

func loadConfig(cliCfg cliConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		return nil, err
	}
	if cliCfg.logLevel != "" {
		cfg.Logging.Level = cliCfg.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogging builds the process logger; subsystems get their own
// component through WithComponent
func setupLogging(cfg *config.Config) (*logger.Logger, error) {
	lcfg := cfg.ToLoggerConfig()
	lcfg.Version = version
	return logger.Initialize(lcfg)
}

// runInitCommand writes an example configuration file
func runInitCommand(cliCfg cliConfig) error {
	outputPath := cliCfg.configOutput
	if outputPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine home directory: %w", err)
		}
		outputPath = filepath.Join(homeDir, ".gec", "config.toml")
	}

	if _, err := os.Stat(outputPath); err == nil && !cliCfg.force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", outputPath)
	}

	secret := cliCfg.secret
	if secret == "" {
		s, err := promptSecret(os.Stdin, os.Stderr)
		if err != nil {
			return err
		}
		secret = s
	}

	if err := config.GenerateExampleConfig(outputPath, secret); err != nil {
		return fmt.Errorf("failed to generate example config: %w", err)
	}

	fmt.Printf("✓ Example configuration written to: %s\n", outputPath)
	fmt.Println("✓ Set reporter.server_address and reporter.project, then run: gecd validate")
	return nil
}

// promptSecret reads the collector secret without echo when stdin is a terminal
func promptSecret(in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(out, "Collector secret (leave empty to fill in later): ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// runValidateCommand validates the configuration
func runValidateCommand(cliCfg cliConfig, out io.Writer) error {
	cfg, err := config.Load(cliCfg.configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	server := cfg.Reporter.ServerAddress
	if server == "" {
		server = "(not set, syncs will fail)"
	}
	fmt.Fprintln(out, "✓ Configuration is valid!")
	fmt.Fprintf(out, "  Server:     %s\n", server)
	fmt.Fprintf(out, "  Project:    %s\n", cfg.Reporter.Project)
	fmt.Fprintf(out, "  Item limit: %d\n", cfg.Reporter.ItemLimit)
	fmt.Fprintf(out, "  Schedule:   %s\n", cfg.Sync.Schedule)
	fmt.Fprintf(out, "  Spool:      %v\n", cfg.Spool.Enabled)
	fmt.Fprintf(out, "  Spill:      %v\n", cfg.Spill.Enabled)
	fmt.Fprintf(out, "  Metrics:    %v\n", cfg.Metrics.Enabled)
	return nil
}

// runReportCommand captures one record and syncs it straight away. What
// cannot be delivered goes to the spill store when one is configured.
func runReportCommand(ctx context.Context, cliCfg cliConfig, cfg *config.Config, log *logger.Logger) error {
	message := cliCfg.message
	if message == "" && len(cliCfg.args) > 0 {
		message = strings.Join(cliCfg.args, " ")
	}
	if message == "" {
		return fmt.Errorf("report needs -message")
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	rep := report.New(cfg.ToReporterConfig(), report.WithLogger(log.WithComponent("reporter").Logger))
	rep.SetItemLimit(max(cfg.Reporter.ItemLimit, 1))

	meta := map[string]string{}
	if cliCfg.description != "" {
		meta[report.MetaDescription] = cliCfg.description
	}
	rep.Enqueue(report.NewRecord(cliCfg.errType, message, time.Now(), meta))

	res, err := rep.Sync(ctx)
	if err != nil {
		if serr := spillRecords(ctx, cfg, rep.Pending(), log.WithComponent("spill").Logger); serr != nil {
			log.ErrorEvent(ctx, "failed to spill undelivered record", serr)
		}
		return fmt.Errorf("report not delivered: %w", err)
	}

	fmt.Printf("✓ Reported %d record(s) to %s\n", res.Sent, cfg.Reporter.ServerAddress)
	return nil
}

// runUploadCommand drains the spool directory once, syncing as it goes.
// Ingested files stay claimed until the sync carrying their records succeeds;
// on failure they are returned to the spool for the next run.
func runUploadCommand(ctx context.Context, cliCfg cliConfig, cfg *config.Config, log *logger.Logger) error {
	dir := cliCfg.spoolDir
	if dir == "" {
		dir = cfg.Spool.Dir
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	rep := report.New(cfg.ToReporterConfig(), report.WithLogger(log.WithComponent("reporter").Logger))
	rep.SetItemLimit(max(cfg.Reporter.ItemLimit, 1))

	scanner, err := spool.NewScanner(rep, spool.Config{
		Dir:         dir,
		Hold:        true,
		Project:     cfg.Reporter.Project,
		Environment: cfg.Reporter.Environment,
		Logger:      log.WithComponent("spool").Logger,
	})
	if err != nil {
		return err
	}
	defer scanner.Release()

	var total spool.ScanResult
	sent := 0
	for {
		scan, err := scanner.Scan(ctx)
		if err != nil {
			return err
		}
		total.Ingested += scan.Ingested
		total.Rejected += scan.Rejected

		res, err := rep.Sync(ctx)
		if err != nil {
			returned := scanner.Release()
			return fmt.Errorf("upload stopped after %d record(s), %d file(s) left in spool: %w", sent, returned, err)
		}
		sent += res.Sent
		scanner.Settle(rep.Pending())

		if scan.Deferred == 0 {
			break
		}
	}

	fmt.Printf("✓ Uploaded %d record(s) from %s (%d rejected)\n", sent, dir, total.Rejected)
	return nil
}

// spillRecords saves records to the spill store if it is enabled
func spillRecords(ctx context.Context, cfg *config.Config, records []report.Record, log *slog.Logger) error {
	if !cfg.Spill.Enabled || len(records) == 0 {
		return nil
	}
	store, err := spill.Open(cfg.ToSpillConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(context.WithoutCancel(ctx), records); err != nil {
		return err
	}
	log.Info("spilled undelivered records", "records", len(records), "path", store.Path())
	return nil
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "gecd v%s\n", version)
	fmt.Fprintf(w, "Build time: %s\n", buildTime)
}

func printHelp(w io.Writer) {
	helpText := `USAGE:
    gecd [command] [flags]

COMMANDS:
    init        Write an example configuration file
    validate    Validate configuration
    report      Report one error and sync it immediately
    upload      Ingest the spool directory once and sync it
    run         Run the reporting daemon (default)
    version     Show version information
    help        Show this help message

EXAMPLES:
    gecd init -config-output /etc/gec/config.toml
    gecd validate -config /etc/gec/config.toml
    gecd report -message "nightly export failed" -type export.Timeout
    gecd upload -dir /var/spool/gec
    gecd run -v

FLAGS:
    -config string         Path to configuration file (default: ~/.gec/config.toml)
    -log-level string      debug, info, warn or error
    -v                     Enable verbose (debug) logging
    -help                  Show this help message
    -version               Show version information

ENVIRONMENT VARIABLES:
    GEC_SERVER, GEC_SECRET, GEC_PROJECT, GEC_ENVIRONMENT, GEC_ITEM_LIMIT,
    GEC_SPOOL_DIR, GEC_SPILL_PATH, GEC_METRICS_ADDR, GEC_LOG_LEVEL
`
	fmt.Fprint(w, helpText)
}
