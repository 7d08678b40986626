package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-plugbot/internal/audit"
	"github.com/basket/go-plugbot/internal/bot"
	"github.com/basket/go-plugbot/internal/channels"
	"github.com/basket/go-plugbot/internal/config"
	otelPkg "github.com/basket/go-plugbot/internal/otel"
	"github.com/basket/go-plugbot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

RUN:
  %s [flags]                  Load plugins and serve the enabled channels
  %s -console                 Also read messages from stdin, one per line
                              ("#<group> text" sends a group message)

SUBCOMMANDS:
  %s plugins [--dir <path>]   List registered handlers in dispatch order
  %s check [file...]          Load plugin files and report their handlers
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PLUGBOT_HOME            Data directory (default: ~/.plugbot)
  PLUGBOT_TELEGRAM_TOKEN  Telegram bot token
  PLUGBOT_OWNER_IDS       Comma-separated owner ids
`)
}

func main() {
	loadDotEnv(".env")

	console := flag.Bool("console", false, "read messages from stdin and print replies")
	consoleUser := flag.String("user", "console", "user id for console messages")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "plugins":
			os.Exit(runPluginsCommand(ctx, args[1:], os.Stdout))
		case "check":
			os.Exit(runCheckCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "run":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(run(ctx, *console, *consoleUser))
}

func run(ctx context.Context, console bool, consoleUser string) int {
	// Quiet logs (file-only) when the console owns the terminal.
	quietLogs := console && isatty.IsTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	b, err := bot.New(bot.Options{Config: cfg, Logger: logger, Telemetry: otelProvider})
	if err != nil {
		fatalStartup(logger, "E_BOT_INIT", err)
	}
	if err := b.Start(ctx); err != nil {
		fatalStartup(logger, "E_BOT_START", err)
	}

	var chans []channels.Channel
	if cfg.Channels.Telegram.Enabled {
		chans = append(chans, channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, b, logger))
	}
	if console {
		chans = append(chans, channels.NewConsoleChannel(os.Stdin, os.Stdout, consoleUser, b, logger))
	}
	if len(chans) == 0 {
		logger.Warn("no channels enabled; waiting for signal")
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch channels.Channel) {
			defer wg.Done()
			if err := ch.Start(runCtx); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
			// Console input ending stops the process.
			if ch.Name() == "console" {
				cancel()
			}
		}(ch)
	}

	<-runCtx.Done()
	cancel()
	wg.Wait()

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), drainTimeout)
	defer done()
	if err := b.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.TrimSpace(val))
	}
}

// starterConfig is written on first run.
type starterConfig struct {
	LogLevel            string   `yaml:"log_level"`
	OwnerIDs            []string `yaml:"owner_ids"`
	MaintenanceMode     bool     `yaml:"maintenance_mode"`
	SendDefaultResponse bool     `yaml:"send_default_response"`
	Plugins             struct {
		Dirs  []string `yaml:"dirs"`
		Watch bool     `yaml:"watch"`
	} `yaml:"plugins"`
}

// writeMinimalConfig writes a starter config.yaml and an empty plugin dir.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(filepath.Join(homeDir, "plugins"), 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	var cfg starterConfig
	cfg.LogLevel = "info"
	cfg.OwnerIDs = []string{}
	cfg.Plugins.Dirs = []string{"plugins"}
	cfg.Plugins.Watch = true

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := config.ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return errors.New("config.yaml already exists")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
