package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/BeeWell/internal/api"
	"github.com/BTreeMap/BeeWell/internal/chat"
	"github.com/BTreeMap/BeeWell/internal/gateway"
	"github.com/BTreeMap/BeeWell/internal/lockfile"
	"github.com/BTreeMap/BeeWell/internal/session"
	"github.com/BTreeMap/BeeWell/internal/store"
	"github.com/BTreeMap/BeeWell/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDirName is the directory created under the user config dir.
	DefaultStateDirName = "beewell"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "beewell.db"
)

// logLevel is raised to debug once flags are parsed.
var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *flags.debug {
		logLevel.Set(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("BeeWell failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config holds environment configuration
type Config struct {
	APIURL       string
	StateDir     string
	DBDSN        string
	APIAddr      string
	ProbeTimeout time.Duration
	Debug        bool
	Serve        bool
}

// Flags holds command line flag values
type Flags struct {
	apiURL       *string
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	probeTimeout *time.Duration
	wordWrap     *int
	debug        *bool
	serve        *bool
}

// initializeLogger sets up structured logging on stderr; stdout belongs to the chat.
func initializeLogger() {
	logLevel.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// defaultStateDir returns <user config dir>/beewell, or ./.beewell when the
// user config dir is unknown.
func defaultStateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "." + DefaultStateDirName
	}
	return filepath.Join(base, DefaultStateDirName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		APIURL:       util.GetEnvOr(gateway.DefaultBaseURL, "BEEWELL_API_URL"),
		StateDir:     util.GetEnvOr(defaultStateDir(), "BEEWELL_STATE_DIR"),
		DBDSN:        util.GetEnvOr("", "BEEWELL_DB_DSN", "DATABASE_URL"),
		APIAddr:      util.GetEnvOr(api.DefaultServerAddr, "BEEWELL_API_ADDR"),
		ProbeTimeout: util.ParseDurationEnv("BEEWELL_PROBE_TIMEOUT", session.DefaultProbeTimeout),
		Debug:        util.ParseBoolEnv("BEEWELL_DEBUG", false),
		Serve:        util.ParseBoolEnv("BEEWELL_SERVE", false),
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	slog.Debug("environment variables loaded",
		"BEEWELL_API_URL", config.APIURL,
		"BEEWELL_STATE_DIR", config.StateDir,
		"BEEWELL_DB_DSN_SET", config.DBDSN != "",
		"BEEWELL_API_ADDR", config.APIAddr,
		"BEEWELL_PROBE_TIMEOUT", config.ProbeTimeout,
		"BEEWELL_SERVE", config.Serve)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("BeeWell", flag.ContinueOnError)
	flags := Flags{
		apiURL:       fs.String("api-url", config.APIURL, "Bee backend base URL (overrides $BEEWELL_API_URL)"),
		stateDir:     fs.String("state-dir", config.StateDir, "state directory for BeeWell data (overrides $BEEWELL_STATE_DIR)"),
		dbDSN:        fs.String("db-dsn", config.DBDSN, "local store DSN: SQLite path, Postgres URL or \"memory\" (overrides $BEEWELL_DB_DSN or $DATABASE_URL)"),
		apiAddr:      fs.String("api-addr", config.APIAddr, "bridge API listen address (overrides $BEEWELL_API_ADDR)"),
		probeTimeout: fs.Duration("probe-timeout", config.ProbeTimeout, "timeout for the continuity probe after a restore (overrides $BEEWELL_PROBE_TIMEOUT)"),
		wordWrap:     fs.Int("wrap", 0, "terminal word wrap width (0 uses the default)"),
		debug:        fs.Bool("debug", config.Debug, "enable debug logging (overrides $BEEWELL_DEBUG)"),
		serve:        fs.Bool("serve", config.Serve, "run the bridge API instead of the terminal chat (overrides $BEEWELL_SERVE)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow -state-dir when the DSN is still the default SQLite path
	if *flags.dbDSN == config.DBDSN && config.DBDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"apiURL", *flags.apiURL,
		"stateDir", *flags.stateDir,
		"dbDSN_type", store.DetectDSNType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"probeTimeout", *flags.probeTimeout,
		"serve", *flags.serve)

	return flags, nil
}

// buildGatewayOptions constructs backend client options
func buildGatewayOptions(flags Flags) []gateway.Option {
	var opts []gateway.Option
	if *flags.apiURL != "" {
		opts = append(opts, gateway.WithBaseURL(*flags.apiURL))
	}
	if *flags.probeTimeout > 0 {
		opts = append(opts, gateway.WithProbeTimeout(*flags.probeTimeout))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

func run(ctx context.Context, flags Flags) error {
	mode := "chat"
	if *flags.serve {
		mode = "serve"
	}
	lock, err := lockfile.AcquireLock(*flags.stateDir, mode)
	if err != nil {
		return err
	}
	defer lock.Release()

	kv, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer kv.Close()
	records := store.NewRecords(kv)

	client, err := gateway.NewClient(buildGatewayOptions(flags)...)
	if err != nil {
		return err
	}

	manager := session.NewManager(records, session.WithContinuityChecker(client, *flags.probeTimeout))
	defer manager.Teardown()

	slog.Info("Bootstrapping BeeWell", "mode", mode, "backend", client.BaseURL(), "store", store.DetectDSNType(*flags.dbDSN))

	if *flags.serve {
		manager.RestoreSession()
		ctrl := chat.NewController(manager, client)
		return api.NewServer(ctrl, records, buildAPIOptions(flags)...).Run(ctx)
	}

	r := newREPL(records, os.Stdin, os.Stdout, *flags.wordWrap)
	r.ctrl = chat.NewController(manager, client, chat.WithObserver(r.onState))
	return r.run(ctx)
}
