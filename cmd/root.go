package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/forge"
	"github.com/joescharf/triage/internal/orchestrator"
	"github.com/joescharf/triage/internal/output"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
	"github.com/joescharf/triage/internal/telemetry"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	service   *orchestrator.Service

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Scope and fix GitHub issues with a remote coding agent",
	Long: `triage hands GitHub issues to a remote AI coding agent.

A scope session asks the agent for a summary, plan, risk level, effort
estimate and confidence. An execute session asks it to implement the fix
and open a pull request. Every session is polled to a terminal status and
recorded locally together with an audit trail of events.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/triage/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")
	_ = viper.BindPFlag("output.json", rootCmd.PersistentFlags().Lookup("json"))
}

// legacyEnv maps config keys to the unprefixed variable names still accepted.
var legacyEnv = map[string]string{
	"github.token":      "GITHUB_TOKEN",
	"devin.api_key":     "DEVIN_API_KEY",
	"devin.api_url":     "DEVIN_API_URL",
	"poll.interval":     "DEVIN_POLL_INTERVAL",
	"poll.timeout":      "DEVIN_POLL_TIMEOUT",
	"anthropic.api_key": "ANTHROPIC_API_KEY",
}

func initConfig() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TRIAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = viper.BindEnv(key, "TRIAGE_"+envKey(key), env)
	}

	dir, _ := configDirFunc()
	setDefaults(dir)

	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "triage.db"))
	viper.SetDefault("github.token", "")
	viper.SetDefault("github.api_url", forge.DefaultAPIURL)
	viper.SetDefault("agent.backend", "devin")
	viper.SetDefault("devin.api_key", "")
	viper.SetDefault("devin.api_url", agent.DefaultDevinURL)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", agent.DefaultClaudeModel)
	viper.SetDefault("poll.interval", sessions.DefaultPollInterval.String())
	viper.SetDefault("poll.timeout", sessions.DefaultTimeout.String())
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("telemetry.endpoint", "")
	viper.SetDefault("telemetry.insecure", false)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	slog.SetDefault(newLogger(os.Stderr))

	// Store and service are opened lazily, only by commands that need them.
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(w *os.File) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetString("log.format") == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// pollConfig reads poll.interval and poll.timeout. Bare numbers are seconds.
func pollConfig() (sessions.Config, error) {
	interval, err := durationSetting("poll.interval")
	if err != nil {
		return sessions.Config{}, err
	}
	timeout, err := durationSetting("poll.timeout")
	if err != nil {
		return sessions.Config{}, err
	}
	return sessions.Config{PollInterval: interval, Timeout: timeout}, nil
}

func durationSetting(key string) (time.Duration, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := time.ParseDuration(raw + "s")
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return secs, nil
}

var errAgentNotConfigured = errors.New("agent backend is not configured")

// newAgentClient picks the agent backend from agent.backend.
func newAgentClient() (agent.Client, error) {
	switch backend := viper.GetString("agent.backend"); backend {
	case "devin", "":
		key := viper.GetString("devin.api_key")
		if key == "" {
			return nil, fmt.Errorf("%w: devin.api_key is not set (export DEVIN_API_KEY or run 'triage config init')", errAgentNotConfigured)
		}
		return agent.NewDevinClient(viper.GetString("devin.api_url"), key), nil
	case "claude":
		key := viper.GetString("anthropic.api_key")
		if key == "" {
			return nil, fmt.Errorf("%w: anthropic.api_key is not set (export ANTHROPIC_API_KEY)", errAgentNotConfigured)
		}
		return agent.NewClaudeRunner(key, viper.GetString("anthropic.model")), nil
	default:
		return nil, fmt.Errorf("unknown agent.backend %q (want devin or claude)", backend)
	}
}

// getService wires store, forge, agent and state machine into the facade.
func getService() (*orchestrator.Service, error) {
	if service != nil {
		return service, nil
	}
	client, err := newAgentClient()
	if err != nil {
		return nil, err
	}
	return buildService(client)
}

// readService is getService for commands that only read local state; they
// work without agent credentials.
func readService() (*orchestrator.Service, error) {
	svc, err := getService()
	if !errors.Is(err, errAgentNotConfigured) {
		return svc, err
	}
	return buildService(offlineClient{cause: err})
}

func buildService(client agent.Client) (*orchestrator.Service, error) {
	st, err := getStore()
	if err != nil {
		return nil, err
	}
	cfg, err := pollConfig()
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	gh := forge.New(viper.GetString("github.api_url"), viper.GetString("github.token"))
	machine := sessions.NewMachine(st, client, cfg, logger)
	service = orchestrator.New(st, gh, client, machine, logger)
	return service, nil
}

// initTelemetry starts exporters when telemetry.endpoint is set.
func initTelemetry(ctx context.Context) (telemetry.Shutdown, error) {
	return telemetry.Init(ctx, telemetry.Config{
		Endpoint: viper.GetString("telemetry.endpoint"),
		Insecure: viper.GetBool("telemetry.insecure"),
		Version:  buildVersion,
	})
}

// offlineClient stands in for the agent when no credentials are configured.
type offlineClient struct{ cause error }

func (c offlineClient) CreateSession(context.Context, agent.CreateRequest) (*agent.Created, error) {
	return nil, c.cause
}

func (c offlineClient) FetchStatus(context.Context, string) (*agent.Status, error) {
	return nil, c.cause
}

func jsonOutput() bool {
	return viper.GetBool("output.json")
}
