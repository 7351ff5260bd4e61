package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "triage"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage triage configuration.

Values come from flags, TRIAGE_* environment variables (plus GITHUB_TOKEN,
DEVIN_API_KEY and the other legacy names), the config file and built-in
defaults, in that order. Bare 'triage config' runs 'triage config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file from the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective settings and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configKey describes one setting. Secrets are masked by show and never
// written by init.
type configKey struct {
	Key    string
	EnvVar string
	Doc    string
	Secret bool
}

var configKeys = []configKey{
	{Key: "state_dir", EnvVar: "TRIAGE_STATE_DIR", Doc: "Directory for the PID and log files"},
	{Key: "db_path", EnvVar: "TRIAGE_DB_PATH", Doc: "SQLite database"},
	{Key: "github.api_url", EnvVar: "TRIAGE_GITHUB_API_URL", Doc: "GitHub REST endpoint"},
	{Key: "github.token", EnvVar: "GITHUB_TOKEN", Secret: true},
	{Key: "agent.backend", EnvVar: "TRIAGE_AGENT_BACKEND", Doc: "devin or claude"},
	{Key: "devin.api_url", EnvVar: "DEVIN_API_URL", Doc: "Devin API base URL; the key is read from DEVIN_API_KEY"},
	{Key: "devin.api_key", EnvVar: "DEVIN_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "TRIAGE_ANTHROPIC_MODEL", Doc: "Model for the claude backend; the key is read from ANTHROPIC_API_KEY"},
	{Key: "anthropic.api_key", EnvVar: "ANTHROPIC_API_KEY", Secret: true},
	{Key: "poll.interval", EnvVar: "DEVIN_POLL_INTERVAL", Doc: "Delay between status fetches (bare numbers are seconds)"},
	{Key: "poll.timeout", EnvVar: "DEVIN_POLL_TIMEOUT", Doc: "Session deadline, counted from creation"},
	{Key: "server.host", EnvVar: "TRIAGE_SERVER_HOST", Doc: "Bind address for triage serve"},
	{Key: "server.port", EnvVar: "TRIAGE_SERVER_PORT"},
	{Key: "telemetry.endpoint", EnvVar: "TRIAGE_TELEMETRY_ENDPOINT", Doc: "OTLP/HTTP collector; empty disables telemetry"},
	{Key: "telemetry.insecure", EnvVar: "TRIAGE_TELEMETRY_INSECURE"},
	{Key: "log.level", EnvVar: "TRIAGE_LOG_LEVEL", Doc: "debug, info, warn or error"},
	{Key: "log.format", EnvVar: "TRIAGE_LOG_FORMAT", Doc: "text or json"},
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting %s", cfgPath)
	}

	data, err := renderConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	ui.Success("Wrote %s", cfgPath)
	return nil
}

// renderConfig encodes every non-secret setting at its effective value,
// nested by its dotted key.
func renderConfig() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range configKeys {
		if k.Secret {
			continue
		}
		parts := strings.Split(k.Key, ".")
		parent := root
		for _, p := range parts[:len(parts)-1] {
			parent = mappingChild(parent, p)
		}

		var val yaml.Node
		if err := val.Encode(viper.Get(k.Key)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", k.Key, err)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: parts[len(parts)-1]}
		if k.Doc != "" {
			key.HeadComment = "# " + k.Doc
		}
		parent.Content = append(parent.Content, key, &val)
	}

	doc := &yaml.Node{
		Kind:        yaml.DocumentNode,
		HeadComment: "# triage configuration\n# Run 'triage config show' for effective values and their sources.",
		Content:     []*yaml.Node{root},
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mappingChild returns the mapping stored under key, adding it if missing.
func mappingChild(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, child)
	return child
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfgPath = used
	}
	fileValues := readConfigFileValues(cfgPath)
	if fileValues == nil {
		ui.Info("Config file: (none)")
	} else {
		ui.Info("Config file: %s", cfgPath)
	}

	table := ui.Table([]string{"KEY", "VALUE", "SOURCE"})
	for _, k := range configKeys {
		val := fmt.Sprint(viper.Get(k.Key))
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		if err := table.Append([]string{k.Key, val, detectSource(k.Key, k.EnvVar, fileValues)}); err != nil {
			return err
		}
	}
	return table.Render()
}

// readConfigFileValues returns the dotted keys set in the YAML file at path,
// or nil when the file cannot be read.
func readConfigFileValues(path string) map[string]bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	keys := make(map[string]bool)
	flattenKeys("", parsed, keys)
	return keys
}

func flattenKeys(prefix string, m map[string]any, keys map[string]bool) {
	for key, val := range m {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(key, nested, keys)
			continue
		}
		keys[key] = true
	}
}

// maskSecret hides all but the last four characters of a credential.
func maskSecret(v string) string {
	switch {
	case v == "":
		return "(unset)"
	case len(v) <= 4:
		return "****"
	default:
		return "****" + v[len(v)-4:]
	}
}

// detectSource names where a value comes from: the prefixed variable, then
// the legacy one, then the file.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	for _, name := range []string{"TRIAGE_" + envKey(key), envVar} {
		if _, ok := os.LookupEnv(name); ok {
			return "env: " + name
		}
	}
	if fileValues[key] {
		return "file"
	}
	return "default"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'triage config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
