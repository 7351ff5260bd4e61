package cmd

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults(dir)

	// Initialize output
	ui = output.New()
	ui.Out = io.Discard

	// Drop services cached by earlier tests
	dataStore, service = nil, nil
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
		}
		dataStore, service = nil, nil
	})

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "triage configuration")
	assert.Contains(t, string(data), "# devin or claude")

	var parsed struct {
		Agent struct {
			Backend string `yaml:"backend"`
		} `yaml:"agent"`
		Poll struct {
			Interval string `yaml:"interval"`
		} `yaml:"poll"`
		Server struct {
			Port int `yaml:"port"`
		} `yaml:"server"`
	}
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Equal(t, "devin", parsed.Agent.Backend)
	assert.Equal(t, "15s", parsed.Poll.Interval)
	assert.Equal(t, 8000, parsed.Server.Port)
}

func TestConfigInit_OmitsSecrets(t *testing.T) {
	dir := testEnv(t)
	viper.Set("devin.api_key", "apk_user_secret")
	viper.Set("github.token", "ghp_secret")

	require.NoError(t, configInitRun())

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "api_key")
	assert.NotContains(t, string(data), "token")

	keys := readConfigFileValues(filepath.Join(dir, "config.yaml"))
	assert.True(t, keys["devin.api_url"])
	assert.True(t, keys["telemetry.insecure"])
	assert.False(t, keys["devin.api_key"])
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "triage configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	// Unset EDITOR and VISUAL
	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	t.Setenv("LEGACY_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "LEGACY_TEST_KEY", fileValues), "LEGACY_TEST_KEY")

	// Prefixed variable wins over the legacy name
	t.Setenv("TRIAGE_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "LEGACY_TEST_KEY", fileValues), "TRIAGE_TEST_KEY")

	// From file
	assert.Contains(t, detectSource("key_a", "KEY_A_NONEXISTENT", fileValues), "file")

	// Default
	assert.Contains(t, detectSource("key_b", "KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(unset)", maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "****wxyz", maskSecret("secret-wxyz"))
}

func TestPollConfig(t *testing.T) {
	testEnv(t)

	cfg, err := pollConfig()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Timeout)

	// Bare numbers are seconds, as DEVIN_POLL_INTERVAL has always been.
	viper.Set("poll.interval", "5")
	viper.Set("poll.timeout", "90s")
	cfg, err = pollConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Timeout)

	viper.Set("poll.timeout", "soon")
	_, err = pollConfig()
	assert.ErrorContains(t, err, "poll.timeout")
}

func TestNewAgentClient(t *testing.T) {
	testEnv(t)

	_, err := newAgentClient()
	assert.ErrorContains(t, err, "devin.api_key")

	viper.Set("devin.api_key", "k")
	c, err := newAgentClient()
	require.NoError(t, err)
	assert.IsType(t, &agent.DevinClient{}, c)

	viper.Set("agent.backend", "claude")
	_, err = newAgentClient()
	assert.ErrorContains(t, err, "anthropic.api_key")

	viper.Set("anthropic.api_key", "k")
	c, err = newAgentClient()
	require.NoError(t, err)
	assert.IsType(t, &agent.ClaudeRunner{}, c)

	viper.Set("agent.backend", "jules")
	_, err = newAgentClient()
	assert.ErrorContains(t, err, "unknown agent.backend")
}
