package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

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
	return filepath.Join(home, ".config", "taskrun"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage taskrun configuration.

Running bare 'taskrun config' is the same as 'taskrun config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# taskrun configuration
# See: taskrun config show (for effective values and sources)

# State/data directory (default: ~/.config/taskrun)
# state_dir: {{ .StateDir }}

# SQLite database path (default: <state_dir>/taskrun.db)
# db_path: {{ .DBPath }}

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}

# Coding agent started inside each project's tmux session
agent:
  command: "{{ .AgentCommand }}"
  args: [{{ range $i, $a := .AgentArgs }}{{ if $i }}, {{ end }}"{{ $a }}"{{ end }}]
  # Budget for one task run and for one fix-suggestion round trip
  timeout: {{ .AgentTimeout }}
  fix_timeout: {{ .FixTimeout }}
  # The screen counts as settled after stable_polls polls without growth
  poll_interval: {{ .PollInterval }}
  stable_polls: {{ .StablePolls }}
  # Wait after SIGTERM before SIGKILL on timeout
  kill_grace: {{ .KillGrace }}
  # Run plus fix attempts per task execution
  max_iterations: {{ .MaxIterations }}
  # Wait after a new session is created before sending the prompt
  startup_wait: {{ .StartupWait }}

tmux:
  binary: {{ .TmuxBinary }}
  session_prefix: {{ .TmuxPrefix }}
  width: {{ .TmuxWidth }}
  height: {{ .TmuxHeight }}
  # Prompts are pasted in chunks to avoid input loss
  chunk_size: {{ .ChunkSize }}
  chunk_delay: {{ .ChunkDelay }}

# Output markers (case-insensitive). Setting a list replaces the built-in one.
# detect:
#   quota: ["resource_exhausted", "rate limit"]
#   auth: ["unauthenticated"]
#   failure: ["error:", "traceback"]

lock:
  sweep_interval: {{ .SweepInterval }}
  max_age: {{ .MaxAge }}

checkpoint:
  message: "{{ .CheckpointMessage }}"
  author_name: "{{ .AuthorName }}"
  author_email: "{{ .AuthorEmail }}"

# Who analyzes a failed run: "agent" (the same agent session) or "anthropic"
fix:
  provider: {{ .FixProvider }}

anthropic:
  # Or set ANTHROPIC_API_KEY
  # api_key: ""
  model: {{ .AnthropicModel }}

# HTTP API port for 'taskrun serve'
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	LogLevel          string
	AgentCommand      string
	AgentArgs         []string
	AgentTimeout      time.Duration
	FixTimeout        time.Duration
	PollInterval      time.Duration
	StablePolls       int
	KillGrace         time.Duration
	MaxIterations     int
	StartupWait       time.Duration
	TmuxBinary        string
	TmuxPrefix        string
	TmuxWidth         int
	TmuxHeight        int
	ChunkSize         int
	ChunkDelay        time.Duration
	SweepInterval     time.Duration
	MaxAge            time.Duration
	CheckpointMessage string
	AuthorName        string
	AuthorEmail       string
	FixProvider       string
	AnthropicModel    string
	Port              int
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

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		LogLevel:          viper.GetString("log.level"),
		AgentCommand:      viper.GetString("agent.command"),
		AgentArgs:         viper.GetStringSlice("agent.args"),
		AgentTimeout:      viper.GetDuration("agent.timeout"),
		FixTimeout:        viper.GetDuration("agent.fix_timeout"),
		PollInterval:      viper.GetDuration("agent.poll_interval"),
		StablePolls:       viper.GetInt("agent.stable_polls"),
		KillGrace:         viper.GetDuration("agent.kill_grace"),
		MaxIterations:     viper.GetInt("agent.max_iterations"),
		StartupWait:       viper.GetDuration("agent.startup_wait"),
		TmuxBinary:        viper.GetString("tmux.binary"),
		TmuxPrefix:        viper.GetString("tmux.session_prefix"),
		TmuxWidth:         viper.GetInt("tmux.width"),
		TmuxHeight:        viper.GetInt("tmux.height"),
		ChunkSize:         viper.GetInt("tmux.chunk_size"),
		ChunkDelay:        viper.GetDuration("tmux.chunk_delay"),
		SweepInterval:     viper.GetDuration("lock.sweep_interval"),
		MaxAge:            viper.GetDuration("lock.max_age"),
		CheckpointMessage: viper.GetString("checkpoint.message"),
		AuthorName:        viper.GetString("checkpoint.author_name"),
		AuthorEmail:       viper.GetString("checkpoint.author_email"),
		FixProvider:       viper.GetString("fix.provider"),
		AnthropicModel:    viper.GetString("anthropic.model"),
		Port:              viper.GetInt("port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "TASKRUN_STATE_DIR"},
	{Key: "db_path", EnvVar: "TASKRUN_DB_PATH"},
	{Key: "log.level", EnvVar: "TASKRUN_LOG_LEVEL"},
	{Key: "agent.command", EnvVar: "TASKRUN_AGENT_COMMAND"},
	{Key: "agent.args", EnvVar: "TASKRUN_AGENT_ARGS"},
	{Key: "agent.timeout", EnvVar: "TASKRUN_AGENT_TIMEOUT"},
	{Key: "agent.fix_timeout", EnvVar: "TASKRUN_AGENT_FIX_TIMEOUT"},
	{Key: "agent.poll_interval", EnvVar: "TASKRUN_AGENT_POLL_INTERVAL"},
	{Key: "agent.stable_polls", EnvVar: "TASKRUN_AGENT_STABLE_POLLS"},
	{Key: "agent.kill_grace", EnvVar: "TASKRUN_AGENT_KILL_GRACE"},
	{Key: "agent.max_iterations", EnvVar: "TASKRUN_AGENT_MAX_ITERATIONS"},
	{Key: "agent.startup_wait", EnvVar: "TASKRUN_AGENT_STARTUP_WAIT"},
	{Key: "tmux.binary", EnvVar: "TASKRUN_TMUX_BINARY"},
	{Key: "tmux.session_prefix", EnvVar: "TASKRUN_TMUX_SESSION_PREFIX"},
	{Key: "tmux.width", EnvVar: "TASKRUN_TMUX_WIDTH"},
	{Key: "tmux.height", EnvVar: "TASKRUN_TMUX_HEIGHT"},
	{Key: "tmux.chunk_size", EnvVar: "TASKRUN_TMUX_CHUNK_SIZE"},
	{Key: "tmux.chunk_delay", EnvVar: "TASKRUN_TMUX_CHUNK_DELAY"},
	{Key: "detect.quota", EnvVar: "TASKRUN_DETECT_QUOTA"},
	{Key: "detect.auth", EnvVar: "TASKRUN_DETECT_AUTH"},
	{Key: "detect.failure", EnvVar: "TASKRUN_DETECT_FAILURE"},
	{Key: "lock.sweep_interval", EnvVar: "TASKRUN_LOCK_SWEEP_INTERVAL"},
	{Key: "lock.max_age", EnvVar: "TASKRUN_LOCK_MAX_AGE"},
	{Key: "checkpoint.message", EnvVar: "TASKRUN_CHECKPOINT_MESSAGE"},
	{Key: "checkpoint.author_name", EnvVar: "TASKRUN_CHECKPOINT_AUTHOR_NAME"},
	{Key: "checkpoint.author_email", EnvVar: "TASKRUN_CHECKPOINT_AUTHOR_EMAIL"},
	{Key: "checkpoint.gitignore", EnvVar: "TASKRUN_CHECKPOINT_GITIGNORE"},
	{Key: "fix.provider", EnvVar: "TASKRUN_FIX_PROVIDER"},
	{Key: "anthropic.api_key", EnvVar: "TASKRUN_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "TASKRUN_ANTHROPIC_MODEL"},
	{Key: "port", EnvVar: "TASKRUN_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "anthropic.api_key" {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a secret.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
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
		return fmt.Errorf("config file not found: %s (run 'taskrun config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
