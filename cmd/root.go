package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/buffer"
	"github.com/joescharf/taskrun/internal/checkpoint"
	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/llm"
	"github.com/joescharf/taskrun/internal/lock"
	"github.com/joescharf/taskrun/internal/logging"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/tmux"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store

	sessions *tmux.Manager
	locks    *lock.Registry
	manager  *executor.Manager

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "taskrun",
	Short: "Run coding tasks through a terminal AI agent with checkpoints",
	Long: `taskrun drives an interactive terminal coding agent inside a tmux session.
Each task run is checkpointed in git first, the agent's output is classified
(success, failure, quota, auth, timeout), failures get a fix-suggestion round
trip, and any run can be reverted to its checkpoint.`,
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
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/taskrun/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
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

	viper.SetEnvPrefix("TASKRUN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers the default of every configuration key.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "taskrun.db"))
	viper.SetDefault("log.level", "info")

	agentDef := agent.DefaultConfig()
	execDef := executor.DefaultConfig()
	viper.SetDefault("agent.command", "gemini")
	viper.SetDefault("agent.args", []string{"--yolo"})
	viper.SetDefault("agent.timeout", execDef.Timeout)
	viper.SetDefault("agent.fix_timeout", execDef.FixTimeout)
	viper.SetDefault("agent.poll_interval", agentDef.PollInterval)
	viper.SetDefault("agent.stable_polls", agentDef.StablePolls)
	viper.SetDefault("agent.kill_grace", agentDef.KillGrace)
	viper.SetDefault("agent.max_iterations", execDef.MaxIterations)
	viper.SetDefault("agent.startup_wait", agentDef.StartupWait)

	tmuxDef := tmux.DefaultConfig()
	viper.SetDefault("tmux.binary", tmuxDef.Binary)
	viper.SetDefault("tmux.width", tmuxDef.Width)
	viper.SetDefault("tmux.height", tmuxDef.Height)
	viper.SetDefault("tmux.chunk_size", tmuxDef.ChunkSize)
	viper.SetDefault("tmux.chunk_delay", tmuxDef.ChunkDelay)
	viper.SetDefault("tmux.session_prefix", tmuxDef.Prefix)

	viper.SetDefault("detect.quota", []string{})
	viper.SetDefault("detect.auth", []string{})
	viper.SetDefault("detect.failure", []string{})

	viper.SetDefault("lock.sweep_interval", lock.DefaultSweepInterval)
	viper.SetDefault("lock.max_age", lock.DefaultMaxAge)

	cpDef := checkpoint.DefaultConfig()
	viper.SetDefault("checkpoint.message", cpDef.Message)
	viper.SetDefault("checkpoint.author_name", cpDef.AuthorName)
	viper.SetDefault("checkpoint.author_email", cpDef.AuthorEmail)
	viper.SetDefault("checkpoint.gitignore", cpDef.IgnoreEntries)

	viper.SetDefault("fix.provider", "agent")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", llm.DefaultModel)

	viper.SetDefault("port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level, err := logging.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		ui.Warning("%v; using info", err)
	}
	if verbose {
		level = slog.LevelDebug
	}
	logger = logging.New(os.Stderr, level)
	slog.SetDefault(logger)

	// Store and executor are built lazily, only when commands need them.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
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

// getSessions returns the shared tmux session registry.
func getSessions() *tmux.Manager {
	if sessions == nil {
		sessions = tmux.NewManager(tmuxConfig(), nil, logger)
	}
	return sessions
}

func tmuxConfig() tmux.Config {
	return tmux.Config{
		Binary:     viper.GetString("tmux.binary"),
		Prefix:     viper.GetString("tmux.session_prefix"),
		Width:      viper.GetInt("tmux.width"),
		Height:     viper.GetInt("tmux.height"),
		ChunkSize:  viper.GetInt("tmux.chunk_size"),
		ChunkDelay: viper.GetDuration("tmux.chunk_delay"),
		Command:    viper.GetString("agent.command"),
		Args:       viper.GetStringSlice("agent.args"),
	}
}

// signatures returns the detection markers, with configured lists replacing the defaults.
func signatures() agent.Signatures {
	sig := agent.DefaultSignatures()
	if v := viper.GetStringSlice("detect.quota"); len(v) > 0 {
		sig.Quota = v
	}
	if v := viper.GetStringSlice("detect.auth"); len(v) > 0 {
		sig.Auth = v
	}
	if v := viper.GetStringSlice("detect.failure"); len(v) > 0 {
		sig.Failure = v
		sig.FailurePatterns = []string{}
	}
	return sig
}

// newDriver builds the agent driver over the shared tmux sessions.
func newDriver() (*agent.Driver, error) {
	detector, err := agent.NewDetector(signatures())
	if err != nil {
		return nil, fmt.Errorf("detect signatures: %w", err)
	}
	sampler, err := buffer.New(buffer.DefaultBanner, buffer.DefaultFooter)
	if err != nil {
		return nil, fmt.Errorf("buffer sampler: %w", err)
	}
	cfg := agent.Config{
		PollInterval: viper.GetDuration("agent.poll_interval"),
		StablePolls:  viper.GetInt("agent.stable_polls"),
		KillGrace:    viper.GetDuration("agent.kill_grace"),
		StartupWait:  viper.GetDuration("agent.startup_wait"),
		Timeout:      viper.GetDuration("agent.timeout"),
	}
	return agent.NewDriver(agent.TmuxOpener(getSessions()), cfg, logger,
		agent.WithDetector(detector),
		agent.WithSampler(sampler),
	), nil
}

func checkpointConfig() checkpoint.Config {
	cfg := checkpoint.DefaultConfig()
	cfg.Message = viper.GetString("checkpoint.message")
	cfg.AuthorName = viper.GetString("checkpoint.author_name")
	cfg.AuthorEmail = viper.GetString("checkpoint.author_email")
	cfg.IgnoreEntries = viper.GetStringSlice("checkpoint.gitignore")
	return cfg
}

// fixAdvisor returns the configured advisor; nil lets the agent analyze its own failures.
func fixAdvisor() (executor.FixAdvisor, error) {
	switch provider := viper.GetString("fix.provider"); provider {
	case "", "agent":
		return nil, nil
	case "anthropic":
		key := viper.GetString("anthropic.api_key")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("fix.provider is anthropic but no API key is set (anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		return llm.NewClient(key, viper.GetString("anthropic.model")), nil
	default:
		return nil, fmt.Errorf("unknown fix.provider %q (want agent or anthropic)", provider)
	}
}

// getManager returns the shared executor, building the whole stack on first call.
func getManager() (*executor.Manager, error) {
	if manager != nil {
		return manager, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	driver, err := newDriver()
	if err != nil {
		return nil, err
	}
	advisor, err := fixAdvisor()
	if err != nil {
		return nil, err
	}
	if locks == nil {
		locks = lock.New(logger)
	}

	manager = executor.NewManager(executor.Deps{
		Store:       s,
		Locks:       locks,
		Checkpoints: checkpoint.New(git.NewClient(), checkpointConfig(), logger),
		Runner:      driver,
		Advisor:     advisor,
		Sessions:    agent.TmuxOpener(getSessions()),
		Logger:      logger,
	}, executor.Config{
		MaxIterations: viper.GetInt("agent.max_iterations"),
		Timeout:       viper.GetDuration("agent.timeout"),
		FixTimeout:    viper.GetDuration("agent.fix_timeout"),
	})
	return manager, nil
}

// resetDeps closes and forgets the shared dependencies.
func resetDeps() {
	if dataStore != nil {
		_ = dataStore.Close()
	}
	dataStore = nil
	sessions = nil
	locks = nil
	manager = nil
}
