package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "FLOTILLA",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "FLOTILLA",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Plain environment variables (WORKSPACE_ROOT, LLM_CLI_PATH, ...)
// 3. Prefixed environment variables (FLOTILLA_*)
// 4. Project config (.flotilla.yaml in current directory)
// 5. User config (~/.config/flotilla/config.yaml)
// 6. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".flotilla")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "flotilla"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	l.applyPlainEnv()

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Workspace defaults
	l.v.SetDefault("workspace.root", "./swarm-workspaces")
	l.v.SetDefault("workspace.retain", "keep")
	l.v.SetDefault("workspace.file_cap_bytes", 10*1024*1024)

	// Worker defaults
	l.v.SetDefault("worker.path", "claude")
	l.v.SetDefault("worker.args", []string{"--print", "--dangerously-skip-permissions"})
	l.v.SetDefault("worker.allowed_tools", []string{"Read", "Write", "Bash"})
	l.v.SetDefault("worker.grace_timeout", "5s")
	l.v.SetDefault("worker.buffer_cap_bytes", 8*1024*1024)
	l.v.SetDefault("worker.preflight", true)
	l.v.SetDefault("worker.min_free_memory_mb", 256)
	l.v.SetDefault("worker.stall_window", "2m")

	// Swarm defaults
	l.v.SetDefault("swarm.max_agents", 5)
	l.v.SetDefault("swarm.max_concurrent_tasks_per_agent", 3)
	l.v.SetDefault("swarm.max_running_tasks", 0) // 0 = sum of agent caps
	l.v.SetDefault("swarm.task_timeout", "300s")
	l.v.SetDefault("swarm.swarm_timeout", "30m")
	l.v.SetDefault("swarm.topology", "hybrid")
	l.v.SetDefault("swarm.starvation_threshold", 10)

	// Retry defaults
	l.v.SetDefault("retry.max_attempts", 3)
	l.v.SetDefault("retry.backoff_base", "2s")
	l.v.SetDefault("retry.backoff_cap", "30s")

	// Store defaults
	l.v.SetDefault("store.persist", false)
	l.v.SetDefault("store.sqlite_path", "")
	l.v.SetDefault("store.event_log_cap", 10000)
}

// applyPlainEnv maps the unprefixed environment variables the core is
// contracted to honor onto their config keys.
func (l *Loader) applyPlainEnv() {
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		l.v.Set("workspace.root", v)
	}
	if v := os.Getenv("LLM_CLI_PATH"); v != "" {
		l.v.Set("worker.path", v)
	}
	if v := os.Getenv("LLM_CLI_DEFAULT_TOOLS"); v != "" {
		l.v.Set("worker.allowed_tools", strings.Split(v, ","))
	}
	if v := os.Getenv("SWARM_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			l.v.Set("swarm.max_agents", n)
		}
	}
	if v := os.Getenv("SWARM_TASK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			l.v.Set("swarm.task_timeout", (time.Duration(n) * time.Second).String())
		}
	}
	if v := os.Getenv("SWARM_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			l.v.Set("swarm.swarm_timeout", (time.Duration(n) * time.Second).String())
		}
	}
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
