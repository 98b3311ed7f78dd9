package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flotilla-ai/flotilla/internal/config"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

// Conventional exit codes: 124 mirrors timeout(1), 130 is SIGINT.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitTimeout   = 124
	ExitCancelled = 130
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Multi-agent swarm orchestrator for LLM CLI workers",
	Long: `flotilla decomposes an objective into a task graph, provisions a team
of agents with isolated workspaces, and drives one LLM CLI subprocess per
task attempt until the graph completes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .flotilla.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, json, pretty)")
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}

	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	if err := config.NewValidator().Validate(loaded); err != nil {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("Error: %v", err)}
	}

	cfg = loaded
	logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return nil
}
