package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/config"
	"github.com/Davincible/msgbridge/internal/formatter"
	"github.com/Davincible/msgbridge/internal/server"
)

const (
	AppName = "msgbridge"
	Version = "0.3.0"

	// ConfigDirEnv overrides the config directory.
	ConfigDirEnv = "MSGBRIDGE_CONFIG_DIR"
	LogFilename  = "msgbridge.log"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
	logFile io.Closer
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var rootCmd = &cobra.Command{
	Use:     "mbr",
	Short:   "msgbridge - LLM message format translator",
	Long:    `Translate conversation histories between the internal message model and the wire formats of Anthropic, OpenAI, Gemini and the Vercel AI SDK.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("config-dir")
		if err := setupConfig(dir); err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		toFile, _ := cmd.Flags().GetBool("log-file")

		return setupLogging(cmd.ErrOrStderr(), verbose, toFile)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolP("log-file", "l", false, "write logs to "+LogFilename+" in the config directory")
	rootCmd.PersistentFlags().String("config-dir", "", "config directory (default $"+ConfigDirEnv+" or ~/."+AppName+")")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(configCmd)
}

func setupConfig(dir string) error {
	if dir == "" {
		dir = os.Getenv(ConfigDirEnv)
	}

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		dir = filepath.Join(homeDir, "."+AppName)
	}

	baseDir = dir
	cfgMgr = config.NewManager(baseDir)

	return nil
}

// setupLogging uses the configured log level unless verbose is set. Logs go to
// stderr so command output on stdout stays machine readable.
func setupLogging(stderr io.Writer, verbose, toFile bool) error {
	level := parseLevel(cfgMgr.Get().LogLevel)
	if verbose {
		level = slog.LevelDebug
	}

	out := stderr

	if toFile {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}

		f, err := os.OpenFile(filepath.Join(baseDir, LogFilename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}

		logFile = f
		out = f
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig returns the config on disk, or the defaults when there is none.
func loadConfig() (*config.Config, error) {
	if !cfgMgr.Exists() {
		logger.Debug("No configuration found, using defaults", "dir", baseDir)
		return config.Default(), nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func loadRegistry() (*config.Config, *formatter.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	reg, err := server.BuildRegistry(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	return cfg, reg, nil
}

func warnf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString(format, args...))
}
