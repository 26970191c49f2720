package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/process"
	"github.com/Davincible/msgbridge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the formatting service",
	Long:  `Serve the format, parse and token endpoints over HTTP in the foreground. Config changes are applied without a restart.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfgMgr.Exists() {
		warnf(cmd, "No configuration found in %s, using defaults. Run 'mbr config init' to create one.", baseDir)
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting server",
		"host", cfg.Host,
		"port", cfg.Port,
		"default_provider", cfg.DefaultProvider,
		"providers", len(cfg.Providers),
	)

	srv, err := server.New(cfgMgr, logger)
	if err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}
