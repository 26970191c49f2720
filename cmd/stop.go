package cmd

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the formatting service",
	Long:  `Stop a formatting service started with 'mbr serve'.`,
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir)

	if !procMgr.IsRunning() {
		color.Yellow("Service is not running")
		return nil
	}

	color.Yellow("Stopping %s...", AppName)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if err := procMgr.Stop(ctx); err != nil {
		return err
	}

	color.Green("Service stopped successfully")

	return nil
}
