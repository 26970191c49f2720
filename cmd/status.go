package cmd

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show formatting service status",
	Long:  `Display the PID, address and health of the formatting service.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running := procMgr.IsRunning()
	endpoint := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	out := cmd.OutOrStdout()

	fmt.Fprintln(out, color.BlueString("Status for %s:", AppName))
	fmt.Fprintf(out, "  %-16s: %v\n", "Running", running)
	fmt.Fprintf(out, "  %-16s: %d\n", "PID", procMgr.ReadPID())
	fmt.Fprintf(out, "  %-16s: %s\n", "Endpoint", endpoint)

	if running {
		fmt.Fprintf(out, "  %-16s: %s\n", "Health", probeHealth(endpoint))
	}

	fmt.Fprintf(out, "  %-16s: %s\n", "Default Provider", cfg.DefaultProvider)
	fmt.Fprintf(out, "  %-16s: %d\n", "Providers", len(cfg.Providers))
	fmt.Fprintf(out, "  %-16s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Fprintf(out, "  %-16s: v%s\n", "Version", Version)

	return nil
}

func probeHealth(endpoint string) string {
	client := &http.Client{Timeout: time.Second}

	resp, err := client.Get(endpoint + "/health")
	if err != nil {
		return color.RedString("unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return color.RedString(resp.Status)
	}

	return color.GreenString("ok")
}
