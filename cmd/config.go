package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the provider bindings and capability overrides.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration",
	Long:  `Write a commented config.yaml to the config directory.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration with defaults applied.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing config.yaml")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if cfgMgr.HasYAML() && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", cfgMgr.GetPath())
	}

	if err := cfgMgr.CreateExampleYAML(); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	color.Green("Configuration written to: %s", cfgMgr.GetPath())
	color.Cyan("Start the service with: mbr serve")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		warnf(cmd, "No configuration found. Run 'mbr config init' to create one. Showing defaults.")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), color.BlueString("# Current Configuration (%s)", cfgMgr.GetPath()))

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(data)

	return err
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found in %s", baseDir)
	}

	if _, err := cfgMgr.Load(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("Configuration validation failed:"))
		fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", err)

		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")

	return nil
}
