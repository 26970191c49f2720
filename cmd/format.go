package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/message"
)

var formatCmd = &cobra.Command{
	Use:   "format [file]",
	Short: "Format a history for a provider",
	Long: `Read a JSON history (an array of messages, or an object with a "messages" field)
from a file or stdin and print the provider's messages array.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().StringP("provider", "p", "", "target provider (default from config)")
	formatCmd.Flags().StringP("model", "m", "", "target model")
	formatCmd.Flags().StringP("system", "s", "", "system prompt")
	formatCmd.Flags().Bool("strict", false, "fail on unpaired tool calls and results")
	formatCmd.Flags().Bool("pretty", false, "indent output")
}

type formatOutput struct {
	Provider  string `json:"provider"`
	Formatter string `json:"formatter"`
	System    string `json:"system,omitempty"`
	Messages  []any  `json:"messages"`
}

func runFormat(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadRegistry()
	if err != nil {
		return err
	}

	history, err := readHistory(cmd, firstArg(args))
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = cfg.DefaultProvider
	}

	model, _ := cmd.Flags().GetString("model")
	system, _ := cmd.Flags().GetString("system")

	f, fctx, err := reg.Select(provider, model)
	if err != nil {
		return err
	}

	if strict, _ := cmd.Flags().GetBool("strict"); strict {
		if issues := message.ValidatePairing(history); len(issues) > 0 {
			for _, issue := range issues {
				fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("  - %s", issue))
			}

			return fmt.Errorf("history has %d tool call pairing issue(s)", len(issues))
		}
	}

	out := formatOutput{
		Provider:  fctx.Provider,
		Formatter: f.Name(),
		Messages:  f.Format(history, fctx, system),
	}

	if prompt, ok := f.FormatSystemPrompt(system); ok {
		out.System = prompt
	}

	return writeJSON(cmd, out)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}

	return args[0]
}
