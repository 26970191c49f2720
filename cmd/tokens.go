package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/tokenizer"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens [file]",
	Short: "Estimate the token count of a history",
	Long:  `Estimate tokens for a JSON history, or for raw text with --text, using the provider's tokenizer.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTokens,
}

func init() {
	tokensCmd.Flags().StringP("provider", "p", "", "provider whose tokenizer to use (default from config)")
	tokensCmd.Flags().Bool("text", false, "count the input as plain text")
}

func runTokens(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = cfg.DefaultProvider
	}

	tok := tokenizer.ForProvider(provider)

	var count int

	if text, _ := cmd.Flags().GetBool("text"); text {
		data, err := readInput(cmd, firstArg(args))
		if err != nil {
			return err
		}

		count = tok.CountTokens(string(data))
	} else {
		history, err := readHistory(cmd, firstArg(args))
		if err != nil {
			return err
		}

		count = tokenizer.CountMessages(tok, history)
	}

	logger.Debug("Counted tokens", "provider", provider, "tokenizer", tokenizer.Kind(tok))
	fmt.Fprintln(cmd.OutOrStdout(), count)

	return nil
}
