package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/message"
)

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse a provider response into messages",
	Long: `Read a raw provider response from a file or stdin and print the internal messages.
With --stream the input is the provider's streaming body (SSE, data stream lines or a JSON array).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().StringP("provider", "p", "", "provider that produced the response (default from config)")
	parseCmd.Flags().Bool("stream", false, "input is a streaming response")
	parseCmd.Flags().Bool("pretty", false, "indent output")
}

func runParse(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadRegistry()
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	if provider == "" {
		provider = cfg.DefaultProvider
	}

	f, _, err := reg.Select(provider, "")
	if err != nil {
		return err
	}

	var messages []message.Message

	if stream, _ := cmd.Flags().GetBool("stream"); stream {
		in, err := openInput(cmd, firstArg(args))
		if err != nil {
			return err
		}

		messages, err = f.ParseStreamResponse(cmd.Context(), f.NewStream(in))
		if err != nil {
			return err
		}
	} else {
		raw, err := readInput(cmd, firstArg(args))
		if err != nil {
			return err
		}

		messages = f.ParseResponse(raw)
	}

	if len(messages) == 0 {
		warnf(cmd, "No messages parsed from the %s response", f.Name())
		messages = []message.Message{}
	}

	return writeJSON(cmd, messages)
}
