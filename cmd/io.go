package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Davincible/msgbridge/internal/message"
)

// openInput opens path, or the command's stdin for "" and "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	return f, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	in, err := openInput(cmd, path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	return data, nil
}

// readHistory accepts a bare messages array or an object with a "messages" field.
func readHistory(cmd *cobra.Command, path string) ([]message.Message, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}

	var history []message.Message
	if err := json.Unmarshal(data, &history); err == nil {
		return history, nil
	}

	var wrapped struct {
		Messages []message.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	return wrapped.Messages, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		enc.SetIndent("", "  ")
	}

	return enc.Encode(v)
}
