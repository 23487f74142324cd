// Package cli provides the streamchat command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// NewRootCmd builds the streamchat command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "streamchat",
		Short: "Chat server that relays streamed LLM completions",
		Long: `streamchat stores users, conversations and messages in SQLite and relays
completions from an OpenAI-compatible or Ollama endpoint to clients as they stream.

Examples:
  streamchat serve --config streamchat.yaml
  streamchat user add alice
  streamchat chat --token <token>`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newUserCmd(&configPath))
	root.AddCommand(newChatCmd())
	root.AddCommand(newConversationsCmd())

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
