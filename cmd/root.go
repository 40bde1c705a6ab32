package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	noColor    bool
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "gokernel",
		Short: "Chat with LLM providers that call your Go functions",
		Long: `gokernel connects chat models from OpenAI, Azure OpenAI, Gemini, Ollama and
Anthropic to built-in plugins (time, math, web search, semantic memory) and
runs the function calling loop locally.

Without --config, providers are discovered from environment variables
(OPENAI_API_KEY, GOOGLE_API_KEY, ANTHROPIC_API_KEY, OLLAMA_MODEL) and an
optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable coloured log output")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newModelsCommand(opts),
		newSearchCommand(opts),
		newMemoryCommand(opts),
	)
	return root
}
