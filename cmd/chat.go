package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gokernel/internal/models"
)

type chatOptions struct {
	model       string
	system      string
	prompt      string
	noTools     bool
	maxAttempts int
	temperature float64
	verbose     bool
}

func newChatCommand(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with a model; the built-in plugins are called automatically",
		Example: `  gokernel chat "What is 12.5 times 4?"
  gokernel chat --model gpt-4o-mini --system "Answer in French"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.prompt = args[0]
			}
			return withApp(cmd.Context(), root, nil, func(ctx context.Context, a *app) error {
				return runChat(ctx, a, opts, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.model, "model", "m", "", "model id or alias (defaults to kernel.default_model)")
	flags.StringVarP(&opts.system, "system", "s", "", "system prompt")
	flags.BoolVar(&opts.noTools, "no-tools", false, "do not advertise plugin functions")
	flags.IntVar(&opts.maxAttempts, "max-attempts", 0, "cap on auto-invoke rounds (0 uses the configured default)")
	flags.Float64VarP(&opts.temperature, "temperature", "t", -1, "sampling temperature (unset when negative)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print function calls and results")
	return cmd
}

func (o *chatOptions) settings() models.ExecutionSettings {
	s := models.ExecutionSettings{ModelID: o.model}
	if o.temperature >= 0 {
		s.Temperature = models.Float64(o.temperature)
	}
	if o.noTools {
		s.FunctionChoice = models.NoFunctionChoice()
	} else {
		s.FunctionChoice = models.AutoFunctionChoice()
		s.FunctionChoice.MaximumAutoInvokeAttempts = o.maxAttempts
	}
	return s
}

// runChat answers a single prompt, or reads prompts line by line until EOF
// or "exit".
func runChat(ctx context.Context, a *app, opts *chatOptions, in io.Reader, out io.Writer) error {
	history := models.NewChatHistory(opts.system)
	settings := opts.settings()

	ask := func(prompt string) error {
		history.AddUserMessage(prompt)
		before := history.Len()
		resp, err := a.kernel.GetChatMessageContent(ctx, history, settings)
		if err != nil {
			return err
		}
		if opts.verbose {
			printTrace(out, history.Messages()[before:history.Len()-1])
		}
		fmt.Fprintln(out, resp.Message.Content)
		return nil
	}

	if opts.prompt != "" {
		return ask(opts.prompt)
	}

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "exit", "quit":
			return nil
		default:
			if err := ask(line); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func printTrace(out io.Writer, msgs []models.Message) {
	for _, msg := range msgs {
		switch {
		case msg.HasToolCalls():
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(out, "  -> %s(%s)\n", call.Name, call.Arguments)
			}
		case msg.Role == models.RoleTool:
			fmt.Fprintf(out, "  <- %s: %s\n", msg.Name, msg.Content)
		}
	}
}
