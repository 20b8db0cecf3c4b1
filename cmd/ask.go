package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/offbeam/conductor/internal/llm"
)

var (
	askModel      string
	askTemp       float64
	askMaxTokens  int
	askSystem     string
	askFormat     string
	askTools      []string
	askNoStream   bool
	askUser       string
	askElevated   bool
	askShowEvents bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask the model a question and stream the response. Selected tools
are offered to the model; any tool calls it makes are executed locally
and fed back for a final answer.

Examples:
  conductor ask "What is the capital of France?"
  conductor ask "What is 127 * 49?" --tools calculate
  conductor ask "Summarize as JSON" --format json --no-stream`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model override")
	askCmd.Flags().Float64Var(&askTemp, "temperature", 0, "Sampling temperature override")
	askCmd.Flags().IntVar(&askMaxTokens, "max-tokens", 0, "Token limit override")
	askCmd.Flags().StringVar(&askSystem, "system", "", "System prompt override")
	askCmd.Flags().StringVar(&askFormat, "format", "", "Response format (text or json)")
	askCmd.Flags().StringSliceVarP(&askTools, "tools", "t", nil, "Tools to offer the model (comma-separated)")
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "Wait for the complete answer instead of streaming")
	askCmd.Flags().StringVar(&askUser, "user", "", "User name passed to tool execution")
	askCmd.Flags().BoolVar(&askElevated, "elevated", false, "Mark the user as having an elevated role")
	askCmd.Flags().BoolVar(&askShowEvents, "events", false, "Print tool call and retry events")
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	query := strings.Join(args, " ")
	opts := llm.Options{
		Model:          askModel,
		Temperature:    askTemp,
		MaxTokens:      askMaxTokens,
		SystemPrompt:   askSystem,
		ResponseFormat: askFormat,
		Tools:          askTools,
	}
	if askUser != "" {
		opts.Auth = &llm.AuthContext{
			UserID:      askUser,
			DisplayName: askUser,
			Elevated:    askElevated,
		}
	}

	if askNoStream {
		result, err := a.engine.Ask(ctx, query, opts)
		if err != nil {
			return err
		}
		fmt.Println(result.Text)
		return nil
	}

	stream, err := a.engine.ProcessQuery(ctx, query, opts)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		printEvent(event)
	}
	fmt.Println()
	return nil
}

func printEvent(event llm.Event) {
	switch event.Type {
	case llm.EventText:
		fmt.Print(event.Text)
	case llm.EventWarning:
		fmt.Fprintf(os.Stderr, "\nwarning: %s\n", event.Text)
	case llm.EventError:
		fmt.Fprintf(os.Stderr, "\nerror: %v\n", event.Err)
	case llm.EventToolCallStart:
		if askShowEvents && event.Tool != nil {
			fmt.Fprintf(os.Stderr, "\n[tool] %s(%s)\n", event.Tool.Name, string(event.Tool.Arguments))
		}
	case llm.EventToolCallResult:
		if askShowEvents && event.Result != nil {
			fmt.Fprintf(os.Stderr, "[tool] %s -> %s\n", event.Result.Name, event.Result.Content)
		}
	case llm.EventToolCallError:
		if event.Result != nil {
			fmt.Fprintf(os.Stderr, "\n[tool] %s failed: %s\n", event.Result.Name, event.Result.Err)
		}
	case llm.EventRetry:
		if askShowEvents {
			fmt.Fprintf(os.Stderr, "\n%s\n", event.Text)
		}
	case llm.EventUsage:
		if askShowEvents && event.Use != nil {
			fmt.Fprintf(os.Stderr, "\n[usage] in=%d out=%d total=%d\n",
				event.Use.InputTokens, event.Use.OutputTokens, event.Use.TotalTokens)
		}
	}
}
