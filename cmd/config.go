package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/offbeam/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and its change history",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fmt.Printf("provider:         %s\n", cfg.Provider)
	fmt.Printf("model:            %s\n", cfg.Model)
	fmt.Printf("stream:           %t\n", cfg.Stream)
	fmt.Printf("temperature:      %.2f\n", cfg.Temperature)
	fmt.Printf("max_tokens:       %d\n", cfg.MaxTokens)
	fmt.Printf("timeout:          %s\n", cfg.Timeout)
	fmt.Printf("response_format:  %s\n", cfg.ResponseFormat)
	fmt.Printf("safety_enabled:   %t\n", cfg.SafetyEnabled)
	fmt.Printf("max_retries:      %d\n", cfg.MaxRetries)
	fmt.Printf("retry_base_delay: %s\n", cfg.RetryBaseDelay)

	switch cfg.Provider {
	case config.ProviderOpenAI:
		fmt.Printf("openai.api_key:   %s\n", maskSecret(cfg.OpenAI.APIKey))
	case config.ProviderAzure:
		fmt.Printf("azure.api_key:    %s\n", maskSecret(cfg.Azure.APIKey))
		fmt.Printf("azure.endpoint:   %s\n", cfg.Azure.Endpoint)
		fmt.Printf("azure.api_version: %s\n", cfg.Azure.APIVersion)
	case config.ProviderSelfHosted:
		fmt.Printf("selfhosted.endpoint: %s\n", cfg.SelfHosted.Endpoint)
	}

	store := config.NewStore(cfg)
	dump, err := renderHistory(store.History())
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(dump)
	return nil
}

// renderHistory dumps the configuration change history as yaml. A
// fresh process only carries the initialization entry; a long-running
// gateway accumulates one entry per applied override set.
func renderHistory(entries []config.HistoryEntry) (string, error) {
	out, err := yaml.Marshal(struct {
		History []config.HistoryEntry `yaml:"history"`
	}{History: entries})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
}
