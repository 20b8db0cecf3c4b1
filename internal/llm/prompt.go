package llm

import (
	"fmt"
	"strings"

	"github.com/offbeam/conductor/internal/config"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely, and use the available tools when they help you answer."

// Options carries per-call overrides and the caller's identity. Zero
// values mean "use the effective configuration".
type Options struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	SystemPrompt   string
	ResponseFormat string
	Tools          []string
	Safety         *bool
	MaxRetries     *int
	Auth           *AuthContext
}

func (o Options) safetyEnabled(cfg config.Effective) bool {
	if o.Safety != nil {
		return *o.Safety
	}
	return cfg.SafetyEnabled
}

func (o Options) maxRetries(cfg config.Effective) int {
	if o.MaxRetries != nil {
		return *o.MaxRetries
	}
	return cfg.MaxRetries
}

func (o Options) model(cfg config.Effective) string {
	if o.Model != "" {
		return o.Model
	}
	return cfg.Model
}

func (o Options) temperature(cfg config.Effective) float64 {
	if o.Temperature > 0 {
		return o.Temperature
	}
	return cfg.Temperature
}

func (o Options) maxTokens(cfg config.Effective) int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return cfg.MaxTokens
}

func (o Options) responseFormat(cfg config.Effective) string {
	if o.ResponseFormat != "" {
		return o.ResponseFormat
	}
	return cfg.ResponseFormat
}

// buildSystemPrompt assembles the system message in a fixed order:
// base prompt, authorization summary, safety directive, format
// directive, tool descriptions.
func buildSystemPrompt(cfg config.Effective, opts Options, tools []ToolDescription) string {
	var b strings.Builder

	base := opts.SystemPrompt
	if base == "" {
		base = cfg.SystemPrompt
	}
	if base == "" {
		base = defaultSystemPrompt
	}
	b.WriteString(base)

	if opts.Auth != nil {
		b.WriteString("\n\nCurrent user: ")
		if opts.Auth.DisplayName != "" {
			b.WriteString(opts.Auth.DisplayName)
		} else {
			b.WriteString(opts.Auth.UserID)
		}
		if opts.Auth.Elevated {
			b.WriteString(" (elevated role)")
		}
		if opts.Auth.Personalized {
			b.WriteString("\nThe user is running a personalized configuration.")
		} else {
			b.WriteString("\nThe user is running the baseline configuration.")
		}
	}

	if opts.safetyEnabled(cfg) {
		b.WriteString("\n\nSafety filtering is enabled: decline requests for harmful or disallowed content.")
	} else {
		b.WriteString("\n\nSafety filtering is disabled for this session.")
	}

	if format := opts.responseFormat(cfg); format != "" && format != "text" {
		b.WriteString(fmt.Sprintf("\n\nRespond in %s format.", format))
	}

	if len(tools) > 0 {
		b.WriteString("\n\nAvailable tools:")
		for _, tool := range tools {
			b.WriteString(fmt.Sprintf("\n- %s: %s", tool.Name, tool.Description))
		}
	} else {
		b.WriteString("\n\nNo tools are available for this request.")
	}

	return b.String()
}

// buildMessages produces the initial message list: one system message
// followed by the user's query.
func buildMessages(query string, cfg config.Effective, opts Options, tools []ToolDescription) []Message {
	return []Message{
		SystemText(buildSystemPrompt(cfg, opts, tools)),
		UserText(query),
	}
}
