package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/offbeam/conductor/internal/config"
)

// selfHostedTimeoutFloor is the minimum HTTP timeout for self-hosted
// endpoints; local inference is assumed slower than hosted APIs.
const selfHostedTimeoutFloor = 2 * time.Minute

// BuildClient builds a provider-bound client from the effective
// configuration. The provider set is closed: each branch declares its
// own required fields and endpoint shape. A missing credential or an
// unknown provider yields a ConfigurationError, not a network error.
func BuildClient(cfg config.Effective) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "api key not configured (set OPENAI_API_KEY or openai.api_key)"}
		}
		return &chatClient{
			provider: cfg.Provider,
			model:    cfg.Model,
			chatURL:  "https://api.openai.com/v1/chat/completions",
			apiKey:   cfg.OpenAI.APIKey,
			authMode: authBearer,
			headers:  cfg.CustomHeaders,
			source:   cfg.Source,
			http:     &http.Client{Timeout: cfg.Timeout},
		}, nil

	case config.ProviderAzure:
		if cfg.Azure.APIKey == "" {
			return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "api key not configured (set AZURE_OPENAI_API_KEY or azure.api_key)"}
		}
		if cfg.Azure.Endpoint == "" {
			return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "endpoint not configured (set AZURE_OPENAI_ENDPOINT or azure.endpoint)"}
		}
		deployment := cfg.Azure.Deployment
		if deployment == "" {
			deployment = cfg.Model
		}
		endpoint := strings.TrimSuffix(cfg.Azure.Endpoint, "/")
		chatURL := endpoint + "/openai/deployments/" + url.PathEscape(deployment) +
			"/chat/completions?api-version=" + url.QueryEscape(cfg.Azure.APIVersion)
		return &chatClient{
			provider: cfg.Provider,
			model:    cfg.Model,
			chatURL:  chatURL,
			apiKey:   cfg.Azure.APIKey,
			authMode: authAPIKeyHeader,
			headers:  cfg.CustomHeaders,
			source:   cfg.Source,
			http:     &http.Client{Timeout: cfg.Timeout},
		}, nil

	case config.ProviderSelfHosted:
		if cfg.SelfHosted.Endpoint == "" {
			return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "endpoint not configured (set selfhosted.endpoint)"}
		}
		timeout := cfg.Timeout
		if timeout < selfHostedTimeoutFloor {
			timeout = selfHostedTimeoutFloor
		}
		endpoint := strings.TrimSuffix(cfg.SelfHosted.Endpoint, "/")
		return &chatClient{
			provider: cfg.Provider,
			model:    cfg.Model,
			chatURL:  endpoint + "/chat/completions",
			authMode: authNone,
			headers:  cfg.CustomHeaders,
			source:   cfg.Source,
			http:     &http.Client{Timeout: timeout},
		}, nil

	default:
		return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "unknown provider"}
	}
}

type authMode int

const (
	authNone authMode = iota
	authBearer
	authAPIKeyHeader
)

// chatClient talks the OpenAI-compatible chat-completions wire format.
// All three providers speak it; only the URL shape and auth header
// differ.
type chatClient struct {
	provider string
	model    string
	chatURL  string
	apiKey   string
	authMode authMode
	headers  map[string]string
	source   string
	http     *http.Client
}

func (c *chatClient) Provider() string       { return c.provider }
func (c *chatClient) Model() string          { return c.model }
func (c *chatClient) Source() string         { return c.source }
func (c *chatClient) Timeout() time.Duration { return c.http.Timeout }

func (c *chatClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch c.authMode {
	case authBearer:
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	case authAPIKeyHeader:
		httpReq.Header.Set("api-key", c.apiKey)
	}
	for key, value := range c.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return c.http.Do(httpReq)
}

// readError drains a non-200 response body for the error message.
func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return strings.TrimSpace(string(body))
}
