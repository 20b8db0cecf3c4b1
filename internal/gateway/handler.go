package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/offbeam/conductor/internal/config"
	"github.com/offbeam/conductor/internal/llm"
	"github.com/offbeam/conductor/internal/tools"
	"github.com/offbeam/conductor/internal/usage"
)

// Handler exposes the conversation engine over HTTP.
type Handler struct {
	engine *llm.Engine
	tools  *tools.Manager
	usage  usage.Logger
	log    *logrus.Logger
}

func NewHandler(engine *llm.Engine, manager *tools.Manager, usageLog usage.Logger, log *logrus.Logger) *Handler {
	if usageLog == nil {
		usageLog = usage.Noop{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Handler{engine: engine, tools: manager, usage: usageLog, log: log}
}

type queryRequest struct {
	Query   string        `json:"query" binding:"required"`
	Stream  bool          `json:"stream"`
	Options queryOptions  `json:"options"`
	Auth    *authResource `json:"auth,omitempty"`
}

type queryOptions struct {
	Model          string   `json:"model,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Safety         *bool    `json:"safety,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
}

type authResource struct {
	UserID       string         `json:"user_id"`
	DisplayName  string         `json:"display_name,omitempty"`
	Elevated     bool           `json:"elevated,omitempty"`
	Personalized bool           `json:"personalized,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func (r queryRequest) options() llm.Options {
	opts := llm.Options{
		Model:          r.Options.Model,
		Temperature:    r.Options.Temperature,
		MaxTokens:      r.Options.MaxTokens,
		SystemPrompt:   r.Options.SystemPrompt,
		ResponseFormat: r.Options.ResponseFormat,
		Tools:          r.Options.Tools,
		Safety:         r.Options.Safety,
		MaxRetries:     r.Options.MaxRetries,
	}
	if r.Auth != nil {
		opts.Auth = &llm.AuthContext{
			UserID:       r.Auth.UserID,
			DisplayName:  r.Auth.DisplayName,
			Elevated:     r.Auth.Elevated,
			Personalized: r.Auth.Personalized,
			Extra:        r.Auth.Extra,
		}
	}
	return opts
}

// wireEvent is the SSE payload for one stream event.
type wireEvent struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	Provider string      `json:"provider,omitempty"`
	Model    string      `json:"model,omitempty"`
	Source   string      `json:"config_source,omitempty"`
	Tool     *wireTool   `json:"tool,omitempty"`
	Result   *wireResult `json:"result,omitempty"`
	Usage    *wireUsage  `json:"usage,omitempty"`
	Retry    *wireRetry  `json:"retry,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type wireTool struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Index     int             `json:"index"`
}

type wireResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Index   int    `json:"index"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type wireRetry struct {
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts"`
	WaitSeconds float64 `json:"wait_seconds"`
}

func toWireEvent(event llm.Event) wireEvent {
	we := wireEvent{
		Type:     string(event.Type),
		Text:     event.Text,
		Provider: event.Provider,
		Model:    event.Model,
		Source:   event.Source,
	}
	if event.Tool != nil {
		we.Tool = &wireTool{
			ID:        event.Tool.ID,
			Name:      event.Tool.Name,
			Arguments: event.Tool.Arguments,
			Index:     event.Tool.Index,
		}
	}
	if event.Result != nil {
		we.Result = &wireResult{
			ID:      event.Result.ID,
			Name:    event.Result.Name,
			Index:   event.Result.Index,
			Content: event.Result.Content,
			Error:   event.Result.Err,
		}
	}
	if event.Use != nil {
		we.Usage = &wireUsage{
			InputTokens:  event.Use.InputTokens,
			OutputTokens: event.Use.OutputTokens,
			TotalTokens:  event.Use.TotalTokens,
		}
	}
	if event.Type == llm.EventRetry {
		we.Retry = &wireRetry{
			Attempt:     event.RetryAttempt,
			MaxAttempts: event.RetryMaxAttempts,
			WaitSeconds: event.RetryWaitSecs,
		}
	}
	if event.Err != nil {
		we.Error = event.Err.Error()
	}
	return we
}

// Query handles POST /v1/query for both streaming and blocking calls.
func (h *Handler) Query(c *gin.Context) {
	requestID := c.GetString("request_id")

	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request", "message": "failed to parse request body: " + err.Error()},
		})
		return
	}

	if req.Stream {
		h.streamQuery(c, req, requestID)
		return
	}

	result, err := h.engine.Ask(c.Request.Context(), req.Query, req.options())
	if err != nil {
		h.writeEngineError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) streamQuery(c *gin.Context, req queryRequest, requestID string) {
	stream, err := h.engine.ProcessQuery(c.Request.Context(), req.Query, req.options())
	if err != nil {
		h.writeEngineError(c, requestID, err)
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Request-ID", requestID)

	flusher, canFlush := c.Writer.(http.Flusher)
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.log.WithFields(logrus.Fields{
				"request_id": requestID,
			}).WithError(err).Error("stream failed")
			return
		}
		payload, err := json.Marshal(toWireEvent(event))
		if err != nil {
			continue
		}
		if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
			// Client went away; closing the stream cancels upstream work.
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	c.Writer.WriteString("data: [DONE]\n\n")
	if canFlush {
		flusher.Flush()
	}
}

func (h *Handler) writeEngineError(c *gin.Context, requestID string, err error) {
	status := http.StatusBadGateway
	errType := "provider_error"
	provider := ""
	var cfgErr *llm.ConfigurationError
	var callErr *llm.ProviderCallError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusServiceUnavailable
		errType = "configuration_error"
		provider = cfgErr.Provider
	case errors.As(err, &callErr):
		provider = callErr.Provider
	}
	h.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"type":       errType,
	}).WithError(err).Error("query failed")

	body := gin.H{
		"type":          errType,
		"message":       err.Error(),
		"config_source": h.engine.HealthCheck().Source,
	}
	if provider != "" {
		body["provider"] = provider
	}
	c.JSON(status, gin.H{"error": body})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	status := h.engine.HealthCheck()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(c *gin.Context) {
	totals, err := h.usage.Totals(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Warn("usage totals unavailable")
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics": h.engine.Statistics(),
		"usage":   totals,
	})
}

// Tools handles GET /v1/tools.
func (h *Handler) Tools(c *gin.Context) {
	names := h.tools.Names()
	c.JSON(http.StatusOK, gin.H{
		"tools": h.tools.Describe(names),
	})
}

// UpdateConfig handles PATCH /v1/config.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var overrides config.Overrides
	if err := c.ShouldBindJSON(&overrides); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request", "message": "failed to parse overrides: " + err.Error()},
		})
		return
	}

	old, updated, reinit, warnings := h.engine.UpdateConfig(overrides)
	c.JSON(http.StatusOK, gin.H{
		"old_config":                sanitizeConfig(old),
		"new_config":                sanitizeConfig(updated),
		"requires_reinitialization": reinit,
		"warnings":                  warnings,
	})
}

// sanitizeConfig strips credentials before a config leaves the process.
func sanitizeConfig(cfg config.Effective) gin.H {
	return gin.H{
		"provider":        cfg.Provider,
		"model":           cfg.Model,
		"stream":          cfg.Stream,
		"temperature":     cfg.Temperature,
		"max_tokens":      cfg.MaxTokens,
		"timeout":         cfg.Timeout.String(),
		"response_format": cfg.ResponseFormat,
		"safety_enabled":  cfg.SafetyEnabled,
		"max_retries":     cfg.MaxRetries,
		"source":          cfg.Source,
	}
}

// Router wires middleware and routes into a gin engine.
func Router(h *Handler, log *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))

	r.GET("/health", h.Health)
	v1 := r.Group("/v1")
	{
		v1.POST("/query", h.Query)
		v1.GET("/stats", h.Stats)
		v1.GET("/tools", h.Tools)
		v1.PATCH("/config", h.UpdateConfig)
	}
	return r
}
