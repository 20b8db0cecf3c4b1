package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbeam/conductor/internal/config"
	"github.com/offbeam/conductor/internal/llm"
	"github.com/offbeam/conductor/internal/tools"
	"github.com/offbeam/conductor/internal/usage"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestRouter wires a full stack against a fake OpenAI-compatible
// backend. backend == "" leaves the engine uninitialized.
func newTestRouter(t *testing.T, backend string) http.Handler {
	t.Helper()
	log := quietLogger()

	cfg := config.Defaults()
	if backend != "" {
		cfg.Provider = config.ProviderSelfHosted
		cfg.SelfHosted.Endpoint = backend
	} else {
		cfg.OpenAI.APIKey = ""
	}
	store := config.NewStore(cfg)

	manager := tools.NewManager(log)
	tools.RegisterBuiltins(manager)

	engine := llm.NewEngine(store, manager, usage.Noop{}, log)
	handler := NewHandler(engine, manager, usage.Noop{}, log)
	return Router(handler, log)
}

func fakeBackend(t *testing.T, text string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`, text)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHealth(t *testing.T) {
	backend := fakeBackend(t, "ok")
	router := newTestRouter(t, backend.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status["status"])
	assert.Equal(t, "selfhosted", status["provider"])
	assert.EqualValues(t, 2, status["tools"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth_Uninitialized(t *testing.T) {
	router := newTestRouter(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestQuery_Blocking(t *testing.T) {
	backend := fakeBackend(t, "The answer is 4.")
	router := newTestRouter(t, backend.URL)

	body := strings.NewReader(`{"query":"What is 2+2?"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var result llm.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "The answer is 4.", result.Text)
	assert.Equal(t, "selfhosted", result.Provider)
	assert.Equal(t, config.SourceSystem, result.Source)
}

func TestQuery_Streaming(t *testing.T) {
	backend := fakeBackend(t, "streamed answer")
	router := newTestRouter(t, backend.URL)

	body := strings.NewReader(`{"query":"hi","stream":true}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var sawInit, sawText, sawDone bool
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var event wireEvent
		require.NoError(t, json.Unmarshal([]byte(data), &event))
		switch event.Type {
		case "init":
			sawInit = true
			assert.Equal(t, "selfhosted", event.Provider)
		case "text":
			if strings.Contains(event.Text, "streamed answer") {
				sawText = true
			}
		}
	}
	assert.True(t, sawInit, "missing init event")
	assert.True(t, sawText, "missing text event")
	assert.True(t, sawDone, "missing [DONE] terminator")
}

func TestQuery_MissingBody(t *testing.T) {
	backend := fakeBackend(t, "ok")
	router := newTestRouter(t, backend.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestQuery_ConfigurationError(t *testing.T) {
	router := newTestRouter(t, "")

	body := strings.NewReader(`{"query":"hi"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", body))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "configuration_error")
	assert.Contains(t, rec.Body.String(), `"provider":"openai"`)
	assert.Contains(t, rec.Body.String(), `"config_source"`)
}

func TestTools_ListsBuiltins(t *testing.T) {
	backend := fakeBackend(t, "ok")
	router := newTestRouter(t, backend.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "current_time")
	assert.Contains(t, rec.Body.String(), "calculate")
}

func TestStats(t *testing.T) {
	backend := fakeBackend(t, "4")
	router := newTestRouter(t, backend.URL)

	// One query so the counters move.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"2+2"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Metrics llm.MetricsSnapshot `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Metrics.Requests)
	assert.EqualValues(t, 1, stats.Metrics.Successes)
}

func TestUpdateConfig(t *testing.T) {
	backend := fakeBackend(t, "ok")
	router := newTestRouter(t, backend.URL)

	body := strings.NewReader(`{"model":"llama3.1","temperature":0.1}`)
	req := httptest.NewRequest(http.MethodPatch, "/v1/config", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Old      map[string]any `json:"old_config"`
		New      map[string]any `json:"new_config"`
		Reinit   bool           `json:"requires_reinitialization"`
		Warnings []string       `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "llama3.1", resp.New["model"])
	assert.NotEqual(t, resp.Old["model"], resp.New["model"])
	assert.False(t, resp.Reinit)
	assert.Equal(t, "caller", resp.New["source"])

	// Credentials never appear in config responses.
	assert.NotContains(t, rec.Body.String(), "api_key")
}

func TestUpdateConfig_WarnsOnUnknownKeys(t *testing.T) {
	backend := fakeBackend(t, "ok")
	router := newTestRouter(t, backend.URL)

	body := strings.NewReader(`{"flux_capacitor":true}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/v1/config", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flux_capacitor")
}
