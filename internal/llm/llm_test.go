package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeUpstream(t *testing.T, content string, tokens int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		choices := []map[string]any{}
		if content != "" {
			choices = append(choices, map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req["model"],
			"choices": choices,
			"usage":   map[string]any{"prompt_tokens": tokens / 2, "completion_tokens": tokens - tokens/2, "total_tokens": tokens},
		})
	}))
}

func TestOpenAIInferReportsUsage(t *testing.T) {
	ts := fakeUpstream(t, "```json\n{\"commands\":[\"ls\"]}\n```", 30, nil)
	defer ts.Close()

	var gotProject string
	var gotTokens int
	c, err := NewOpenAI(Config{APIKey: "k", BaseURL: ts.URL + "/v1"}, func(_ context.Context, project string, n int) {
		gotProject, gotTokens = project, n
	}, nil)
	require.NoError(t, err)

	out, err := c.Infer(context.Background(), "list files", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "commands")
	assert.Equal(t, "demo", gotProject)
	assert.Equal(t, 30, gotTokens)
}

func TestOpenAINoChoices(t *testing.T) {
	ts := fakeUpstream(t, "", 4, nil)
	defer ts.Close()
	c, err := NewOpenAI(Config{APIKey: "k", BaseURL: ts.URL + "/v1"}, nil, nil)
	require.NoError(t, err)
	_, err = c.Infer(context.Background(), "x", "p")
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestOpenAIUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer ts.Close()
	c, err := NewOpenAI(Config{APIKey: "k", BaseURL: ts.URL + "/v1"}, nil, nil)
	require.NoError(t, err)
	_, err = c.Infer(context.Background(), "x", "p")
	assert.Error(t, err)
}

func TestOpenAIRateLimiterHonoursContext(t *testing.T) {
	var hits atomic.Int32
	ts := fakeUpstream(t, "ok", 1, &hits)
	defer ts.Close()
	c, err := NewOpenAI(Config{APIKey: "k", BaseURL: ts.URL + "/v1", RequestsPerMinute: 1}, nil, nil)
	require.NoError(t, err)

	_, err = c.Infer(context.Background(), "first", "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Infer(ctx, "second", "p")
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestOpenAITimeoutIsOptIn(t *testing.T) {
	inner := fakeUpstream(t, "slow answer", 2, nil)
	defer inner.Close()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		inner.Config.Handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	unbounded, err := NewOpenAI(Config{APIKey: "k", BaseURL: ts.URL + "/v1"}, nil, nil)
	require.NoError(t, err)
	out, err := unbounded.Infer(context.Background(), "p", "demo")
	require.NoError(t, err)
	assert.Equal(t, "slow answer", out)

	bounded, err := NewOpenAI(Config{APIKey: "k", BaseURL: ts.URL + "/v1", Timeout: 50 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	_, err = bounded.Infer(context.Background(), "p", "demo")
	assert.Error(t, err)
}
