package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/loykin/mender/internal/metrics"
)

// Client is the upstream text-generation collaborator. project scopes token
// accounting; it does not change the answer.
type Client interface {
	Infer(ctx context.Context, prompt, project string) (string, error)
}

// UsageFunc receives the tokens an upstream call consumed for project.
type UsageFunc func(ctx context.Context, project string, tokens int)

// ErrNoChoices is returned when the upstream answered without any content.
var ErrNoChoices = errors.New("llm: response has no choices")

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultSystemPrompt = "You are a meticulous software engineer operating a terminal."
)

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	// RequestsPerMinute paces upstream calls; 0 disables pacing.
	RequestsPerMinute int
	// Timeout bounds each call when positive; zero leaves calls unbounded.
	Timeout           time.Duration
}

// OpenAI talks to any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	onUsage UsageFunc
	logger  *slog.Logger
}

func NewOpenAI(cfg Config, onUsage UsageFunc, logger *slog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && cfg.BaseURL == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		limiter: limiter,
		onUsage: onUsage,
		logger:  logger.With("model", cfg.Model),
	}, nil
}

func (o *OpenAI) Infer(ctx context.Context, prompt, project string) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("llm: rate limit wait: %w", err)
		}
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	req := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: o.cfg.Temperature,
	}
	if o.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = o.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		metrics.IncModelRequest("error")
		o.logger.Error("upstream call failed", "project", project, "error", err)
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	metrics.IncModelRequest("ok")
	if n := resp.Usage.TotalTokens; n > 0 {
		metrics.AddModelTokens(n)
		if o.onUsage != nil {
			o.onUsage(ctx, project, n)
		}
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	o.logger.Debug("upstream call done", "project", project, "tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.Choices[0].FinishReason, "duration", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}
