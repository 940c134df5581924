package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/mender/internal/llm"
	"github.com/loykin/mender/internal/metrics"
)

// DefaultAttempts bounds how many times one decision or command list is
// requested before giving up.
const DefaultAttempts = 5

// ErrBudgetExhausted is returned when no valid decision arrived within the
// attempt budget.
var ErrBudgetExhausted = errors.New("repair: attempt budget exhausted")

// Client asks the model what to run and how to recover from failures.
type Client struct {
	llm      llm.Client
	attempts int
	logger   *slog.Logger
}

func NewClient(c llm.Client, attempts int, logger *slog.Logger) *Client {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{llm: c, attempts: attempts, logger: logger}
}

// Attempts returns the configured attempt budget.
func (c *Client) Attempts() int { return c.attempts }

// Commands makes one request for the command list. A response that does
// not decode is returned as *ParseError; the caller owns the retry loop.
func (c *Client) Commands(ctx context.Context, project string, in Context) ([]string, error) {
	prompt, err := CommandsPrompt(in)
	if err != nil {
		return nil, err
	}
	raw, err := c.llm.Infer(ctx, prompt, project)
	if err != nil {
		return nil, fmt.Errorf("request commands: %w", err)
	}
	cmds, perr := ParseCommands(raw)
	if perr != nil {
		metrics.IncParseFailure(perr.Kind)
		return nil, perr
	}
	return cmds, nil
}

// Decide asks how to recover from a failed command, re-asking on upstream
// errors and malformed answers until the attempt budget runs out.
func (c *Client) Decide(ctx context.Context, project string, in Context) (Decision, error) {
	prompt, err := DecisionPrompt(in)
	if err != nil {
		return Decision{}, err
	}
	var last error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		raw, err := c.llm.Infer(ctx, prompt, project)
		if err != nil {
			last = err
			c.logger.Warn("repair decision request failed", "project", project, "attempt", attempt, "error", err)
			continue
		}
		d, perr := ParseDecision(raw)
		if perr != nil {
			last = perr
			metrics.IncParseFailure(perr.Kind)
			c.logger.Warn("invalid repair decision, asking again", "project", project, "attempt", attempt, "reason", perr.Reason)
			continue
		}
		metrics.IncRepairDecision(string(d.Action))
		return d, nil
	}
	return Decision{}, fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, c.attempts, last)
}
