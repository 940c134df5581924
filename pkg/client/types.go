package client

import "time"

// ExecuteRequest starts an orchestrator run for a project.
type ExecuteRequest struct {
	Project      string   `json:"project"`
	Message      string   `json:"message,omitempty"`
	Dir          string   `json:"dir,omitempty"`
	Conversation []string `json:"conversation,omitempty"`
	Commands     []string `json:"commands,omitempty"`
}

// Accepted is returned for a run started in the background.
type Accepted struct {
	RunID   string `json:"run_id"`
	Project string `json:"project"`
}

// RunResult reports how a run ended.
type RunResult struct {
	RunID    string   `json:"run_id"`
	Project  string   `json:"project"`
	Success  bool     `json:"success"`
	Commands []string `json:"commands,omitempty"`
	Attempts int      `json:"attempts"`
}

type TerminalSession struct {
	Command *string `json:"command"`
	Output  *string `json:"output"`
	Title   *string `json:"title"`
}

type BrowserSession struct {
	URL        *string `json:"url"`
	Screenshot *string `json:"screenshot"`
}

// Snapshot is one element of a project's agent-state stack.
type Snapshot struct {
	InternalMonologue *string         `json:"internal_monologue"`
	BrowserSession    BrowserSession  `json:"browser_session"`
	TerminalSession   TerminalSession `json:"terminal_session"`
	Step              *string         `json:"step"`
	Message           *string         `json:"message"`
	Completed         bool            `json:"completed"`
	AgentIsActive     bool            `json:"agent_is_active"`
	TokenUsage        int             `json:"token_usage"`
	Timestamp         string          `json:"timestamp"`
}

// ProcessInfo describes a live command.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	Project   string    `json:"project"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Message is one transcript line.
type Message struct {
	ID        int64     `json:"id"`
	Project   string    `json:"project"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
