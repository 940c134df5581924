package state

import "time"

// CompletedMonologue is written by SetCompleted.
const CompletedMonologue = "Agent has completed the task."

// TimestampLayout is the format of Snapshot.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// BrowserSession is carried through untouched; this service never reads it.
type BrowserSession struct {
	URL        *string `json:"url"`
	Screenshot *string `json:"screenshot"`
}

// TerminalSession mirrors what the terminal pane shows for the latest command.
type TerminalSession struct {
	Command *string `json:"command"`
	Output  *string `json:"output"`
	Title   *string `json:"title"`
}

// Snapshot is one element of a project's agent-state stack.
// Nullable text fields are pointers so that null survives a round trip.
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

// NewSnapshot returns a snapshot with every field defaulted: active, not
// completed, zero token usage, stamped now.
func NewSnapshot() Snapshot {
	return Snapshot{
		AgentIsActive: true,
		Timestamp:     time.Now().Format(TimestampLayout),
	}
}

// Str returns a pointer to s, for populating nullable fields.
func Str(s string) *string { return &s }

// Deref returns the pointed-to string or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// WithTerminal returns a copy of s showing command and its output so far.
func (s Snapshot) WithTerminal(command, output, monologue string) Snapshot {
	s.InternalMonologue = Str(monologue)
	s.TerminalSession = TerminalSession{
		Command: Str(command),
		Output:  Str(output),
		Title:   Str("Terminal"),
	}
	s.Timestamp = time.Now().Format(TimestampLayout)
	return s
}
