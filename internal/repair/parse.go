package repair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is what a repair decision asks for.
type Action string

const (
	ActionCommand Action = "command"
	ActionPatch   Action = "patch"
)

// Decision is a validated repair decision.
type Decision struct {
	Action   Action `json:"action"`
	Command  string `json:"command,omitempty"`
	Response string `json:"response"`
}

// ParseError reports a model response that did not decode into the
// expected shape.
type ParseError struct {
	Kind   string // "commands" or "decision"
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s response: %s", e.Kind, e.Reason)
}

// ParseCommands decodes {"commands": [...]} from a model response. A
// present but empty list is valid and yields no commands; blank entries
// are dropped.
func ParseCommands(raw string) ([]string, *ParseError) {
	var body struct {
		Commands *[]string `json:"commands"`
	}
	if err := decodeJSON(raw, &body); err != nil {
		return nil, &ParseError{Kind: "commands", Reason: err.Error(), Raw: raw}
	}
	if body.Commands == nil {
		return nil, &ParseError{Kind: "commands", Reason: `missing "commands"`, Raw: raw}
	}
	out := make([]string, 0, len(*body.Commands))
	for _, c := range *body.Commands {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// ParseDecision decodes and validates a repair decision. action must be
// command or patch, response must be present, and a command action must
// name the command.
func ParseDecision(raw string) (Decision, *ParseError) {
	var body struct {
		Action   *string `json:"action"`
		Command  *string `json:"command"`
		Response *string `json:"response"`
	}
	fail := func(reason string) (Decision, *ParseError) {
		return Decision{}, &ParseError{Kind: "decision", Reason: reason, Raw: raw}
	}
	if err := decodeJSON(raw, &body); err != nil {
		return fail(err.Error())
	}
	if body.Action == nil {
		return fail(`missing "action"`)
	}
	if body.Response == nil {
		return fail(`missing "response"`)
	}
	d := Decision{Action: Action(strings.ToLower(strings.TrimSpace(*body.Action))), Response: *body.Response}
	switch d.Action {
	case ActionCommand:
		if body.Command == nil || strings.TrimSpace(*body.Command) == "" {
			return fail(`action "command" without "command"`)
		}
		d.Command = strings.TrimSpace(*body.Command)
	case ActionPatch:
	default:
		return fail(fmt.Sprintf("unknown action %q", *body.Action))
	}
	return d, nil
}

// decodeJSON finds the JSON object in a model response. It accepts a bare
// object, an object inside a ``` or ```json fence, or an object surrounded
// by prose.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fmt.Errorf("empty response")
	}
	if body, ok := fenced(s); ok {
		s = body
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object found")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	return nil
}

// fenced returns the body of the first ``` fenced block, dropping an
// optional language tag on the opening line.
func fenced(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
		rest = rest[nl+1:]
	}
	closing := strings.Index(rest, "```")
	if closing < 0 {
		return rest, true
	}
	return rest[:closing], true
}
