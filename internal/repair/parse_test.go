package repair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommands(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{"fenced json", "```json\n{\"commands\": [\"npm install\", \"npm test\"]}\n```", []string{"npm install", "npm test"}, false},
		{"bare fence", "```\n{\"commands\": [\"ls\"]}\n```", []string{"ls"}, false},
		{"bare object", `{"commands": ["make"]}`, []string{"make"}, false},
		{"prose around", "Sure! Here you go:\n```json\n{\"commands\": [\"go build\"]}\n```\nGood luck.", []string{"go build"}, false},
		{"blank entries dropped", `{"commands": ["", "  ", "ls"]}`, []string{"ls"}, false},
		{"empty list is valid", `{"commands": []}`, []string{}, false},
		{"missing key", `{"cmds": ["ls"]}`, nil, true},
		{"not json", "I cannot help with that.", nil, true},
		{"empty", "", nil, true},
		{"broken json", "```json\n{\"commands\": [\"ls\"\n```", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, perr := ParseCommands(tt.raw)
			if tt.wantErr {
				require.NotNil(t, perr)
				assert.Equal(t, "commands", perr.Kind)
				assert.Equal(t, tt.raw, perr.Raw)
				return
			}
			require.Nil(t, perr)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Decision
		wantErr string
	}{
		{
			name: "command",
			raw:  "```json\n{\"action\":\"command\",\"command\":\"npm ci\",\"response\":\"reinstalling\"}\n```",
			want: Decision{Action: ActionCommand, Command: "npm ci", Response: "reinstalling"},
		},
		{
			name: "patch without command",
			raw:  `{"action":"patch","response":"fixing the import"}`,
			want: Decision{Action: ActionPatch, Response: "fixing the import"},
		},
		{
			name: "action is case insensitive",
			raw:  `{"action":"Patch","response":""}`,
			want: Decision{Action: ActionPatch},
		},
		{name: "missing action", raw: `{"command":"ls","response":"x"}`, wantErr: "action"},
		{name: "missing response", raw: `{"action":"command","command":"ls"}`, wantErr: "response"},
		{name: "command action without command", raw: `{"action":"command","response":"x"}`, wantErr: "without"},
		{name: "unknown action", raw: `{"action":"delete","response":"x"}`, wantErr: "unknown action"},
		{name: "garbage", raw: "no idea", wantErr: "no JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, perr := ParseDecision(tt.raw)
			if tt.wantErr != "" {
				require.NotNil(t, perr)
				assert.Contains(t, perr.Error(), tt.wantErr)
				return
			}
			require.Nil(t, perr)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPromptsRender(t *testing.T) {
	in := Context{
		Conversation: []string{"build me a todo app"},
		CodeMarkdown: "File: `main.go`:\n```\npackage main\n```",
		SystemOS:     "linux",
		Commands:     []string{"go build", "go test"},
		Error:        "undefined: foo",
	}
	p, err := CommandsPrompt(in)
	require.NoError(t, err)
	assert.Contains(t, p, "build me a todo app")
	assert.Contains(t, p, `"commands"`)
	assert.Contains(t, p, "linux")

	p, err = DecisionPrompt(in)
	require.NoError(t, err)
	assert.Contains(t, p, "1. go build")
	assert.Contains(t, p, "2. go test")
	assert.Contains(t, p, "undefined: foo")
	assert.Contains(t, p, `"action"`)
}
