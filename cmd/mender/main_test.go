package main

import (
	"bytes"
	"strings"
	"testing"
)

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execRoot(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, name := range []string{"serve", "run", "state", "kill", "ps", "delete"} {
		if !strings.Contains(out, name) {
			t.Fatalf("help output missing %q: %s", name, out)
		}
	}
}

func TestRequiredFlags(t *testing.T) {
	cases := [][]string{
		{"run"},
		{"state"},
		{"kill"},
		{"delete"},
	}
	for _, args := range cases {
		if _, err := execRoot(t, args...); err == nil || !strings.Contains(err.Error(), "required flag") {
			t.Fatalf("%v: expected required flag error, got %v", args, err)
		}
	}
}

func TestStateFlagsExclusive(t *testing.T) {
	_, err := execRoot(t, "state", "--project", "demo", "--stack", "--terminal")
	if err == nil {
		t.Fatalf("expected error for --stack with --terminal")
	}
}

func TestKillRejectsBadPID(t *testing.T) {
	_, err := execRoot(t, "kill", "--pid", "-3")
	if err == nil || !strings.Contains(err.Error(), "positive") {
		t.Fatalf("expected pid error, got %v", err)
	}
}

func TestClientCommandsNeedDaemon(t *testing.T) {
	_, err := execRoot(t, "ps", "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "200ms")
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Fatalf("expected unreachable daemon error, got %v", err)
	}
}

func TestServeRejectsBadEngine(t *testing.T) {
	_, err := execRoot(t, "serve", "--engine", "fiber")
	if err == nil || !strings.Contains(err.Error(), "engine") {
		t.Fatalf("expected engine error, got %v", err)
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	printJSON(&buf, map[string]int{"x": 1})
	if !strings.Contains(buf.String(), "\"x\": 1") {
		t.Fatalf("unexpected JSON output: %q", buf.String())
	}
}
