// Package llmtest provides a scripted text-generation client for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrExhausted is returned once every scripted reply has been consumed and
// no fallback is set.
var ErrExhausted = errors.New("llmtest: script exhausted")

// Call records one Infer invocation.
type Call struct {
	Prompt  string
	Project string
}

// Route answers prompts containing Match with Reply, ahead of the queue.
type Route struct {
	Match string
	Reply func(n int) string
}

// Scripted replays canned replies in order. Routes are checked first and
// receive how many times they have matched so far.
type Scripted struct {
	mu       sync.Mutex
	replies  []string
	routes   []Route
	hits     map[int]int
	calls    []Call
	Fallback string
	Err      error
}

func New(replies ...string) *Scripted {
	return &Scripted{replies: replies, hits: make(map[int]int)}
}

// On adds a route matched by substring.
func (s *Scripted) On(match string, reply func(n int) string) *Scripted {
	s.mu.Lock()
	s.routes = append(s.routes, Route{Match: match, Reply: reply})
	s.mu.Unlock()
	return s
}

// Always returns a route reply that ignores the call count.
func Always(text string) func(int) string { return func(int) string { return text } }

func (s *Scripted) Infer(_ context.Context, prompt, project string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Prompt: prompt, Project: project})
	if s.Err != nil {
		return "", s.Err
	}
	for i, r := range s.routes {
		if strings.Contains(prompt, r.Match) {
			n := s.hits[i]
			s.hits[i] = n + 1
			return r.Reply(n), nil
		}
	}
	if len(s.replies) > 0 {
		out := s.replies[0]
		s.replies = s.replies[1:]
		return out, nil
	}
	if s.Fallback != "" {
		return s.Fallback, nil
	}
	return "", ErrExhausted
}

func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many prompts contained match.
func (s *Scripted) Count(match string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c.Prompt, match) {
			n++
		}
	}
	return n
}
