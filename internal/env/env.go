// Package env composes the environment handed to spawned commands.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers KEY=VALUE sources; a later layer wins over an earlier one.
type Env struct {
	Var Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS layers the current process environment.
func (e *Env) FromOS() *Env {
	return e.Apply(os.Environ())
}

// Set sets a single variable.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.Var[k] = v
	}
	return e
}

// Apply layers "K=V" pairs. Entries without '=' or with an empty key are
// skipped.
func (e *Env) Apply(pairs []string) *Env {
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Var[kv[:i]] = kv[i+1:]
		}
	}
	return e
}

// Slice returns the sorted "K=V" list with ${VAR} references expanded
// against the composed variables. Expansion is a single pass: unknown
// references are left as written and expanded values are not re-expanded.
func (e *Env) Slice() []string {
	out := make([]string, 0, len(e.Var))
	for k, v := range e.Var {
		out = append(out, k+"="+expand(v, e.Var))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
