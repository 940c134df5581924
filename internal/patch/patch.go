package patch

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/loykin/mender/internal/llm"
	"github.com/loykin/mender/internal/metrics"
	"github.com/loykin/mender/internal/project"
	"github.com/loykin/mender/internal/repair"
	"github.com/loykin/mender/internal/state"
)

//go:embed prompts/patch.tmpl
var promptFS embed.FS

var promptTmpl = template.Must(template.New("patch.tmpl").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).ParseFS(promptFS, "prompts/patch.tmpl"))

// States is the part of the state manager the patcher appends to.
type States interface {
	Next(ctx context.Context, project string) state.Snapshot
	Append(ctx context.Context, project string, s state.Snapshot) error
}

// Narrator receives transcript lines.
type Narrator interface {
	LogMessage(ctx context.Context, project, text string) error
}

type Config struct {
	LLM      llm.Client
	States   States
	Narrator Narrator
	Attempts int
	Logger   *slog.Logger
}

// Patcher asks the model for rewritten files and writes them into the
// project directory.
type Patcher struct {
	llm      llm.Client
	states   States
	narrator Narrator
	attempts int
	logger   *slog.Logger
}

func New(cfg Config) *Patcher {
	p := &Patcher{llm: cfg.LLM, states: cfg.States, narrator: cfg.Narrator, attempts: cfg.Attempts, logger: cfg.Logger}
	if p.attempts <= 0 {
		p.attempts = repair.DefaultAttempts
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Prompt renders the patch request for a failed command.
func Prompt(in repair.Context) (string, error) {
	var b strings.Builder
	if err := promptTmpl.Execute(&b, in); err != nil {
		return "", fmt.Errorf("render patch prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Apply generates a patch, shows each file being written in the project's
// state, and saves the files under dir. It returns the files that were
// written.
func (p *Patcher) Apply(ctx context.Context, projectName, dir string, in repair.Context) ([]project.File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrNoProjectDir
	}
	files, err := p.Generate(ctx, projectName, in)
	if err != nil {
		return nil, err
	}
	p.showWriting(ctx, projectName, files)
	return p.Save(ctx, projectName, dir, files), nil
}

// Generate asks for a patch until one parses or the attempt budget is spent.
func (p *Patcher) Generate(ctx context.Context, projectName string, in repair.Context) ([]project.File, error) {
	prompt, err := Prompt(in)
	if err != nil {
		return nil, err
	}
	var last error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := p.llm.Infer(ctx, prompt, projectName)
		if err != nil {
			last = err
			p.logger.Warn("patch request failed", "project", projectName, "attempt", attempt, "error", err)
			continue
		}
		files, perr := ParseFiles(raw)
		if perr != nil {
			last = perr
			metrics.IncParseFailure(perr.Kind)
			p.logger.Warn("invalid patch response, asking again", "project", projectName, "attempt", attempt, "reason", perr.Reason)
			continue
		}
		return files, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", repair.ErrBudgetExhausted, p.attempts, last)
}

func (p *Patcher) showWriting(ctx context.Context, projectName string, files []project.File) {
	if p.states == nil {
		return
	}
	for _, f := range files {
		s := p.states.Next(ctx, projectName)
		s.InternalMonologue = state.Str("Writing code...")
		s.TerminalSession = state.TerminalSession{
			Command: state.Str("vim " + f.Path),
			Output:  state.Str(f.Code),
			Title:   state.Str("Editing " + f.Path),
		}
		if err := p.states.Append(ctx, projectName, s); err != nil {
			p.logger.Error("append writing snapshot", "project", projectName, "file", f.Path, "error", err)
		}
	}
}

// ErrOutsideProject rejects patch paths that would land outside the
// project directory.
var ErrOutsideProject = errors.New("path escapes project directory")

// ErrNoProjectDir rejects patches for a run without a project directory.
var ErrNoProjectDir = errors.New("patch needs a project directory")

// Save writes files under dir. A file that cannot be written is logged and
// skipped; the rest are still written. Creating a file that did not exist
// is narrated to the transcript.
func (p *Patcher) Save(ctx context.Context, projectName, dir string, files []project.File) []project.File {
	written := make([]project.File, 0, len(files))
	for _, f := range files {
		full, err := resolve(dir, f.Path)
		if err != nil {
			p.logger.Warn("skip patch file", "project", projectName, "file", f.Path, "error", err)
			continue
		}
		_, statErr := os.Stat(full)
		created := os.IsNotExist(statErr)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			p.logger.Error("create patch directory", "project", projectName, "file", f.Path, "error", err)
			continue
		}
		if err := os.WriteFile(full, []byte(f.Code), 0o644); err != nil {
			p.logger.Error("write patch file", "project", projectName, "file", f.Path, "error", err)
			continue
		}
		written = append(written, f)
		if created && p.narrator != nil {
			if err := p.narrator.LogMessage(ctx, projectName, "Creating new file: "+f.Path); err != nil {
				p.logger.Warn("narrate new file", "project", projectName, "error", err)
			}
		}
	}
	p.logger.Info("patch saved", "project", projectName, "files", len(written), "skipped", len(files)-len(written))
	return written
}

func resolve(dir, rel string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", ErrNoProjectDir
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%q: %w", rel, ErrOutsideProject)
	}
	return filepath.Join(dir, local), nil
}

// ParseFiles decodes the "File: `path`:" fenced format. Text outside code
// fences is ignored, and an optional ~~~ wrapper is stripped.
func ParseFiles(raw string) ([]project.File, *repair.ParseError) {
	fail := func(reason string) ([]project.File, *repair.ParseError) {
		return nil, &repair.ParseError{Kind: "patch", Reason: reason, Raw: raw}
	}
	s := strings.TrimSpace(raw)
	s = strings.TrimSpace(strings.TrimPrefix(s, "~~~"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "~~~"))

	var (
		out     []project.File
		current string
		code    []string
		inBlock bool
		have    bool
	)
	flush := func() {
		if have && current != "" {
			out = append(out, project.File{Path: current, Code: strings.Join(code, "\n")})
		}
	}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case !inBlock && strings.HasPrefix(line, "File:"):
			flush()
			name, ok := fileName(line)
			if !ok {
				return fail(fmt.Sprintf("cannot read file name from %q", line))
			}
			current, code, have = name, nil, true
		case strings.HasPrefix(strings.TrimSpace(line), "```"):
			inBlock = !inBlock
		case inBlock:
			code = append(code, line)
		}
	}
	flush()
	if len(out) == 0 {
		return fail("no files found")
	}
	return out, nil
}

func fileName(line string) (string, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "File:"))
	if i := strings.IndexByte(rest, '`'); i >= 0 {
		j := strings.IndexByte(rest[i+1:], '`')
		if j < 0 {
			return "", false
		}
		rest = rest[i+1 : i+1+j]
	} else {
		rest = strings.TrimSuffix(rest, ":")
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return path.Clean(filepath.ToSlash(rest)), true
}
