package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mender/internal/metrics"
	"github.com/loykin/mender/internal/project"
	"github.com/loykin/mender/internal/repair"
	"github.com/loykin/mender/internal/state"
	"github.com/loykin/mender/internal/supervisor"
)

const (
	DefaultRetryBudget = 2
	DefaultAttempts    = 5
	DefaultRepairDelay = time.Second
)

// Phase is the lifecycle of one command in a list.
type Phase string

const (
	Pending   Phase = "PENDING"
	Running   Phase = "RUNNING"
	Succeeded Phase = "SUCCEEDED"
	Failed    Phase = "FAILED"
	Repairing Phase = "REPAIRING"
	Aborted   Phase = "ABORTED"
)

type Spawner interface {
	Spawn(ctx context.Context, project, dir, command string) supervisor.Outcome
}

type Decider interface {
	Commands(ctx context.Context, project string, in repair.Context) ([]string, error)
	Decide(ctx context.Context, project string, in repair.Context) (repair.Decision, error)
}

type Patcher interface {
	Apply(ctx context.Context, project, dir string, in repair.Context) ([]project.File, error)
}

type Narrator interface {
	LogMessage(ctx context.Context, project, text string) error
}

type States interface {
	Next(ctx context.Context, project string) state.Snapshot
	Append(ctx context.Context, project string, s state.Snapshot) error
	SetActive(ctx context.Context, project string, active bool) error
	SetCompleted(ctx context.Context, project string, completed bool) error
	IsActive(ctx context.Context, project string) (active, ok bool, err error)
}

type Config struct {
	Spawner  Spawner
	Decider  Decider
	Patcher  Patcher
	States   States
	Narrator Narrator
	Logger   *slog.Logger

	// RetryBudget is how many failed repair reruns one command list may
	// absorb before it is aborted.
	RetryBudget int
	// Attempts bounds how many command lists Execute requests.
	Attempts int
	// RepairDelay is slept between a failure and asking for its repair.
	// Zero means DefaultRepairDelay; a negative value disables the delay.
	RepairDelay time.Duration
}

// Request describes one run for a project.
type Request struct {
	// RunID is generated when empty.
	RunID        string   `json:"run_id,omitempty"`
	Project      string   `json:"project"`
	Dir          string   `json:"dir"`
	Conversation []string `json:"conversation,omitempty"`
	// CodeMarkdown is read from Dir when empty.
	CodeMarkdown string `json:"code_markdown,omitempty"`
	// SystemOS defaults to the host's GOOS.
	SystemOS string `json:"system_os,omitempty"`
	// Commands skips asking the model for a list when set.
	Commands []string `json:"commands,omitempty"`
}

// Result reports how a run ended. It is the only failure channel: Execute
// never returns an error.
type Result struct {
	RunID    string   `json:"run_id"`
	Project  string   `json:"project"`
	Success  bool     `json:"success"`
	Commands []string `json:"commands,omitempty"`
	Attempts int      `json:"attempts"`
}

// Orchestrator runs command lists for projects, repairing failures through
// the model. One Execute handles one project strictly sequentially; calls
// for different projects may run concurrently.
type Orchestrator struct {
	spawner  Spawner
	decider  Decider
	patcher  Patcher
	states   States
	narrator Narrator
	logger   *slog.Logger
	budget   int
	attempts int
	delay    time.Duration
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		spawner:  cfg.Spawner,
		decider:  cfg.Decider,
		patcher:  cfg.Patcher,
		states:   cfg.States,
		narrator: cfg.Narrator,
		logger:   cfg.Logger,
		budget:   cfg.RetryBudget,
		attempts: cfg.Attempts,
		delay:    cfg.RepairDelay,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.budget <= 0 {
		o.budget = DefaultRetryBudget
	}
	if o.attempts <= 0 {
		o.attempts = DefaultAttempts
	}
	switch {
	case o.delay == 0:
		o.delay = DefaultRepairDelay
	case o.delay < 0:
		o.delay = 0
	}
	return o
}

// Execute marks the project active, obtains a command list (unless the
// request carries one) and runs it, asking for a fresh list after an
// unusable answer or a failed run until the attempt budget is spent.
//
// The active flag is advisory: a second Execute for the same project is
// logged and allowed to proceed.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Result {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	res := Result{RunID: req.RunID, Project: req.Project}
	ctx = supervisor.WithRunID(ctx, res.RunID)
	log := o.logger.With("project", req.Project, "run_id", res.RunID)

	if active, ok, err := o.states.IsActive(ctx, req.Project); err == nil && ok && active {
		log.Warn("project already has an active run")
	}
	if err := o.states.SetActive(ctx, req.Project, true); err != nil {
		log.Error("mark agent active", "error", err)
	}
	defer func() {
		if err := o.states.SetActive(context.WithoutCancel(ctx), req.Project, false); err != nil {
			log.Error("mark agent inactive", "error", err)
		}
	}()

	if req.SystemOS == "" {
		req.SystemOS = runtime.GOOS
	}
	in := o.context(req)
	log.Info("run started", "dir", req.Dir)

	if len(req.Commands) > 0 {
		res.Attempts = 1
		res.Commands = req.Commands
		res.Success = o.RunCommands(ctx, req, req.Commands)
	} else {
		for res.Attempts < o.attempts && !res.Success {
			if ctx.Err() != nil {
				break
			}
			res.Attempts++
			cmds, err := o.decider.Commands(ctx, req.Project, in)
			if err != nil {
				log.Warn("no usable command list", "attempt", res.Attempts, "error", err)
				continue
			}
			if len(cmds) == 0 {
				log.Warn("model returned an empty command list", "attempt", res.Attempts)
				continue
			}
			res.Commands = cmds
			res.Success = o.RunCommands(ctx, req, cmds)
			if !res.Success {
				log.Warn("command list failed, asking for another", "attempt", res.Attempts)
				in = o.context(req)
			}
		}
	}

	if res.Success {
		metrics.IncRun("success")
		if err := o.states.SetCompleted(context.WithoutCancel(ctx), req.Project, true); err != nil {
			log.Error("mark completed", "error", err)
		}
		log.Info("run succeeded", "attempts", res.Attempts)
	} else {
		metrics.IncRun("failure")
		log.Error("run failed", "attempts", res.Attempts)
	}
	return res
}

// RunCommands runs cmds in order. A failed command is sent for repair and
// rerun while the list's retry budget lasts; the budget is shared by every
// command in the list and is only consumed when a rerun also fails. Once it
// is spent a failing command is left failed and the next one runs; the list
// then reports false. An unusable repair decision or a cancelled ctx stops
// the list. An empty list succeeds.
//
// A patch decision reruns the first command of cmds, not the one that
// failed.
func (o *Orchestrator) RunCommands(ctx context.Context, req Request, cmds []string) bool {
	if len(cmds) == 0 {
		return true
	}
	if req.SystemOS == "" {
		req.SystemOS = runtime.GOOS
	}
	log := o.logger.With("project", req.Project, "run_id", supervisor.RunID(ctx))
	in := o.context(req)
	in.Commands = cmds
	retries := 0
	success := true

	for _, command := range cmds {
		if ctx.Err() != nil {
			return false
		}
		attempt := 1
		o.transition(log, command, Pending, Running)
		out := o.run(ctx, req, command, attempt)

		for out.Failed {
			o.transition(log, command, Running, Failed)
			o.note(ctx, req.Project, command, out.Output,
				fmt.Sprintf("Oh, seems like there is some error with the command '%s': %s", command, out.Output))
			if retries >= o.budget {
				o.transition(log, command, Failed, Aborted)
				log.Error("retry budget exhausted", "command", command, "retries", retries)
				success = false
				break
			}
			o.transition(log, command, Failed, Repairing)
			if !o.sleep(ctx) {
				o.transition(log, command, Repairing, Aborted)
				return false
			}

			in.Error = out.Output
			next, ok := o.repair(ctx, req, &in, cmds)
			if !ok {
				o.transition(log, command, Repairing, Aborted)
				return false
			}
			command = next
			attempt++
			o.transition(log, command, Repairing, Running)
			out = o.run(ctx, req, command, attempt)
			if out.Failed {
				retries++
			}
		}
		if !out.Failed {
			o.transition(log, command, Running, Succeeded)
		}
	}
	return success
}

// run appends a fresh snapshot for the attempt and spawns the command into it.
func (o *Orchestrator) run(ctx context.Context, req Request, command string, attempt int) supervisor.Outcome {
	o.note(ctx, req.Project, command, "", fmt.Sprintf("Running the command '%s' (attempt %d)", command, attempt))
	return o.spawner.Spawn(ctx, req.Project, req.Dir, command)
}

// repair asks for a decision and carries it out, returning the command to
// run next. A patch is written before the first listed command is rerun.
func (o *Orchestrator) repair(ctx context.Context, req Request, in *repair.Context, cmds []string) (string, bool) {
	log := o.logger.With("project", req.Project)
	d, err := o.decider.Decide(ctx, req.Project, *in)
	if err != nil {
		log.Error("no repair decision", "error", err)
		o.narrate(ctx, req.Project, "I could not work out how to fix the failing command.")
		return "", false
	}
	o.narrate(ctx, req.Project, d.Response)

	switch d.Action {
	case repair.ActionCommand:
		log.Info("repair: rerun with new command", "command", d.Command)
		return d.Command, true
	case repair.ActionPatch:
		if o.patcher == nil {
			log.Error("repair asked for a patch but no patcher is configured")
			return "", false
		}
		files, err := o.patcher.Apply(ctx, req.Project, req.Dir, *in)
		if err != nil {
			log.Error("patch failed", "error", err)
			return "", false
		}
		log.Info("repair: patched project", "files", len(files), "rerun", cmds[0])
		if req.CodeMarkdown == "" {
			in.CodeMarkdown = o.codeMarkdown(req.Dir)
		}
		return cmds[0], true
	default:
		log.Error("unknown repair action", "action", d.Action)
		return "", false
	}
}

func (o *Orchestrator) context(req Request) repair.Context {
	md := req.CodeMarkdown
	if md == "" {
		md = o.codeMarkdown(req.Dir)
	}
	return repair.Context{
		Conversation: req.Conversation,
		CodeMarkdown: md,
		SystemOS:     req.SystemOS,
	}
}

func (o *Orchestrator) codeMarkdown(dir string) string {
	if dir == "" {
		return ""
	}
	md, err := project.CodeMarkdown(dir, o.logger)
	if err != nil {
		o.logger.Warn("read project files", "dir", dir, "error", err)
		return ""
	}
	return md
}

func (o *Orchestrator) note(ctx context.Context, projectName, command, output, monologue string) {
	s := o.states.Next(ctx, projectName).WithTerminal(command, output, monologue)
	if err := o.states.Append(ctx, projectName, s); err != nil {
		o.logger.Error("append snapshot", "project", projectName, "error", err)
	}
}

func (o *Orchestrator) narrate(ctx context.Context, projectName, text string) {
	if o.narrator == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := o.narrator.LogMessage(ctx, projectName, text); err != nil {
		o.logger.Warn("transcript write failed", "project", projectName, "error", err)
	}
}

func (o *Orchestrator) sleep(ctx context.Context) bool {
	if o.delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(o.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) transition(log *slog.Logger, command string, from, to Phase) {
	metrics.RecordStateTransition(string(from), string(to))
	log.Debug("command state", "command", command, "from", from, "to", to)
}
