// Package mender runs shell commands for agent projects, streams their
// output into a per-project state stack and asks a language model how to
// recover when a command fails.
package mender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/mender/internal/config"
	"github.com/loykin/mender/internal/events"
	"github.com/loykin/mender/internal/history"
	hfactory "github.com/loykin/mender/internal/history/factory"
	"github.com/loykin/mender/internal/llm"
	"github.com/loykin/mender/internal/metrics"
	"github.com/loykin/mender/internal/orchestrator"
	"github.com/loykin/mender/internal/patch"
	"github.com/loykin/mender/internal/process"
	"github.com/loykin/mender/internal/repair"
	iapi "github.com/loykin/mender/internal/server"
	"github.com/loykin/mender/internal/state"
	"github.com/loykin/mender/internal/store"
	sfactory "github.com/loykin/mender/internal/store/factory"
	"github.com/loykin/mender/internal/supervisor"
	mtls "github.com/loykin/mender/internal/tls"
	"github.com/loykin/mender/internal/transcript"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Request = orchestrator.Request

type Result = orchestrator.Result

type Snapshot = state.Snapshot

type ProcessInfo = process.Info

type Message = store.Message

type Event = events.Event

type EventSink = events.Sink

type HistorySink = history.Sink

type LLM = llm.Client

// Options supplies collaborators that are not built from Config.
type Options struct {
	// LLM replaces the OpenAI-compatible client built from Config.LLM. Token
	// usage is then only accounted if the caller reports it.
	LLM    LLM
	Logger *slog.Logger
	// Observers receive every broadcast event alongside the websocket hub.
	Observers []EventSink
	// History adds sinks to those named by Config.History.
	History []HistorySink
}

// Agent is the assembled runtime: storage, event hub, supervisor and
// orchestrator sharing one process registry.
type Agent struct {
	cfg        *Config
	logger     *slog.Logger
	store      store.Store
	hub        *events.Hub
	states     *state.Manager
	transcript *transcript.Logger
	sup        *supervisor.Supervisor
	orch       *orchestrator.Orchestrator
	history    []history.Sink

	stopSampler context.CancelFunc
	sampling    sync.WaitGroup
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// New wires an Agent from c. The caller owns the Agent and must Close it.
func New(c *Config, opts Options) (*Agent, error) {
	if c == nil {
		return nil, errors.New("mender: nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = c.Log.Logging().NewSlogger()
	}

	st, err := sfactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a := &Agent{cfg: c, logger: logger, store: st, hub: events.NewHub(logger)}

	sinks := append([]events.Sink{a.hub}, opts.Observers...)
	sink := events.Multi(sinks...)
	a.states = state.New(st, sink, logger)
	a.transcript = transcript.New(st, logger)

	if c.History.Enabled {
		for _, dsn := range c.History.DSNs {
			hs, err := hfactory.NewSinkFromDSN(dsn)
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("history sink %q: %w", dsn, err)
			}
			a.history = append(a.history, hs)
		}
	}
	histories := append(append([]history.Sink(nil), a.history...), opts.History...)

	env, err := c.CommandEnv()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	launcher, err := process.LauncherByName(c.Runner.Launcher)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.sup = supervisor.New(supervisor.Config{
		Launcher:     launcher,
		Registry:     process.NewRegistry(sink, logger),
		States:       a.states,
		Sink:         sink,
		History:      histories,
		Logger:       logger,
		Terminal:     c.Log.Logging().File,
		Env:          env,
		ChunkSize:    c.Runner.ChunkSize,
		DrainTimeout: c.Runner.DrainTimeout,
	})

	model := opts.LLM
	if model == nil {
		model, err = llm.NewOpenAI(c.LLM.Client(), a.addTokens, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.orch = orchestrator.New(orchestrator.Config{
		Spawner: a.sup,
		Decider: repair.NewClient(model, c.LLM.Attempts, logger),
		Patcher: patch.New(patch.Config{
			LLM:      model,
			States:   a.states,
			Narrator: a.transcript,
			Attempts: c.LLM.Attempts,
			Logger:   logger,
		}),
		States:      a.states,
		Narrator:    a.transcript,
		Logger:      logger,
		RetryBudget: c.Runner.RetryBudget,
		Attempts:    c.Runner.Attempts,
		RepairDelay: c.Runner.RepairDelay,
	})

	if c.Metrics.Enabled && c.Metrics.SampleInterval > 0 {
		a.startSampler(c.Metrics.SampleInterval)
	}
	return a, nil
}

// startSampler publishes CPU and memory of live commands per project.
func (a *Agent) startSampler(interval time.Duration) {
	reg := a.sup.Registry()
	s := metrics.NewSampler(interval, func() []metrics.Target {
		live := reg.List("")
		out := make([]metrics.Target, len(live))
		for i, p := range live {
			out[i] = metrics.Target{PID: p.PID, Project: p.Project}
		}
		return out
	}, a.logger)
	ctx, cancel := context.WithCancel(context.Background())
	a.stopSampler = cancel
	a.sampling.Add(1)
	go func() {
		defer a.sampling.Done()
		s.Run(ctx)
	}()
}

func (a *Agent) addTokens(ctx context.Context, project string, n int) {
	if err := a.states.AddTokenUsage(ctx, project, n); err != nil {
		a.logger.Warn("record token usage", "project", project, "error", err)
	}
}

// Execute runs one orchestrator pass for req.Project and blocks until it
// ends. Without an explicit conversation the project's transcript is used.
func (a *Agent) Execute(ctx context.Context, req Request) Result {
	if len(req.Conversation) == 0 {
		conv, err := a.transcript.Conversation(ctx, req.Project, 0)
		if err != nil {
			a.logger.Warn("load conversation", "project", req.Project, "error", err)
		}
		req.Conversation = conv
	}
	return a.orch.Execute(ctx, req)
}

// RunCommands runs cmds without asking the model for a list first.
func (a *Agent) RunCommands(ctx context.Context, req Request, cmds []string) bool {
	return a.orch.RunCommands(ctx, req, cmds)
}

func (a *Agent) Latest(ctx context.Context, project string) (Snapshot, bool, error) {
	return a.states.Latest(ctx, project)
}

func (a *Agent) Stack(ctx context.Context, project string) ([]Snapshot, error) {
	return a.states.Stack(ctx, project)
}

func (a *Agent) DeleteState(ctx context.Context, project string) error {
	return a.states.Delete(ctx, project)
}

func (a *Agent) Messages(ctx context.Context, project string, limit int) ([]Message, error) {
	return a.transcript.Messages(ctx, project, limit)
}

// Say records a user line in the project's transcript.
func (a *Agent) Say(ctx context.Context, project, text string) error {
	return a.transcript.LogUserMessage(ctx, project, text)
}

func (a *Agent) Processes(project string) []ProcessInfo { return a.sup.Registry().List(project) }

// Kill terminates a live command by pid.
func (a *Agent) Kill(pid int) error { return a.sup.Registry().Terminate(pid) }

// Router builds the HTTP API over this agent. Close the router before the
// agent to stop its background runs.
func (a *Agent) Router(basePath string) *iapi.Router {
	return iapi.NewRouter(iapi.Deps{
		States:       a.states,
		Transcript:   a.transcript,
		Registry:     a.sup.Registry(),
		Hub:          a.hub,
		Runner:       a.orch,
		ProjectsRoot: a.cfg.Runner.ProjectsRoot,
		Logger:       a.logger,
	}, basePath)
}

// NewHTTPServer wraps the agent's API in an http.Server for addr.
func (a *Agent) NewHTTPServer(addr, basePath string) (*http.Server, *iapi.Router) {
	r := a.Router(basePath)
	return iapi.NewServer(addr, r.Handler()), r
}

// ServerTLS builds the API server's TLS configuration from [server.tls];
// nil means plain HTTP.
func ServerTLS(c *Config) (*tls.Config, error) { return mtls.Setup(c.Server.TLS) }

func (a *Agent) Logger() *slog.Logger { return a.logger }

// Close releases terminal logs, history sinks and the store.
func (a *Agent) Close() error {
	var errs []error
	if a.stopSampler != nil {
		a.stopSampler()
		a.sampling.Wait()
	}
	if a.sup != nil {
		errs = append(errs, a.sup.Close())
	}
	for _, h := range a.history {
		if c, ok := h.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer exposes path on addr using the default registry.
func NewMetricsServer(addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
