package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loykin/mender/internal/events"
	"github.com/loykin/mender/internal/orchestrator"
	"github.com/loykin/mender/internal/process"
	"github.com/loykin/mender/internal/project"
	"github.com/loykin/mender/internal/state"
	"github.com/loykin/mender/internal/transcript"
)

// Runner executes one orchestrator run.
type Runner interface {
	Execute(ctx context.Context, req orchestrator.Request) orchestrator.Result
}

type Deps struct {
	States     *state.Manager
	Transcript *transcript.Logger
	Registry   *process.Registry
	Hub        *events.Hub
	Runner     Runner
	// ProjectsRoot holds the default working directory of each project.
	ProjectsRoot string
	Logger       *slog.Logger
}

// Router provides embeddable HTTP handlers for the agent runtime.
// Endpoints:
//
//	POST   {basePath}/execute        body: executeReq; ?wait=1 blocks until done
//	GET    {basePath}/projects
//	GET    {basePath}/state          ?project=  latest snapshot
//	GET    {basePath}/state/stack    ?project=  full stack
//	DELETE {basePath}/state          ?project=
//	GET    {basePath}/agent/active   ?project=
//	GET    {basePath}/terminal       ?project=
//	GET    {basePath}/tokens         ?project=
//	GET    {basePath}/messages       ?project=&limit=
//	GET    {basePath}/processes      ?project= (optional)
//	POST   {basePath}/kill           ?pid=
//	GET    {basePath}/events         websocket
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	d        Deps
	basePath string
	logger   *slog.Logger

	// runs started with wait=0 outlive their request and stop on Close
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/execute, /api/state, ...
func NewRouter(d Deps, basePath string) *Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{d: d, basePath: sanitizeBase(basePath), logger: logger, ctx: ctx, cancel: cancel}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/execute", r.handleExecute)
	group.GET("/projects", r.handleProjects)
	group.GET("/state", r.handleState)
	group.GET("/state/stack", r.handleStack)
	group.DELETE("/state", r.handleDeleteState)
	group.GET("/agent/active", r.handleActive)
	group.GET("/terminal", r.handleTerminal)
	group.GET("/tokens", r.handleTokens)
	group.GET("/messages", r.handleMessages)
	group.GET("/processes", r.handleProcesses)
	group.POST("/kill", r.handleKill)
	if r.d.Hub != nil {
		group.GET("/events", func(c *gin.Context) { r.d.Hub.ServeWS(c.Writer, c.Request) })
	}
	return g
}

// Close cancels background runs and waits for them to return.
func (r *Router) Close() {
	r.cancel()
	r.runs.Wait()
}

// NewServer wraps h in an http.Server for addr. There is no write timeout:
// websocket streams and ?wait=1 runs stay open for as long as they need.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type executeReq struct {
	Project string `json:"project"`
	// Message is recorded as the user's line before the run starts.
	Message      string   `json:"message,omitempty"`
	Dir          string   `json:"dir,omitempty"`
	Conversation []string `json:"conversation,omitempty"`
	Commands     []string `json:"commands,omitempty"`
}

type acceptedResp struct {
	RunID   string `json:"run_id"`
	Project string `json:"project"`
}

type activeResp struct {
	Project string `json:"project"`
	Active  bool   `json:"active"`
}

type tokensResp struct {
	Project    string `json:"project"`
	TokenUsage int    `json:"token_usage"`
}

func (r *Router) handleExecute(c *gin.Context) {
	var body executeReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	body.Project = strings.TrimSpace(body.Project)
	if body.Project == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "project required"})
		return
	}
	if !isSafeAbsPath(body.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid dir: must be absolute path without traversal"})
		return
	}
	ctx := c.Request.Context()
	if body.Message != "" && r.d.Transcript != nil {
		if err := r.d.Transcript.LogUserMessage(ctx, body.Project, body.Message); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
	}

	req := orchestrator.Request{
		RunID:        uuid.NewString(),
		Project:      body.Project,
		Dir:          body.Dir,
		Conversation: body.Conversation,
		Commands:     body.Commands,
	}
	if req.Dir == "" {
		req.Dir = project.Dir(r.d.ProjectsRoot, body.Project)
		if err := os.MkdirAll(req.Dir, 0o755); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: "create project dir: " + err.Error()})
			return
		}
	}
	if len(req.Conversation) == 0 && r.d.Transcript != nil {
		conv, err := r.d.Transcript.Conversation(ctx, body.Project, 0)
		if err != nil {
			r.logger.Warn("load conversation", "project", body.Project, "error", err)
		}
		req.Conversation = conv
	}

	if wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false")); wait {
		writeJSON(c, http.StatusOK, r.d.Runner.Execute(ctx, req))
		return
	}
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		res := r.d.Runner.Execute(r.ctx, req)
		r.logger.Info("background run finished", "project", res.Project, "run_id", res.RunID, "success", res.Success)
	}()
	writeJSON(c, http.StatusAccepted, acceptedResp{RunID: req.RunID, Project: req.Project})
}

func (r *Router) handleProjects(c *gin.Context) {
	names, err := r.d.States.Projects(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(c, http.StatusOK, names)
}

func (r *Router) handleState(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	s, found, err := r.d.States.Latest(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no state for project " + name})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleStack(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	stack, err := r.d.States.Stack(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if stack == nil {
		stack = []state.Snapshot{}
	}
	writeJSON(c, http.StatusOK, stack)
}

func (r *Router) handleDeleteState(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	if err := r.d.States.Delete(c.Request.Context(), name); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleActive(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	active, _, err := r.d.States.IsActive(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, activeResp{Project: name, Active: active})
}

func (r *Router) handleTerminal(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	s, found, err := r.d.States.Latest(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no state for project " + name})
		return
	}
	writeJSON(c, http.StatusOK, s.TerminalSession)
}

func (r *Router) handleTokens(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	n, err := r.d.States.TokenUsage(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tokensResp{Project: name, TokenUsage: n})
}

func (r *Router) handleMessages(c *gin.Context) {
	name, ok := projectParam(c)
	if !ok {
		return
	}
	if r.d.Transcript == nil {
		writeJSON(c, http.StatusOK, []any{})
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	msgs, err := r.d.Transcript.Messages(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, msgs)
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.d.Registry.List(c.Query("project")))
}

func (r *Router) handleKill(c *gin.Context) {
	pid, err := strconv.Atoi(c.Query("pid"))
	if err != nil || pid <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pid query param must be a positive integer"})
		return
	}
	if err := r.d.Registry.Terminate(pid); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, process.ErrUnknownPID) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
