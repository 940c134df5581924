package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	projectCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mender",
			Subsystem: "project",
			Name:      "cpu_percent",
			Help:      "CPU usage of a project's live commands and their children.",
		}, []string{"project"},
	)
	projectMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mender",
			Subsystem: "project",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a project's live commands and their children.",
		}, []string{"project"},
	)
	projectThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mender",
			Subsystem: "project",
			Name:      "threads",
			Help:      "Threads of a project's live commands and their children.",
		}, []string{"project"},
	)
)

// Target is one live command to sample.
type Target struct {
	PID     int
	Project string
}

// Usage is the summed resource use of one project's command trees.
type Usage struct {
	Commands   int
	Processes  int
	CPUPercent float64
	RSSBytes   uint64
	Threads    int32
}

// Sampler periodically measures live commands and publishes per-project
// gauges. Projects without live commands are dropped from the gauges.
type Sampler struct {
	interval time.Duration
	targets  func() []Target
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]bool
}

func NewSampler(interval time.Duration, targets func() []Target, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{interval: interval, targets: targets, logger: logger, known: make(map[string]bool)}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample()
		}
	}
}

// Sample takes one measurement and returns it by project.
func (s *Sampler) Sample() map[string]Usage {
	out := make(map[string]Usage)
	for _, t := range s.targets() {
		u := out[t.Project]
		u.Commands++
		s.addTree(&u, int32(t.PID), 0)
		out[t.Project] = u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for project := range s.known {
		if _, ok := out[project]; !ok {
			projectCPU.DeleteLabelValues(project)
			projectMemory.DeleteLabelValues(project)
			projectThreads.DeleteLabelValues(project)
			delete(s.known, project)
		}
	}
	if !regOK.Load() {
		return out
	}
	for project, u := range out {
		projectCPU.WithLabelValues(project).Set(u.CPUPercent)
		projectMemory.WithLabelValues(project).Set(float64(u.RSSBytes))
		projectThreads.WithLabelValues(project).Set(float64(u.Threads))
		s.known[project] = true
	}
	return out
}

const maxTreeDepth = 16

func (s *Sampler) addTree(u *Usage, pid int32, depth int) {
	if pid <= 0 || depth > maxTreeDepth {
		return
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		s.logger.Debug("sample process", "pid", pid, "error", err)
		return
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		s.logger.Debug("sample memory", "pid", pid, "error", err)
		return
	}
	u.Processes++
	u.RSSBytes += mem.RSS
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent += cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.Threads += n
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		s.addTree(u, c.Pid, depth+1)
	}
}
