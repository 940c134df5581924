//go:build !windows

package metrics

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerPublishesProjectUsage(t *testing.T) {
	require.NoError(t, Register(prometheus.NewRegistry()))

	cmd := exec.Command("/bin/sh", "-c", "sleep 5 & wait")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	var mu sync.Mutex
	targets := []Target{{PID: cmd.Process.Pid, Project: "usage-demo"}}
	s := NewSampler(time.Second, func() []Target {
		mu.Lock()
		defer mu.Unlock()
		return append([]Target(nil), targets...)
	}, nil)

	var got Usage
	require.Eventually(t, func() bool {
		got = s.Sample()["usage-demo"]
		return got.Processes >= 1 && got.RSSBytes > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, got.Commands)
	assert.NotZero(t, got.RSSBytes)
	assert.NotZero(t, got.Threads)
	assert.Equal(t, float64(got.RSSBytes), testutil.ToFloat64(projectMemory.WithLabelValues("usage-demo")))

	mu.Lock()
	targets = nil
	mu.Unlock()
	assert.Empty(t, s.Sample())
	assert.Equal(t, 0, testutil.CollectAndCount(projectMemory))
}

func TestSamplerSkipsVanishedPIDs(t *testing.T) {
	s := NewSampler(0, func() []Target { return []Target{{PID: 999999, Project: "ghost"}, {PID: 0, Project: "ghost"}} }, nil)
	u := s.Sample()["ghost"]
	assert.Equal(t, 2, u.Commands)
	assert.Zero(t, u.Processes)
}
