package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/config"
	"taskforge/internal/storage"
	"taskforge/internal/task"
	logx "taskforge/pkg/logx"
)

const (
	waitFor = 5 * time.Second
	pollDur = 10 * time.Millisecond
)

func writeConfig(t *testing.T, path string, cfg map[string]any) {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

func baseConfig(dir string, jobs ...map[string]any) map[string]any {
	return map[string]any{
		"logging":   map[string]any{"level": "error"},
		"scheduler": map[string]any{"tick": "5ms", "workers": 2, "timezone": "UTC"},
		"storage":   map[string]any{"driver": "file", "path": filepath.Join(dir, "store")},
		"http":      map[string]any{"enabled": true, "addr": "127.0.0.1:0"},
		"jobs":      jobs,
	}
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func TestApp_RunsJobsAndRecordsHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.json")
	writeConfig(t, path, baseConfig(dir,
		map[string]any{"name": "tick", "handler": "noop", "every": "20ms"},
		map[string]any{"name": "after", "handler": "log", "delay": "10ms", "depends_on": []string{"tick"},
			"args": map[string]any{"message": "dependent ran"}},
	))
	a := startApp(t, path)

	require.Eventually(t, func() bool {
		runs, err := a.store.RecentRuns(context.Background(), 100)
		if err != nil {
			return false
		}
		names := map[string]bool{}
		for _, r := range runs {
			if r.Outcome == "success" {
				names[r.Name] = true
			}
		}
		return names["tick"] && names["after"]
	}, waitFor, pollDur)

	_, ok := a.sched.Get(jobID("tick"))
	require.True(t, ok, "recurring job stays active")
	_, ok = a.sched.Get(jobID("after"))
	require.False(t, ok, "one-shot job retires after success")

	require.Eventually(t, func() bool { return a.http.Addr() != "" }, waitFor, pollDur)
	resp, err := http.Get("http://" + a.http.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "taskforge_active_tasks")
	require.Contains(t, string(body), "taskforge_scheduler_events_total")

	resp, err = http.Get("http://" + a.http.Addr() + "/runs?limit=5")
	require.NoError(t, err)
	var runs []storage.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	_ = resp.Body.Close()
	require.NotEmpty(t, runs)
}

func TestApp_ReloadAppliesJobsAndLimits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.json")
	writeConfig(t, path, baseConfig(dir,
		map[string]any{"name": "a", "handler": "noop", "every": "1h"},
		map[string]any{"name": "b", "handler": "noop", "every": "1h"},
	))
	a := startApp(t, path)
	require.Len(t, a.sched.ListActive(), 2)

	// Let the watcher register before editing.
	time.Sleep(100 * time.Millisecond)
	next := baseConfig(dir,
		map[string]any{"name": "a", "handler": "noop", "every": "1h"},
		map[string]any{"name": "c", "handler": "noop", "cron": "0 3 * * *"},
	)
	next["rate_limits"] = map[string]any{"api": map[string]any{"max": 2, "window": "1s"}}
	writeConfig(t, path, next)

	require.Eventually(t, func() bool {
		_, hasB := a.sched.Get(jobID("b"))
		_, hasC := a.sched.Get(jobID("c"))
		return !hasB && hasC
	}, waitFor, pollDur)
	require.Contains(t, a.sched.RateLimits(), "api")
}

func TestApp_RestoreKeepsMatchingJobs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.json")
	writeConfig(t, path, baseConfig(dir,
		map[string]any{"name": "nightly", "handler": "noop", "cron": "0 3 * * *"},
		map[string]any{"name": "gone", "handler": "noop", "every": "1h"},
	))

	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	nightly, ok := first.sched.Get(jobID("nightly"))
	require.True(t, ok)
	next := nightly.NextRun()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	require.NoError(t, first.Stop(ctx, StopAppStop))
	cancel()

	writeConfig(t, path, baseConfig(dir,
		map[string]any{"name": "nightly", "handler": "noop", "cron": "0 3 * * *"},
	))
	second := startApp(t, path)
	restored, ok := second.sched.Get(jobID("nightly"))
	require.True(t, ok)
	require.False(t, restored.Placeholder())
	require.True(t, restored.NextRun().Equal(next))
	_, ok = second.sched.Get(jobID("gone"))
	require.False(t, ok)
}

func TestExecBody(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh")
	}
	log := logx.Nop()
	ctx := context.Background()

	ok := execBody(log, config.ExecArgs{Command: "sh", Args: []string{"-c", "echo hi"}}, time.Second)
	require.NoError(t, ok(ctx))

	fail := execBody(log, config.ExecArgs{Command: "sh", Args: []string{"-c", "echo bad >&2; exit 3"}}, time.Second)
	err := fail(ctx)
	require.ErrorContains(t, err, "exit 3")
	require.ErrorContains(t, err, "bad")
	require.False(t, task.IsNoRetry(err))

	missing := execBody(log, config.ExecArgs{Command: "/nonexistent/taskforge-cmd"}, time.Second)
	require.True(t, task.IsNoRetry(missing(ctx)))

	slow := execBody(log, config.ExecArgs{Command: "sh", Args: []string{"-c", "exec sleep 5"}}, 50*time.Millisecond)
	require.ErrorContains(t, slow(ctx), "timed out")

	stderr := execBody(log, config.ExecArgs{Command: "sh", Args: []string{"-c", "echo warn >&2"}, FailOnStderr: true}, time.Second)
	require.ErrorContains(t, stderr(ctx), "stderr")
}

func TestSameShape(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }
	mk := func(cfg task.Config) *task.Task {
		cfg.ID, cfg.Name, cfg.Body = "job:x", "x", noop
		tk, err := task.New(cfg)
		require.NoError(t, err)
		return tk
	}
	base := mk(task.Config{Cron: "0 3 * * *"})
	require.True(t, sameShape(base, mk(task.Config{Cron: "0 3 * * *"})))
	require.False(t, sameShape(base, mk(task.Config{Cron: "0 4 * * *"})))
	require.False(t, sameShape(base, mk(task.Config{Cron: "0 3 * * *", Priority: task.PriorityHigh})))
	require.False(t, sameShape(base, mk(task.Config{Cron: "0 3 * * *", ResourceID: "db"})))
}
