package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"taskforge/internal/config"
	"taskforge/internal/task"
	logx "taskforge/pkg/logx"
)

const (
	jobIDPrefix        = "job:"
	defaultExecTimeout = 5 * time.Minute
	maxExecOutput      = 4 << 10
)

func jobID(name string) string { return jobIDPrefix + strings.TrimSpace(name) }

// jobTaskConfig turns a validated job into a task config. loc evaluates cron.
func (a *App) jobTaskConfig(j config.JobConfig, loc *time.Location) (task.Config, error) {
	body, err := a.jobBody(j)
	if err != nil {
		return task.Config{}, err
	}
	prio, err := task.ParsePriority(j.Priority)
	if err != nil {
		return task.Config{}, err
	}
	strategy, err := task.ParseRetryStrategy(j.Strategy)
	if err != nil {
		return task.Config{}, err
	}
	deps := make([]string, 0, len(j.DependsOn))
	for _, d := range j.DependsOn {
		deps = append(deps, jobID(d))
	}
	expr, every := j.Trigger()
	tc := task.Config{
		ID:            jobID(j.Name),
		Name:          strings.TrimSpace(j.Name),
		Body:          body,
		Priority:      prio,
		Async:         j.IsAsync(),
		Distributed:   j.Distributed,
		Delay:         config.Duration(j.Delay),
		Period:        every,
		Cron:          expr,
		Location:      loc,
		Dependencies:  deps,
		MaxRetries:    j.MaxRetries,
		RetryStrategy: strategy,
		ResourceID:    strings.TrimSpace(j.Resource),
		OnFailure:     a.jobFailed,
	}
	if ttl := config.Duration(j.ExpiresIn); ttl > 0 {
		tc.ExpiresAt = a.now().Add(ttl)
	}
	return tc, nil
}

func (a *App) jobFailed(t *task.Task, err error) {
	a.log.Warn("job failed", logx.String("job", t.Name()), logx.Int("retries", t.RetryCount()), logx.Err(err))
}

func (a *App) jobBody(j config.JobConfig) (task.Body, error) {
	name := strings.TrimSpace(j.Name)
	switch j.Handler {
	case config.HandlerNoop:
		return func(context.Context) error { return nil }, nil
	case config.HandlerLog:
		var args config.LogArgs
		if err := j.DecodeArgs(&args); err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		return logBody(a.log.With(logx.String("job", name)), args), nil
	case config.HandlerExec:
		var args config.ExecArgs
		if err := j.DecodeArgs(&args); err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		timeout := config.Duration(j.Timeout)
		if timeout <= 0 {
			timeout = defaultExecTimeout
		}
		return execBody(a.log.With(logx.String("job", name)), args, timeout), nil
	}
	return nil, fmt.Errorf("job %s: unknown handler %q", name, j.Handler)
}

func logBody(log logx.Logger, args config.LogArgs) task.Body {
	msg := args.Message
	if msg == "" {
		msg = "job tick"
	}
	level := strings.ToLower(strings.TrimSpace(args.Level))
	return func(context.Context) error {
		switch level {
		case "debug":
			log.Debug(msg)
		case "warn", "warning":
			log.Warn(msg)
		case "error":
			log.Error(msg)
		default:
			log.Info(msg)
		}
		return nil
	}
}

// execBody runs a command per execution. A missing or non-executable binary
// is permanent; other failures are retried by policy.
func execBody(log logx.Logger, args config.ExecArgs, timeout time.Duration) task.Body {
	env := os.Environ()
	for _, k := range sortedKeys(args.Env) {
		env = append(env, k+"="+args.Env[k])
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, args.Command, args.Args...)
		cmd.Dir = args.Dir
		cmd.Env = env
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		// Children that inherit the pipes must not outlive the timeout.
		cmd.WaitDelay = time.Second

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		out := truncate(stdout.String())
		errOut := truncate(stderr.String())

		if err != nil {
			var exitErr *exec.ExitError
			switch {
			case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
				return task.NoRetry(fmt.Errorf("exec %s: %w", args.Command, err))
			case ctx.Err() == context.DeadlineExceeded:
				return fmt.Errorf("exec %s: timed out after %s", args.Command, timeout)
			case errors.As(err, &exitErr):
				code := exitErr.ExitCode()
				err = fmt.Errorf("exec %s: exit %d: %s", args.Command, code, strings.TrimSpace(errOut))
				// 126/127: the shell could not run the command at all.
				if code == 126 || code == 127 {
					return task.NoRetry(err)
				}
				return err
			}
			return fmt.Errorf("exec %s: %w", args.Command, err)
		}
		if args.FailOnStderr && strings.TrimSpace(errOut) != "" {
			return fmt.Errorf("exec %s: stderr: %s", args.Command, strings.TrimSpace(errOut))
		}
		log.Debug("exec done", logx.Duration("took", took), logx.String("stdout", out))
		return nil
	}
}

func truncate(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	return s[:maxExecOutput] + "...(truncated)"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// sameShape reports whether a restored or running task still matches its
// job declaration, so its schedule and retry state can be kept.
func sameShape(cur, want *task.Task) bool {
	return cur.Name() == want.Name() &&
		!cur.Placeholder() &&
		cur.Cron() == want.Cron() &&
		cur.Period() == want.Period() &&
		cur.Priority() == want.Priority() &&
		cur.ResourceID() == want.ResourceID() &&
		cur.Async() == want.Async() &&
		cur.Distributed() == want.Distributed() &&
		cur.MaxRetries() == want.MaxRetries() &&
		cur.RetryStrategy() == want.RetryStrategy() &&
		slices.Equal(cur.Dependencies(), want.Dependencies())
}
