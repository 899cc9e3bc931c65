package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "taskforge/pkg/logx"
)

func sampleRecords(now time.Time) []TaskRecord {
	return []TaskRecord{
		{
			ID:            "a",
			Name:          "backup",
			Priority:      "HIGH",
			NextRun:       now.Add(time.Hour),
			Cron:          "0 3 * * *",
			MaxRetries:    3,
			RetryStrategy: "EXPONENTIAL_BACKOFF",
			RetryCount:    1,
			State:         "RETRY_PENDING",
			ResourceID:    "disk",
			Dependencies:  []string{"b"},
		},
		{
			ID:            "b",
			Name:          "ping",
			Priority:      "NORMAL",
			NextRun:       now.Add(time.Minute),
			PeriodMS:      30000,
			Async:         true,
			MaxRetries:    0,
			RetryStrategy: "FIXED_DELAY",
			State:         "SCHEDULED",
			ExpiresAt:     now.Add(24 * time.Hour),
		},
		{
			ID:            "old",
			Name:          "stale",
			Priority:      "LOW",
			NextRun:       now.Add(-time.Hour),
			RetryStrategy: "IMMEDIATE",
			State:         "SCHEDULED",
			ExpiresAt:     now.Add(-time.Minute),
		},
	}
}

func requireSameRecord(t *testing.T, want, got TaskRecord) {
	t.Helper()
	require.True(t, want.NextRun.Equal(got.NextRun), "next_run %s != %s", want.NextRun, got.NextRun)
	require.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "expires_at %s != %s", want.ExpiresAt, got.ExpiresAt)
	want.NextRun, got.NextRun = time.Time{}, time.Time{}
	want.ExpiresAt, got.ExpiresAt = time.Time{}, time.Time{}
	require.Equal(t, want, got)
}

func TestStores_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ driver, file string }{
		{"file", "tasks.json"},
		{"file", "tasks.yaml"},
		{"sqlite", "tasks.db"},
	} {
		t.Run(tc.driver+"/"+tc.file, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), tc.file)
			st, err := Open(Config{Driver: tc.driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			recs := sampleRecords(now)
			require.NoError(t, st.SaveTasks(ctx, recs))

			got, err := st.LoadTasks(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2, "expired record is dropped on load")
			requireSameRecord(t, recs[0], got[0])
			requireSameRecord(t, recs[1], got[1])

			n, err := st.PruneExpired(ctx, now)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			n, err = st.PruneExpired(ctx, now)
			require.NoError(t, err)
			require.Zero(t, n)

			require.NoError(t, st.SaveTasks(ctx, nil))
			got, err = st.LoadTasks(ctx)
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestStores_Runs(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "state.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			for i := range 5 {
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					TaskID:  fmt.Sprintf("t%d", i),
					Name:    "job",
					Outcome: "success",
					Attempt: 1,
					TookMS:  int64(i),
				}))
			}
			runs, err := st.RecentRuns(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			require.Equal(t, "t3", runs[0].TaskID)
			require.Equal(t, "t4", runs[1].TaskID)
			require.False(t, runs[1].At.IsZero())
		})
	}
}

func TestStores_LongRunErrorIsClipped(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			require.NoError(t, st.AppendRun(ctx, RunRecord{TaskID: "a", Name: "job", Outcome: "success"}))
			require.NoError(t, st.AppendRun(ctx, RunRecord{TaskID: "b", Name: "job", Outcome: "failed", Error: strings.Repeat("x", 70<<10)}))
			require.NoError(t, st.AppendRun(ctx, RunRecord{TaskID: "c", Name: "job", Outcome: "success"}))

			runs, err := st.RecentRuns(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			require.Equal(t, "b", runs[1].TaskID)
			require.LessOrEqual(t, len(runs[1].Error), maxRunError+len("...(truncated)"))
			require.True(t, strings.HasSuffix(runs[1].Error, "(truncated)"))
		})
	}
}

func TestReadRuns_SkipsOverlongLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runs.jsonl")
	huge := `{"task_id":"huge","error":"` + strings.Repeat("y", maxRunLine) + `"}`
	data := `{"task_id":"a","outcome":"success"}` + "\n" + huge + "\n" + `{"task_id":"c","outcome":"success"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	runs, err := readRuns(path)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "a", runs[0].TaskID)
	require.Equal(t, "c", runs[1].TaskID)

	// A trailing over-long line without a newline is skipped as well.
	require.NoError(t, os.WriteFile(path, []byte(`{"task_id":"a"}`+"\n"+huge), 0o600))
	runs, err = readRuns(path)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestFileStore_MissingSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "tasks.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Logger{})
	require.NoError(t, err)

	got, err := st.LoadTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = st.LoadTasks(context.Background())
	require.Error(t, err)

	require.NoError(t, st.Close())
	require.ErrorIs(t, st.SaveTasks(context.Background(), nil), ErrClosed)
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}
