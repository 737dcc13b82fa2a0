package executor_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/paulgrammer/taskmaster/internal/executor"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shRunner(t *testing.T, scripts map[string]string, opts ...executor.RunnerOption) executor.Runner {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	cfg := executor.DefaultScriptConfig()
	cfg.Interpreter = sh
	cfg.Dir = dir
	cfg.Params = []string{"username"}
	return executor.NewExecRunner(append([]executor.RunnerOption{
		executor.WithScripts(cfg),
		executor.WithTerminateGrace(2 * time.Second),
	}, opts...)...)
}

type collector struct {
	mu      sync.Mutex
	lines   []string
	proc    executor.Process
	started chan struct{}
	exited  bool
}

func newCollector() *collector {
	return &collector{started: make(chan struct{})}
}

func (c *collector) hooks() executor.Hooks {
	return executor.Hooks{
		OnStart: func(p executor.Process, _ string) {
			c.mu.Lock()
			c.proc = p
			c.mu.Unlock()
			close(c.started)
		},
		OnLine: func(line string) {
			c.mu.Lock()
			c.lines = append(c.lines, line)
			c.mu.Unlock()
		},
		OnExit: func() {
			c.mu.Lock()
			c.exited = true
			c.mu.Unlock()
		},
	}
}

func TestRun(t *testing.T) {
	runner := shRunner(t, map[string]string{
		"ok.sh": `echo "args: $*"
echo "50% complete"
echo "warning on stderr" 1>&2

echo "scrape completed successfully"
`,
		"fail.sh": `echo "logging in"
exit 3
`,
	})

	t.Run("success", func(t *testing.T) {
		c := newCollector()
		params := map[string]string{"username": "alice", "semester": "First Yr - First Sem"}
		res, err := runner.Run(t.Context(), "job-1", "ok.sh", params, c.hooks())
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, 0, res.ExitCode)
		require.Equal(t, 4, res.Lines)
		require.NotZero(t, res.StartTime)
		require.False(t, res.EndTime.Before(res.StartTime))
		require.Contains(t, res.Command, "ok.sh --headless --username alice")

		require.NotNil(t, c.proc)
		require.Positive(t, c.proc.Pid())
		require.True(t, c.exited)
		require.Len(t, c.lines, 4)
		require.Contains(t, c.lines[0], "--username alice")
		require.NotContains(t, c.lines[0], "--semester")
		require.Equal(t, []string{"50% complete", "warning on stderr", "scrape completed successfully"}, c.lines[1:])
	})

	t.Run("non-zero exit", func(t *testing.T) {
		c := newCollector()
		res, err := runner.Run(t.Context(), "job-2", "fail.sh", nil, c.hooks())
		require.Error(t, err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.NotNil(t, res)
		require.Equal(t, 3, res.ExitCode)
		require.Equal(t, []string{"logging in"}, c.lines)
	})

	t.Run("invalid script", func(t *testing.T) {
		res, err := runner.Run(t.Context(), "job-3", "../ok.sh", nil, executor.Hooks{})
		require.Nil(t, res)
		require.ErrorIs(t, err, executor.ErrInvalidScript)
	})

	t.Run("empty job id", func(t *testing.T) {
		res, err := runner.Run(t.Context(), " ", "ok.sh", nil, executor.Hooks{})
		require.Nil(t, res)
		require.Error(t, err)
	})
}

func TestRunSpawnError(t *testing.T) {
	cfg := executor.DefaultScriptConfig()
	cfg.Interpreter = "taskmaster-no-such-interpreter"
	runner := executor.NewExecRunner(executor.WithScripts(cfg))

	res, err := runner.Run(t.Context(), "job-1", "script.py", nil, executor.Hooks{})
	require.Nil(t, res)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
}

func TestTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	runner := shRunner(t, map[string]string{
		"slow.sh": `echo started
sleep 30
echo never
`,
	})

	c := newCollector()
	hooks := c.hooks()
	onLine := hooks.OnLine
	hooks.OnLine = func(line string) {
		onLine(line)
		if line == "started" {
			require.NoError(t, c.proc.Terminate())
		}
	}

	start := time.Now()
	res, err := runner.Run(t.Context(), "job-1", "slow.sh", nil, hooks)
	require.Error(t, err)
	require.NotNil(t, res)
	require.NotEqual(t, 0, res.ExitCode)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, []string{"started"}, c.lines)

	// terminating an exited process is a no-op
	require.NoError(t, c.proc.Terminate())
}

func TestRunContextCancel(t *testing.T) {
	runner := shRunner(t, map[string]string{
		"slow.sh": "sleep 30\n",
	})

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := runner.Run(ctx, "job-1", "slow.sh", nil, executor.Hooks{})
	require.Error(t, err)
	require.NotNil(t, res)
	require.NotEqual(t, 0, res.ExitCode)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestTerminateKillsGroupIgnoringSIGTERM(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	runner := shRunner(t, map[string]string{
		"stubborn.sh": `trap '' TERM
echo started
sleep 3
echo still alive
`,
	}, executor.WithTerminateGrace(100*time.Millisecond))

	c := newCollector()
	hooks := c.hooks()
	onLine := hooks.OnLine
	hooks.OnLine = func(line string) {
		onLine(line)
		if line == "started" {
			require.NoError(t, c.proc.Terminate())
		}
	}

	start := time.Now()
	res, err := runner.Run(t.Context(), "job-1", "stubborn.sh", nil, hooks)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, -9, res.ExitCode)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, []string{"started"}, c.lines)
}

func TestOversizedLineIsSkipped(t *testing.T) {
	runner := shRunner(t, map[string]string{
		"long.sh": `echo before
head -c 5000 /dev/zero | tr '\0' x
echo
echo "50% complete"
echo after
`,
	}, executor.WithMaxLineSize(1024))

	c := newCollector()
	res, err := runner.Run(t.Context(), "job-1", "long.sh", nil, c.hooks())
	require.NoError(t, err)
	require.Equal(t, 3, res.Lines)
	require.Equal(t, []string{"before", "50% complete", "after"}, c.lines)
}
