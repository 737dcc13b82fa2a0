package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ExecutionResult contains the result of a script execution
type ExecutionResult struct {
	JobID     string
	Script    string
	Command   string
	ExitCode  int
	Lines     int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// Process is the handle of a running script. Terminate is a no-op once the
// process has exited.
type Process interface {
	Pid() int
	Terminate() error
}

// Hooks are called synchronously from Run.
type Hooks struct {
	// OnStart receives the process handle and the masked command line right
	// after the spawn.
	OnStart func(p Process, command string)
	// OnLine receives every non-empty line of combined stdout/stderr.
	OnLine func(line string)
	// OnExit runs once the process has been reaped.
	OnExit func()
}

// Runner executes one script to completion. A nil result means the process
// never started; otherwise a non-zero ExitCode reports a failed script.
type Runner interface {
	Run(ctx context.Context, jobID string, script string, params map[string]string, hooks Hooks) (*ExecutionResult, error)
}

// ExecutorConfig allows customization of execution behavior
type ExecutorConfig struct {
	Scripts        ScriptConfig
	MaxLineSize    int           // bytes, longer lines are dropped
	TerminateGrace time.Duration // SIGTERM to SIGKILL delay for the whole process group
	VerboseLogging bool
}

type RunnerOption func(*execRunner)

func WithExecutorConfig(config *ExecutorConfig) RunnerOption {
	return func(r *execRunner) {
		r.config = config
	}
}

func WithScripts(scripts ScriptConfig) RunnerOption {
	return func(r *execRunner) {
		r.config.Scripts = scripts
	}
}

func WithTerminateGrace(d time.Duration) RunnerOption {
	return func(r *execRunner) {
		if d > 0 {
			r.config.TerminateGrace = d
		}
	}
}

func WithMaxLineSize(n int) RunnerOption {
	return func(r *execRunner) {
		if n > 0 {
			r.config.MaxLineSize = n
		}
	}
}

func NewExecRunner(args ...RunnerOption) Runner {
	config := &ExecutorConfig{
		Scripts:        DefaultScriptConfig(),
		MaxLineSize:    1024 * 1024,
		TerminateGrace: 10 * time.Second,
	}

	runner := &execRunner{config: config}

	for _, arg := range args {
		arg(runner)
	}
	return runner
}

type execRunner struct {
	config *ExecutorConfig
}

func (er *execRunner) Run(ctx context.Context, jobID string, script string, params map[string]string, hooks Hooks) (*ExecutionResult, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("validation failed: jobID cannot be empty")
	}
	command, err := er.config.Scripts.Build(script, params)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	// Terminate cancels runCtx, which signals the process group and arms the
	// kill after TerminateGrace.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command.Path, command.Args...)
	cmd.Env = append(os.Environ(), command.Env...)
	cmd.WaitDelay = er.config.TerminateGrace
	configureProcess(cmd)

	// stdout and stderr share one pipe so lines keep their relative order
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	result := &ExecutionResult{
		JobID:     jobID,
		Script:    script,
		Command:   command.Display,
		StartTime: time.Now(),
	}

	if er.config.VerboseLogging {
		slog.Info("starting script",
			"job_id", jobID,
			"script", script,
			"command", command.Display,
		)
	}

	if err := cmd.Start(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	_ = writer.Close()

	proc := &execProcess{
		p:        cmd.Process,
		cancel:   cancel,
		grace:    er.config.TerminateGrace,
		finished: make(chan struct{}),
	}
	stopKill := context.AfterFunc(runCtx, proc.killAfterGrace)
	defer func() {
		stopKill()
		close(proc.finished)
	}()

	if hooks.OnStart != nil {
		hooks.OnStart(proc, command.Display)
	}

	result.Lines = er.stream(reader, jobID, hooks.OnLine)
	_ = reader.Close()

	err = cmd.Wait()
	proc.exited()
	if hooks.OnExit != nil {
		hooks.OnExit()
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if cmd.ProcessState != nil {
		result.ExitCode = exitCode(cmd.ProcessState)
	} else {
		result.ExitCode = -1
	}
	if err != nil {
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		result.Error = fmt.Errorf("command execution failed: %w", err)
	}

	er.logExecutionResult(result)
	return result, result.Error
}

// stream reports every non-empty output line to onLine. A line longer than
// MaxLineSize is skipped as a whole and reading goes on with the next one.
func (er *execRunner) stream(r io.Reader, jobID string, onLine func(string)) int {
	br := bufio.NewReaderSize(r, max(er.config.MaxLineSize, 64))

	lines, dropped := 0, 0
	skipping := false
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !skipping {
				dropped++
				skipping = true
			}
			continue
		}
		if skipping {
			// tail of an oversized line
			skipping = false
		} else if line := strings.TrimSpace(string(chunk)); line != "" {
			lines++
			if onLine != nil {
				onLine(line)
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("error reading output", "job_id", jobID, "error", err)
			}
			break
		}
	}

	if dropped > 0 {
		slog.Warn("dropped oversized output lines",
			"job_id", jobID,
			"count", dropped,
			"max_line_size", er.config.MaxLineSize,
		)
	}
	return lines
}

func (er *execRunner) logExecutionResult(result *ExecutionResult) {
	logLevel := slog.LevelInfo
	if result.Error != nil {
		logLevel = slog.LevelError
	}

	attrs := []any{
		"job_id", result.JobID,
		"script", result.Script,
		"exit_code", result.ExitCode,
		"duration", result.Duration.String(),
		"lines", result.Lines,
	}
	if result.Error != nil {
		attrs = append(attrs, "error", result.Error.Error())
	}

	slog.Log(context.Background(), logLevel, "script execution completed", attrs...)
}

type execProcess struct {
	mu       sync.Mutex
	p        *os.Process
	done     bool
	cancel   context.CancelFunc
	grace    time.Duration
	finished chan struct{}
}

func (p *execProcess) Pid() int { return p.p.Pid }

// Terminate sends SIGTERM to the process group. Whatever is still running
// after the grace period is killed.
func (p *execProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	err := terminate(p.p)
	p.cancel()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) exited() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

// killAfterGrace kills the whole process group unless Run returns within the
// grace period.
func (p *execProcess) killAfterGrace() {
	t := time.NewTimer(p.grace)
	defer t.Stop()
	select {
	case <-p.finished:
		return
	case <-t.C:
	}

	err := kill(p.p)
	switch {
	case errors.Is(err, os.ErrProcessDone):
	case err != nil:
		slog.Error("failed to kill process group", "pid", p.p.Pid, "error", err)
	default:
		slog.Warn("process group killed after grace period", "pid", p.p.Pid, "grace", p.grace.String())
	}
}
