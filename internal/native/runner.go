// Package native is the host capability layer: it runs operation scripts,
// samples host metrics, reads the device token and shows notifications.
package native

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/execution"
)

var (
	// ErrUnsupportedLanguage is returned for script languages with no interpreter.
	ErrUnsupportedLanguage = errors.New("unsupported script language")
	// ErrEmptyScript is returned when an operation carries no source.
	ErrEmptyScript = errors.New("operation has no script")
)

// Interpreter describes how to run a script file.
type Interpreter struct {
	Command   string
	Args      []string
	Extension string
}

// DefaultInterpreters returns the interpreters for the current OS keyed by
// operation language.
func DefaultInterpreters() map[string]Interpreter {
	powershell := Interpreter{Command: "pwsh", Args: []string{"-NoProfile", "-NonInteractive", "-File"}, Extension: ".ps1"}
	python := Interpreter{Command: "python3", Extension: ".py"}
	if runtime.GOOS == "windows" {
		powershell = Interpreter{Command: "powershell.exe", Args: []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"}, Extension: ".ps1"}
		python.Command = "python"
	}
	batch := Interpreter{Command: "cmd.exe", Args: []string{"/C"}, Extension: ".cmd"}
	return map[string]Interpreter{
		"powershell": powershell,
		"pwsh":       {Command: "pwsh", Args: []string{"-NoProfile", "-NonInteractive", "-File"}, Extension: ".ps1"},
		"cmd":        batch,
		"batch":      batch,
		"bash":       {Command: "bash", Extension: ".sh"},
		"sh":         {Command: "sh", Extension: ".sh"},
		"python":     python,
	}
}

// RunnerOptions configures a ScriptRunner.
type RunnerOptions struct {
	TempDir      string
	Interpreters map[string]Interpreter
	// WaitDelay bounds how long pipes may stay open after the process is killed.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// ScriptRunner executes operation scripts with the host interpreter and
// streams their output line by line.
type ScriptRunner struct {
	tempDir      string
	interpreters map[string]Interpreter
	waitDelay    time.Duration
	logger       *slog.Logger
}

// NewScriptRunner creates a ScriptRunner.
func NewScriptRunner(opts RunnerOptions) *ScriptRunner {
	r := &ScriptRunner{
		tempDir:      opts.TempDir,
		interpreters: opts.Interpreters,
		waitDelay:    opts.WaitDelay,
		logger:       opts.Logger,
	}
	if r.interpreters == nil {
		r.interpreters = DefaultInterpreters()
	}
	if r.waitDelay <= 0 {
		r.waitDelay = 5 * time.Second
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// RunOperation implements execution.Capability. The stream always ends with
// a LineResult line unless the consumer stops early or the script cannot be
// started.
func (r *ScriptRunner) RunOperation(ctx context.Context, req execution.Request) iter.Seq2[domain.OutputLine, error] {
	return func(yield func(domain.OutputLine, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd, cleanup, err := r.command(ctx, req.Operation)
		if err != nil {
			yield(domain.OutputLine{}, err)
			return
		}
		defer cleanup()

		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		if err := cmd.Start(); err != nil {
			yield(domain.OutputLine{}, fmt.Errorf("start %s: %w", cmd.Path, err))
			return
		}
		r.logger.Debug("Script started", "run_id", req.RunID, "slug", req.Operation.Slug, "pid", cmd.Process.Pid)

		var waitErr error
		exited := make(chan struct{})
		go func() {
			waitErr = cmd.Wait()
			stdoutW.Close()
			stderrW.Close()
			close(exited)
		}()

		lines := make(chan domain.OutputLine)
		var wg sync.WaitGroup
		wg.Add(2)
		go scanLines(&wg, stdoutR, false, lines)
		go scanLines(&wg, stderrR, true, lines)
		go func() {
			wg.Wait()
			close(lines)
		}()

		stopped := false
		for line := range lines {
			if stopped {
				continue
			}
			if !yield(line, nil) {
				stopped = true
				cancel()
			}
		}

		<-exited
		if stopped {
			return
		}
		yield(resultLine(ctx, waitErr), nil)
	}
}

func (r *ScriptRunner) command(ctx context.Context, op domain.Operation) (*exec.Cmd, func(), error) {
	if strings.TrimSpace(op.Source) == "" {
		return nil, nil, ErrEmptyScript
	}
	interp, ok := r.interpreters[strings.ToLower(op.Language)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, op.Language)
	}

	f, err := os.CreateTemp(r.tempDir, "pccare-*"+interp.Extension)
	if err != nil {
		return nil, nil, fmt.Errorf("create script file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("Failed to remove script file", "path", f.Name(), "error", err)
		}
	}
	if _, err := f.WriteString(op.Source); err != nil {
		_ = f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("write script file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("close script file: %w", err)
	}

	args := append(append([]string{}, interp.Args...), f.Name())
	cmd := exec.CommandContext(ctx, interp.Command, args...)
	cmd.WaitDelay = r.waitDelay
	return cmd, cleanup, nil
}

func scanLines(wg *sync.WaitGroup, rd io.Reader, stderr bool, out chan<- domain.OutputLine) {
	defer wg.Done()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		line := ClassifyLine(text, stderr)
		line.At = time.Now()
		out <- line
	}
	// Keep the writer unblocked if a line overflowed the scanner.
	_, _ = io.Copy(io.Discard, rd)
}

func resultLine(ctx context.Context, waitErr error) domain.OutputLine {
	line := domain.OutputLine{Kind: domain.LineResult, At: time.Now()}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		line.Success = true
		line.Text = "completed"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		line.Text = "timed out"
	case ctx.Err() != nil:
		line.Text = "cancelled"
	case errors.As(waitErr, &exitErr):
		line.Text = fmt.Sprintf("exited with code %d", exitErr.ExitCode())
	default:
		line.Text = waitErr.Error()
	}
	return line
}
