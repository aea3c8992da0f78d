package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/fault"
)

// Runner owns one child-process lifecycle per Run call. A Runner is
// stateless between calls and safe for concurrent use.
type Runner struct {
	log  *zap.Logger
	opts Options
}

// NewRunner creates a Runner.
func NewRunner(log *zap.Logger, opts Options) *Runner {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultOptions().MaxOutputBytes
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultOptions().KillGrace
	}
	return &Runner{log: log, opts: opts}
}

// Invocation is a resolved language recipe: the file to write the source
// to, an optional compile command, and the run command.
type Invocation struct {
	FileName string
	Compile  []string
	Run      []string
}

// Run executes spec.Source under inv inside an ephemeral working
// directory. Timeout, cancellation, non-zero exit and truncated output
// are reported through the Result, not as errors; the returned error is
// reserved for infrastructure faults (missing toolchain, workdir
// failure).
func (r *Runner) Run(ctx context.Context, inv Invocation, spec Spec) (*Result, error) {
	dir, err := os.MkdirTemp("", "crucible-run-*")
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "creating workdir", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, inv.FileName)
	if err := os.WriteFile(srcPath, []byte(spec.Source), 0o644); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "writing source file", err)
	}

	out := newOutput(r.opts.MaxOutputBytes)
	start := time.Now()
	deadline := start.Add(spec.Timeout)

	result := func(status Status, exitCode int, mem int64) *Result {
		return &Result{
			Stdout:      out.stdout.String(),
			Stderr:      out.stderr.String(),
			ExitCode:    exitCode,
			Status:      status,
			Truncated:   out.truncated(),
			WallTime:    time.Since(start),
			MemoryBytes: mem,
		}
	}

	if len(inv.Compile) > 0 {
		argv := expand(inv, inv.Compile, dir)
		st, err := r.runStage(ctx, argv, dir, "", out, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if st.verdict != "" {
			return result(st.verdict, st.exitCode, st.memory), nil
		}
		if st.exitCode != 0 {
			return result(r.classifyExit(st.exitCode), st.exitCode, st.memory), nil
		}
	}

	argv := expand(inv, inv.Run, dir)
	st, err := r.runStage(ctx, argv, dir, spec.Stdin, out, time.Until(deadline))
	if err != nil {
		return nil, err
	}
	if st.verdict != "" {
		return result(st.verdict, st.exitCode, st.memory), nil
	}
	if st.exitCode != 0 {
		return result(r.classifyExit(st.exitCode), st.exitCode, st.memory), nil
	}
	return result(StatusCompleted, 0, st.memory), nil
}

func (r *Runner) classifyExit(code int) Status {
	if r.opts.NonZeroExitFails {
		return StatusFailed
	}
	return StatusCompleted
}

type stageOutcome struct {
	exitCode int
	memory   int64
	// verdict is set when the stage was killed: StatusTimeout or
	// StatusCancelled. Empty for a natural exit.
	verdict Status
}

// runStage starts one process in its own process group, enforces the
// timeout, and guarantees the whole group is dead before returning.
func (r *Runner) runStage(ctx context.Context, argv []string, dir, stdin string, out *output, timeout time.Duration) (stageOutcome, error) {
	if timeout <= 0 {
		return stageOutcome{verdict: StatusTimeout, exitCode: -1}, nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(dir)
	cmd.Stdout = out.stdoutWriter()
	cmd.Stderr = out.stderrWriter()
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// A backgrounded descendant holding the output pipe must not pin
	// Wait past the grace period; the group kill below reaps it.
	cmd.WaitDelay = r.opts.KillGrace

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return stageOutcome{}, fault.Wrap(fault.CodeToolchain, fmt.Sprintf("launching %s", argv[0]), err)
		}
		return stageOutcome{}, fault.Wrap(fault.CodeInternal, "starting process", err)
	}

	pgid := cmd.Process.Pid
	// Whatever happens below, no descendant survives this call.
	defer func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) }()

	var mu sync.Mutex
	var verdict Status
	mark := func(s Status) {
		mu.Lock()
		if verdict == "" {
			verdict = s
		}
		mu.Unlock()
	}

	timer := time.AfterFunc(timeout, func() {
		mark(StatusTimeout)
		r.terminate(pgid)
	})
	defer timer.Stop()

	waited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mark(StatusCancelled)
			r.terminate(pgid)
		case <-waited:
		}
	}()

	err := cmd.Wait()
	close(waited)

	mu.Lock()
	v := verdict
	mu.Unlock()

	outcome := stageOutcome{verdict: v, memory: sampleMemory(cmd)}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			outcome.exitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			// Process exited fine; only its pipes were closed forcibly.
		case v != "":
			outcome.exitCode = -1
		default:
			return stageOutcome{}, fault.Wrap(fault.CodeInternal, "waiting for process", err)
		}
	}
	return outcome, nil
}

// terminate asks a process group to exit, then kills it after the grace
// period if it is still around.
func (r *Runner) terminate(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(r.opts.KillGrace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

// sampleMemory reads max RSS from the OS accounting of the finished
// process. Best effort: 0 when the platform gives us nothing.
func sampleMemory(cmd *exec.Cmd) int64 {
	if cmd.ProcessState == nil {
		return 0
	}
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss is kilobytes on Linux.
		return ru.Maxrss * 1024
	}
	return 0
}

// scrubbedEnv keeps only what interpreters need to start. HOME and TMPDIR
// point inside the ephemeral workdir so stray writes stay contained.
func scrubbedEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
}

func expand(inv Invocation, args []string, dir string) []string {
	r := strings.NewReplacer(
		"{file}", filepath.Join(dir, inv.FileName),
		"{bin}", filepath.Join(dir, "app"),
		"{dir}", dir,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// output is the shared, capped capture of stdout and stderr. The budget
// spans both streams and, for compiled languages, both stages.
type output struct {
	mu        sync.Mutex
	remaining int64
	trunc     bool
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newOutput(max int64) *output {
	return &output{remaining: max}
}

func (o *output) truncated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trunc
}

func (o *output) stdoutWriter() *capWriter { return &capWriter{o: o, buf: &o.stdout} }
func (o *output) stderrWriter() *capWriter { return &capWriter{o: o, buf: &o.stderr} }

type capWriter struct {
	o   *output
	buf *bytes.Buffer
}

// Write always reports full consumption so the child never sees a broken
// pipe; bytes past the budget are dropped.
func (w *capWriter) Write(p []byte) (int, error) {
	w.o.mu.Lock()
	defer w.o.mu.Unlock()

	n := len(p)
	if w.o.remaining <= 0 {
		if n > 0 {
			w.o.trunc = true
		}
		return n, nil
	}
	if int64(n) > w.o.remaining {
		p = p[:w.o.remaining]
		w.o.trunc = true
	}
	w.buf.Write(p)
	w.o.remaining -= int64(len(p))
	return n, nil
}
