package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/crucible/internal/fault"
)

func shInvocation() Invocation {
	return Invocation{FileName: "main.sh", Run: []string{"sh", "{file}"}}
}

func testRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	return NewRunner(zaptest.NewLogger(t), opts)
}

func TestRunCapturesStdout(t *testing.T) {
	r := testRunner(t, DefaultOptions())

	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  "echo hello",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Truncated)
	assert.Greater(t, res.WallTime, time.Duration(0))
}

func TestRunCapturesStderrAndExitCode(t *testing.T) {
	r := testRunner(t, DefaultOptions())

	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  "echo oops >&2; exit 3",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status, "non-zero exit is completed by default")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRunNonZeroExitFails(t *testing.T) {
	opts := DefaultOptions()
	opts.NonZeroExitFails = true
	r := testRunner(t, opts)

	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  "exit 7",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRunStdin(t *testing.T) {
	r := testRunner(t, DefaultOptions())

	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  "cat",
		Stdin:   "line one\nline two\n",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "line one\nline two\n", res.Stdout)
}

func TestRunTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.KillGrace = 100 * time.Millisecond
	r := testRunner(t, opts)

	start := time.Now()
	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  "echo before; sleep 10; echo after",
		Timeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "before\n", res.Stdout)
	assert.NotContains(t, res.Stdout, "after")
	assert.Less(t, time.Since(start), 3*time.Second, "teardown must not wait out the sleep")
}

func TestRunCancellation(t *testing.T) {
	opts := DefaultOptions()
	opts.KillGrace = 100 * time.Millisecond
	r := testRunner(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := r.Run(ctx, shInvocation(), Spec{
		Source:  "sleep 10",
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunKillsProcessGroup(t *testing.T) {
	opts := DefaultOptions()
	opts.KillGrace = 100 * time.Millisecond
	r := testRunner(t, opts)

	// The backgrounded child holds the stdout pipe open; the run must
	// still resolve promptly and leave nothing behind.
	start := time.Now()
	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  "sleep 30 & echo spawned",
		Timeout: 1 * time.Second,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "spawned")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunTruncatesOutput(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOutputBytes = 16
	r := testRunner(t, opts)

	res, err := r.Run(context.Background(), shInvocation(), Spec{
		Source:  `i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done`,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status, "truncation is not an error")
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout)+len(res.Stderr), 16)
}

func TestRunToolchainMissing(t *testing.T) {
	r := testRunner(t, DefaultOptions())

	inv := Invocation{FileName: "main.xyz", Run: []string{"crucible-no-such-interpreter", "{file}"}}
	_, err := r.Run(context.Background(), inv, Spec{Source: "x", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Equal(t, fault.CodeToolchain, fault.CodeOf(err))
}

func TestRunCompileStage(t *testing.T) {
	r := testRunner(t, DefaultOptions())

	// cp stands in for a compiler: the "binary" is the script itself.
	inv := Invocation{
		FileName: "main.sh",
		Compile:  []string{"cp", "{file}", "{bin}"},
		Run:      []string{"sh", "{bin}"},
	}
	res, err := r.Run(context.Background(), inv, Spec{
		Source:  "echo built and ran",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "built and ran\n", res.Stdout)
}

func TestRunCompileFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.NonZeroExitFails = true
	r := testRunner(t, opts)

	inv := Invocation{
		FileName: "main.sh",
		Compile:  []string{"sh", "-c", "echo compile boom >&2; exit 2"},
		Run:      []string{"sh", "{file}"},
	}
	res, err := r.Run(context.Background(), inv, Spec{
		Source:  "echo never runs",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Stderr, "compile boom")
	assert.NotContains(t, res.Stdout, "never runs")
}

func TestScrubbedEnv(t *testing.T) {
	env := scrubbedEnv("/tmp/work")
	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "HOME=/tmp/work")
	assert.Contains(t, joined, "TMPDIR=/tmp/work")
	assert.NotContains(t, joined, "AWS_")
	assert.Len(t, env, 4)
}

func TestExpandPlaceholders(t *testing.T) {
	inv := Invocation{FileName: "main.py"}
	argv := expand(inv, []string{"python3", "{file}", "--dir", "{dir}"}, "/tmp/w")
	assert.Equal(t, []string{"python3", "/tmp/w/main.py", "--dir", "/tmp/w"}, argv)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
}
