package compose

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes external commands on behalf of the orchestrator and the
// run-state probe. Implementations must kill the process once timeout
// elapses and report exit code -1 with a timeout note appended to the
// output.
type Runner interface {
	// Run executes argv in dir and returns the exit code and the combined
	// stdout+stderr output.
	Run(ctx context.Context, dir string, timeout time.Duration, argv ...string) (int, string)

	// RunStreaming is Run with an onLine callback invoked for every output
	// line as it arrives, so partial progress is visible before the command
	// finishes.
	RunStreaming(ctx context.Context, dir string, timeout time.Duration, onLine func(string), argv ...string) (int, string)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir string, timeout time.Duration, argv ...string) (int, string) {
	return r.RunStreaming(ctx, dir, timeout, nil, argv...)
}

// RunStreaming implements Runner. stdout and stderr share one pipe so the
// combined output preserves interleaving the way a terminal would show it.
func (r ExecRunner) RunStreaming(ctx context.Context, dir string, timeout time.Duration, onLine func(string), argv ...string) (int, string) {
	if len(argv) == 0 {
		return -1, "no command given\n"
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, err.Error() + "\n"
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return -1, err.Error() + "\n"
	}
	// The child holds its own copy of the write end.
	pw.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	pr.Close()

	werr := cmd.Wait()
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		const note = "Command timed out"
		out.WriteString(note + "\n")
		if onLine != nil {
			onLine(note)
		}
		return -1, out.String()
	}
	if werr != nil {
		code := cmd.ProcessState.ExitCode()
		if code < 0 {
			code = -1
		}
		return code, out.String()
	}
	return 0, out.String()
}
