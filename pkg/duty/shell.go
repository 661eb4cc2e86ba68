package duty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

var ErrCommandRejected = errors.New("command rejected")

// DefaultBlacklist is refused regardless of configuration.
var DefaultBlacklist = []string{"rm -rf /", ":(){ :|:& };:", "mkfs", "dd if="}

// Result captures the outcome of one command execution.
type Result struct {
	ExitCode int
	Output   []byte // stdout followed by stderr
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Executor runs a duty command.
type Executor interface {
	Execute(ctx context.Context, command string) Result
}

// ShellExecutor runs commands through /bin/sh in their own process group so
// a timeout kills the whole tree.
type ShellExecutor struct {
	Shell     string
	dangerous *regexp.Regexp
}

func NewShellExecutor(blacklist ...string) *ShellExecutor {
	if len(blacklist) == 0 {
		blacklist = DefaultBlacklist
	}
	patterns := make([]string, len(blacklist))
	for i, p := range blacklist {
		patterns[i] = regexp.QuoteMeta(p)
	}
	return &ShellExecutor{
		Shell:     "/bin/sh",
		dangerous: regexp.MustCompile(strings.Join(patterns, "|")),
	}
}

// Validate rejects empty and blacklisted commands.
func (s *ShellExecutor) Validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrCommandRejected)
	}
	if m := s.dangerous.FindString(command); m != "" {
		return fmt.Errorf("%w: contains %q", ErrCommandRejected, m)
	}
	return nil
}

func (s *ShellExecutor) Execute(ctx context.Context, command string) Result {
	if err := s.Validate(command); err != nil {
		return Result{ExitCode: -1, Err: err}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, s.Shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{Duration: time.Since(start), Err: err}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}

	res.Output = append(stdout.Bytes(), stderr.Bytes()...)
	return res
}
