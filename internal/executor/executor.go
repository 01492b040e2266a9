// Package executor spawns the runner as a child process, assembles the
// final prompt, and enforces execution timeouts (spec.md §4.4).
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/kdlbs/reeve/internal/logging"
	"github.com/kdlbs/reeve/internal/streamparser"
	"go.uber.org/zap"
)

// ErrorKind distinguishes the error taxonomy of spec.md §7 so the Daemon can
// pattern-match on it to pick a failure/retry policy, replacing the
// source's exceptions-for-flow-control idiom with a sum-typed result.
type ErrorKind string

const (
	ErrorKindRuntime       ErrorKind = "runtime"        // non-zero exit or failure to start; an is_error result on exit 0 is ExecutionResult.IsError
	ErrorKindTimeout       ErrorKind = "timeout"        // execution exceeded its deadline
	ErrorKindMissingRunner ErrorKind = "missing_runner" // executable or working dir absent
)

// ExecutionError carries the kind and message the Daemon needs to select a
// failure path. SessionID carries whatever the StreamParser recovered from a
// system/init event even when the execution itself failed, so the session of
// a runner that errors out mid-session is still surfaced to diagnostics. A
// retry pulse does not use it; it keeps the original pulse's session id.
type ExecutionError struct {
	Kind      ErrorKind
	Message   string
	SessionID string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExecutionResult is the value returned on a successful (possibly
// application-level-failed) execution; see spec.md §4.4.
type ExecutionResult struct {
	Stdout         string
	Stderr         string
	ReturnCode     int
	TimedOut       bool
	SessionID      string
	IsError        bool
	ErrorMessage   string
	ToolCallCount  int
}

// Config configures the Executor.
type Config struct {
	// Command is the runner executable (HAPI_COMMAND).
	Command string
	// DefaultTimeout bounds an execution when Request.Timeout is zero.
	DefaultTimeout time.Duration
}

// Request describes one invocation of the runner.
type Request struct {
	Prompt      string
	StickyNotes []string
	SessionID   string
	WorkingDir  string
	Timeout     time.Duration
}

// Executor spawns the runner as a child process per Request.
type Executor struct {
	cfg Config
	log *logging.Logger
}

func New(cfg Config, log *logging.Logger) *Executor {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = time.Hour
	}
	return &Executor{cfg: cfg, log: log.WithFields(zap.String("component", "executor"))}
}

// BuildPrompt appends a sticky-notes section to base, never prepending. Per
// the testable property in spec.md §8, the exact format is:
// "<base>\n\n📌 Reminders:\n  - <n1>\n  - <n2>".
func BuildPrompt(base string, stickyNotes []string) string {
	if len(stickyNotes) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n📌 Reminders:\n")
	for i, note := range stickyNotes {
		b.WriteString("  - ")
		b.WriteString(note)
		if i != len(stickyNotes)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if u, err := user.Current(); err == nil {
			p = filepath.Join(u.HomeDir, strings.TrimPrefix(p, "~"))
		}
	}
	return os.ExpandEnv(p)
}

// Execute spawns the runner, feeds its stdout to the StreamParser, and
// enforces req.Timeout (or the Executor's default).
func (e *Executor) Execute(ctx context.Context, req Request) (*ExecutionResult, *ExecutionError) {
	if e.cfg.Command == "" {
		return nil, &ExecutionError{Kind: ErrorKindMissingRunner, Message: "no runner command configured"}
	}
	if _, err := exec.LookPath(e.cfg.Command); err != nil {
		if !filepath.IsAbs(e.cfg.Command) {
			return nil, &ExecutionError{Kind: ErrorKindMissingRunner, Message: fmt.Sprintf("runner executable %q not found: %v", e.cfg.Command, err)}
		}
		if _, statErr := os.Stat(e.cfg.Command); statErr != nil {
			return nil, &ExecutionError{Kind: ErrorKindMissingRunner, Message: fmt.Sprintf("runner executable %q not found: %v", e.cfg.Command, statErr)}
		}
	}

	workingDir := expandPath(req.WorkingDir)
	if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
		return nil, &ExecutionError{Kind: ErrorKindMissingRunner, Message: fmt.Sprintf("working directory %q does not exist", workingDir)}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}

	prompt := BuildPrompt(req.Prompt, req.StickyNotes)

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	args = append(args, prompt)

	cmd := exec.Command(e.cfg.Command, args...)
	cmd.Dir = workingDir
	// Setpgid isolates the child in its own process group so a timeout kill
	// can target the whole group (e.g. shell wrappers spawning further
	// children), the same technique the teacher's subprocess launcher uses
	// for its own graceful shutdown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExecutionError{Kind: ErrorKindRuntime, Message: fmt.Sprintf("failed to create stdout pipe: %v", err)}
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	parser := streamparser.New()

	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Kind: ErrorKindRuntime, Message: fmt.Sprintf("failed to start runner: %v", err)}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		parser.Consume(stdout)
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut bool
	select {
	case waitErr := <-done:
		wg.Wait()
		return e.finish(parser, stderrBuf.String(), cmd, waitErr, false)
	case <-time.After(timeout):
		timedOut = true
		killProcessGroup(cmd)
		<-done
		wg.Wait()
		return e.finish(parser, stderrBuf.String(), cmd, errors.New("execution timed out"), timedOut)
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		wg.Wait()
		return e.finish(parser, stderrBuf.String(), cmd, ctx.Err(), false)
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(5*time.Second, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

func (e *Executor) finish(parser *streamparser.Parser, stderr string, cmd *exec.Cmd, waitErr error, timedOut bool) (*ExecutionResult, *ExecutionError) {
	agg := parser.Result()

	returnCode := 0
	if cmd.ProcessState != nil {
		returnCode = cmd.ProcessState.ExitCode()
	}

	if timedOut {
		return nil, &ExecutionError{
			Kind:      ErrorKindTimeout,
			Message:   fmt.Sprintf("runner timed out; session_id=%s", agg.SessionID),
			SessionID: agg.SessionID,
		}
	}

	if waitErr != nil || returnCode != 0 {
		tail := tailString(stderr, 4000)
		return nil, &ExecutionError{
			Kind:      ErrorKindRuntime,
			Message:   fmt.Sprintf("runner exited with code %d: %s", returnCode, tail),
			SessionID: agg.SessionID,
		}
	}

	return &ExecutionResult{
		Stdout:        parser.Raw(),
		Stderr:        toValidUTF8(stderr),
		ReturnCode:    returnCode,
		TimedOut:      false,
		SessionID:     agg.SessionID,
		IsError:       agg.IsError,
		ErrorMessage:  agg.ErrorMessage,
		ToolCallCount: agg.ToolCallCount,
	}, nil
}

func tailString(s string, n int) string {
	s = toValidUTF8(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
