// Package executor spawns an agent subprocess, frames its stdout into
// newline-delimited JSON, and maps each line into an outbound event via
// the stream parser
package executor

import (
	"bufio"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/process"
	"github.com/agentgate/agentgate/internal/streamparser"
)

// EventFilter is a bitmask selecting which derived events reach the sink,
// "caller's event sink receives only events enabled
// by the configuration bitmask".
type EventFilter uint8

const (
	FilterToolCalls EventFilter = 1 << iota
	FilterToolResults
	FilterOutput
	FilterProgress
)

const (
	cancelGrace  = 1 * time.Second
	timeoutGrace = 5 * time.Second

	progressInterval = 2 * time.Second
)

// Sink receives classified events as they are produced. It must not
// block the read loop for long; the executor does not buffer unconsumed
// events.
type Sink func(*streamparser.Message)

// Options configures one execution.
type Options struct {
	Cwd    string
	Env    map[string]string
	Timeout time.Duration
	// Cancel, when closed, requests cooperative cancellation.
	Cancel <-chan struct{}
	Filter EventFilter
}

// TokensUsed mirrors the agent subprocess protocol's tokensUsed shape.
type TokensUsed struct {
	Input  int64
	Output int64
}

// Result is the outcome of one Execute call
type Result struct {
	Success          bool
	ExitCode         int
	Stdout           string
	Stderr           string
	StructuredOutput []byte
	SessionID        string
	TokensUsed       TokensUsed
	DurationMs       int64
	Cancelled        bool
	ToolCalls        int
}

// Executor wires a process.Manager to the line-framing/parsing pipeline.
type Executor struct {
	procs *process.Manager
	log   *logger.Logger
}

// New constructs an Executor backed by procs for spawn/kill bookkeeping.
func New(procs *process.Manager, log *logger.Logger) *Executor {
	return &Executor{procs: procs, log: log}
}

// Execute spawns command with args and streams its output through sink
// until it exits, is cancelled, or times out.
func (e *Executor) Execute(workOrderID, runID, command string, args []string, opts Options, sink Sink) Result {
	start := time.Now()

	cmd := exec.Command(command, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = buildEnv(opts.Env)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return Result{Success: false, ExitCode: 1, Stderr: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	// stdout/stderr are explicitly owned os.Pipe()s rather than
	// cmd.StdoutPipe()/StderrPipe(): those helpers hand the read end to
	// cmd.Wait, which closes it once the child exits. That races
	// readLoop's in-flight Scan on the same fd and can truncate the
	// buffered final protocol line. A pipe cmd never registered for
	// closing is untouched by Wait; EOF only reaches the scanner once the
	// child's own fd copy is gone, after every byte it wrote is read.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return Result{Success: false, ExitCode: 1, Stderr: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return Result{Success: false, ExitCode: 1, Stderr: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return Result{Success: false, ExitCode: 1, Stderr: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	_ = stdinPipe.Close() // no caller ever writes to the child's stdin
	_ = stdoutW.Close()   // parent's copy; the child holds its own across fork/exec
	_ = stderrW.Close()

	tp, err := e.procs.Register(workOrderID, runID, cmd)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return Result{Success: false, ExitCode: 1, Stderr: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	var stderrBuf strings.Builder
	var stderrMu sync.Mutex
	var stderrWg sync.WaitGroup
	stderrWg.Add(1)
	go func() {
		defer stderrWg.Done()
		defer stderrR.Close()
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			stderrMu.Lock()
			stderrBuf.WriteString(scanner.Text())
			stderrBuf.WriteByte('\n')
			stderrMu.Unlock()
		}
	}()

	var stdoutBuf strings.Builder
	state := streamparser.NewState()

	watchdogDone := make(chan struct{})
	var cancelled, timedOut bool
	var watchdogWg sync.WaitGroup
	watchdogWg.Add(1)
	go func() {
		defer watchdogWg.Done()
		e.watch(workOrderID, opts, tp, watchdogDone, &cancelled, &timedOut)
	}()

	e.readLoop(stdoutR, &stdoutBuf, state, opts.Filter, sink, workOrderID, runID)
	_ = stdoutR.Close()

	<-tp.DoneSignal()
	close(watchdogDone)
	watchdogWg.Wait()
	stderrWg.Wait()

	if cancelled && opts.Filter&FilterProgress != 0 {
		sink(streamparser.FinalProgress("Cancelled", 0))
	}

	stderrMu.Lock()
	stderrText := stderrBuf.String()
	stderrMu.Unlock()

	return e.buildResult(tp, stdoutBuf.String(), stderrText, cancelled, timedOut, start, state.ToolCallCount())
}

// watch arms the cancel/timeout escalation:
// a cancel signal waits 1s before force-kill, a timeout waits 5s.
func (e *Executor) watch(workOrderID string, opts Options, tp *process.TrackedProcess, done <-chan struct{}, cancelled, timedOut *bool) {
	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-done:
		return
	case <-opts.Cancel:
		*cancelled = true
		e.escalate(workOrderID, cancelGrace)
		return
	case <-timeoutCh:
		*timedOut = true
		e.escalate(workOrderID, timeoutGrace)
		return
	}
}

func (e *Executor) escalate(workOrderID string, grace time.Duration) {
	result, err := e.procs.Kill(workOrderID, process.KillOptions{GracePeriod: grace})
	if err != nil && e.log != nil {
		e.log.Warn("escalation kill failed", zap.String("work_order_id", workOrderID), zap.Error(err))
	}
	if e.log != nil {
		e.log.Debug("escalation kill result",
			zap.String("work_order_id", workOrderID), zap.Bool("forced", result.ForcedKill))
	}
}

func (e *Executor) readLoop(r interface{ Read([]byte) (int, error) }, stdoutBuf *strings.Builder, state *streamparser.State, filter EventFilter, sink Sink, workOrderID, runID string) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		stdoutBuf.WriteString(line)
		stdoutBuf.WriteByte('\n')

		if len(strings.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := state.ParseLine(line)
		if err != nil {
			if e.log != nil {
				e.log.Debug("ignoring malformed agent output line", zap.String("line", line), zap.Error(err))
			}
			continue
		}
		if msg == nil || sink == nil {
			continue
		}
		if !filterAllows(filter, msg.Type) {
			continue
		}
		sink(msg)

		if filter&FilterProgress != 0 {
			if p := state.MaybeProgress(time.Now(), progressInterval, 0, "Working"); p != nil {
				sink(p)
			}
		}
	}
}

func filterAllows(filter EventFilter, t streamparser.MessageType) bool {
	switch t {
	case streamparser.MessageToolCall:
		return filter&FilterToolCalls != 0
	case streamparser.MessageToolResult:
		return filter&FilterToolResults != 0
	case streamparser.MessageOutput:
		return filter&FilterOutput != 0
	case streamparser.MessageProgress:
		return filter&FilterProgress != 0
	default:
		return false
	}
}

func (e *Executor) buildResult(tp *process.TrackedProcess, stdout, stderr string, cancelled, timedOut bool, start time.Time, toolCalls int) Result {
	duration := time.Since(start).Milliseconds()
	exitCode := tp.ExitCode()
	signaled := tp.ExitSignal() != ""

	res := Result{
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: duration,
		Cancelled:  cancelled,
		ToolCalls:  toolCalls,
	}

	switch {
	case cancelled:
		res.ExitCode = 130
		res.Success = false
	case timedOut:
		res.ExitCode = 124
		res.Success = false
	case signaled:
		if exitCode <= 0 {
			exitCode = 137
		}
		res.ExitCode = exitCode
		res.Success = false
	default:
		res.ExitCode = exitCode
		res.Success = exitCode == 0
	}

	if !cancelled && !timedOut {
		final := streamparser.ParseFinal(stdout)
		if final.Found {
			res.StructuredOutput = final.Result
			res.SessionID = final.SessionID
			res.TokensUsed = TokensUsed{Input: final.TokensInput, Output: final.TokensOutput}
		}
	}

	return res
}

// buildEnv copies the process environment, overlays caller-supplied
// entries (an empty overlay value removes the key), and enforces
// colour-free output
func buildEnv(overlay map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range overlay {
		if v == "" {
			delete(env, k)
			continue
		}
		env[k] = v
	}
	env["NO_COLOR"] = "1"
	env["FORCE_COLOR"] = "0"

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
