package pool

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scriptd/scriptd/internal/wire"
)

// WorkerState is the worker stub's lifecycle state.
type WorkerState int32

const (
	StateSpawned WorkerState = iota
	StateIdle
	StateBusy
	StateKilled
)

func (s WorkerState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// EvalOutcome is the result of a single evaluate call, matching the three
// shapes an interpreter reply can take.
type EvalOutcome struct {
	Tag         wire.ResultTag
	Output      []byte
	ReturnValue interface{}
	LastError   string
	Status      wire.Status
	ExitCode    int
	Timeout     bool
}

// Worker owns one interpreter subprocess's stdin/stdout pipes and OS process
// identity. All operations on a single worker are serialized through mu;
// that serialization is what the per-reservation ordering guarantee relies on.
type Worker struct {
	binary string
	args   []string
	env    []string // nil means inherit the current process's environment
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	wireOut *wire.Writer
	wireIn  *wire.Reader
	pid     atomic.Int64

	state      atomic.Int32
	generation atomic.Int64 // incremented on every respawn
}

// NewWorker starts an interpreter subprocess and waits for its initial
// READY frame. binary/args are retained so the worker can respawn itself
// independently of whatever launched it the first time.
func NewWorker(binary string, args []string, logger *slog.Logger) (*Worker, error) {
	w := &Worker{binary: binary, args: args, logger: logger}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

// adoptWorker wraps an already-running subprocess (as discovered through the
// supervisor's enumeration) in a Worker, without spawning a new process.
func adoptWorker(binary string, args []string, logger *slog.Logger, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser) (*Worker, error) {
	w := &Worker{binary: binary, args: args, env: cmd.Env, logger: logger, cmd: cmd, stdin: stdin, stdout: stdout}
	w.pid.Store(int64(cmd.Process.Pid))
	w.wireOut = wire.NewWriter(stdin)
	w.wireIn = wire.NewReader(stdout)

	frame, err := w.wireIn.ReadFrame()
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("waiting for adopted worker ready: %w", err)
	}
	if frame.Type != wire.TypeReady {
		cmd.Process.Kill()
		return nil, fmt.Errorf("expected READY from adopted worker, got type 0x%02x", frame.Type)
	}
	w.state.Store(int32(StateSpawned))
	return w, nil
}

// spawn starts (or restarts) the interpreter subprocess and blocks until it
// signals READY. Caller must hold mu, except during initial construction.
func (w *Worker) spawn() error {
	cmd := exec.Command(w.binary, w.args...)
	cmd.Env = w.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting interpreter subprocess: %w", err)
	}

	wireIn := wire.NewReader(stdout)
	frame, err := wireIn.ReadFrame()
	if err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("waiting for worker ready: %w", err)
	}
	if frame.Type != wire.TypeReady {
		cmd.Process.Kill()
		return fmt.Errorf("expected READY, got type 0x%02x", frame.Type)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	w.wireOut = wire.NewWriter(stdin)
	w.wireIn = wireIn
	w.pid.Store(int64(cmd.Process.Pid))
	w.state.Store(int32(StateSpawned))
	w.generation.Add(1)
	return nil
}

// respawn force-kills the current subprocess (if any) and starts a fresh
// one. Caller must hold mu.
func (w *Worker) respawn() error {
	w.killLocked()
	if err := w.spawn(); err != nil {
		w.state.Store(int32(StateKilled))
		return err
	}
	return nil
}

func (w *Worker) killLocked() {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	w.stdin.Close()
	w.cmd.Process.Kill()
	w.cmd.Wait()
}

// Pid returns the OS process id of the current interpreter subprocess.
func (w *Worker) Pid() int {
	return int(w.pid.Load())
}

// Generation returns the number of times this worker has respawned,
// including its initial spawn. It increments on every restart, so tests can
// assert a worker was recycled without relying on pid reuse.
func (w *Worker) Generation() int64 {
	return w.generation.Load()
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// IsAlive reports whether the backing subprocess is still running.
func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return false
	}
	return w.cmd.ProcessState == nil
}

// Initialize replays each require snippet in order against a freshly
// (re)spawned subprocess, before it accepts external evaluations.
func (w *Worker) Initialize(requires []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, snippet := range requires {
		if err := w.wireOut.WriteFrame(wire.NewInitFrame(snippet)); err != nil {
			return fmt.Errorf("replaying require snippet: %w", err)
		}
		frame, err := w.wireIn.ReadFrame()
		if err != nil {
			return fmt.Errorf("reading require ack: %w", err)
		}
		if frame.Type == wire.TypeError {
			return fmt.Errorf("require snippet rejected: %s", frame.Payload)
		}
	}
	w.state.Store(int32(StateIdle))
	return nil
}

// Evaluate sends code to the subprocess and awaits its reply, bounded by
// timeout (zero means unbounded). After a successful reply it samples
// resident memory; exceeding maxMemKiB (zero means unbounded) forces a
// respawn and overrides the result status to break.
func (w *Worker) Evaluate(code string, timeout time.Duration, maxMemKiB int64) (EvalOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.Store(int32(StateBusy))

	type readResult struct {
		frame *wire.Frame
		err   error
	}

	if err := w.wireOut.WriteFrame(mustEncodeEval(code, timeout)); err != nil {
		if respawnErr := w.respawn(); respawnErr != nil {
			return EvalOutcome{}, fmt.Errorf("sending eval failed (%v) and respawn failed: %w", err, respawnErr)
		}
		return EvalOutcome{Tag: wire.TagExit, Status: wire.StatusBreak}, nil
	}

	done := make(chan readResult, 1)
	reader := w.wireIn
	go func() {
		f, err := reader.ReadFrame()
		done <- readResult{f, err}
	}()

	var resFrame *wire.Frame
	timedOut := false
	if timeout > 0 {
		select {
		case r := <-done:
			resFrame, _ = r.frame, r.err
			if r.err != nil {
				if err := w.respawn(); err != nil {
					return EvalOutcome{}, fmt.Errorf("worker died mid-eval and respawn failed: %w", err)
				}
				return EvalOutcome{Tag: wire.TagExit, Status: wire.StatusBreak}, nil
			}
		case <-time.After(timeout):
			timedOut = true
			if err := w.respawn(); err != nil {
				return EvalOutcome{}, fmt.Errorf("eval timeout and respawn failed: %w", err)
			}
		}
	} else {
		r := <-done
		resFrame, _ = r.frame, r.err
		if r.err != nil {
			if err := w.respawn(); err != nil {
				return EvalOutcome{}, fmt.Errorf("worker died mid-eval and respawn failed: %w", err)
			}
			return EvalOutcome{Tag: wire.TagExit, Status: wire.StatusBreak}, nil
		}
	}

	if timedOut {
		return EvalOutcome{Tag: wire.TagExit, Status: wire.StatusBreak, Timeout: true}, nil
	}

	hdr, output, err := wire.DecodeResult(resFrame)
	if err != nil {
		return EvalOutcome{}, fmt.Errorf("decoding eval result: %w", err)
	}

	outcome := EvalOutcome{
		Tag:         hdr.Tag,
		Output:      output,
		ReturnValue: hdr.ReturnValue,
		LastError:   hdr.LastError,
		Status:      hdr.Status,
		ExitCode:    hdr.ExitCode,
	}

	if maxMemKiB > 0 {
		rss, err := w.measureMemoryLocked()
		if err == nil && rss > maxMemKiB {
			w.logger.Warn("worker exceeded memory ceiling, recycling", "pid", w.Pid(), "rss_kib", rss, "ceiling_kib", maxMemKiB)
			if respawnErr := w.respawn(); respawnErr != nil {
				return EvalOutcome{}, fmt.Errorf("memory-triggered respawn failed: %w", respawnErr)
			}
			outcome.Status = wire.StatusBreak
			return outcome, nil
		}
	}

	w.state.Store(int32(StateIdle))
	return outcome, nil
}

func mustEncodeEval(code string, timeout time.Duration) *wire.Frame {
	timeoutMs := int64(0)
	if timeout > 0 {
		timeoutMs = timeout.Milliseconds()
	}
	frame, err := wire.EncodeEval(code, wire.EvalRequest{TimeoutMs: timeoutMs})
	if err != nil {
		// EvalRequest encoding cannot fail for this fixed shape.
		panic(fmt.Sprintf("encoding eval request: %v", err))
	}
	return frame
}

// MeasureMemory returns resident memory in KiB, respawning the subprocess
// first if it is not alive.
func (w *Worker) MeasureMemory() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil || w.cmd.Process == nil || w.cmd.ProcessState != nil {
		if err := w.respawn(); err != nil {
			return 0, fmt.Errorf("respawning dead worker before memory probe: %w", err)
		}
	}
	return w.measureMemoryLocked()
}

// measureMemoryLocked invokes `ps -o rss=` against the subprocess pid and
// parses the resident-set-size integer, in KiB. This is the canonical
// measurement mechanism; it is intentionally external to the interpreter.
func (w *Worker) measureMemoryLocked() (int64, error) {
	pid := w.Pid()
	cmd := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(pid))
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("running ps for pid %d: %w", pid, err)
	}
	rss, err := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ps rss output %q: %w", out.String(), err)
	}
	return rss, nil
}

// Restart unconditionally force-kills and respawns the subprocess, then
// replays every require snippet. Used by the pool manager's restart
// protocol once a worker is safely off the critical section.
func (w *Worker) Restart(requires []string) error {
	w.mu.Lock()
	if err := w.respawn(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("restarting worker: %w", err)
	}
	w.mu.Unlock()
	return w.Initialize(requires)
}

// Stop shuts the worker down permanently: attempts a graceful STOP frame,
// falling back to a kill if the subprocess does not exit promptly.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.Store(int32(StateKilled))
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}

	_ = w.wireOut.WriteFrame(wire.NewStopFrame())
	w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return w.cmd.Process.Kill()
	}
}
