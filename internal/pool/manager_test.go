package pool

import (
	"os/exec"
	"testing"
	"time"

	"github.com/scriptd/scriptd/internal/config"
	"github.com/scriptd/scriptd/internal/supervisor"
	"github.com/scriptd/scriptd/internal/wire"
)

// testSupervisor hands back a fixed set of already-started fake interpreter
// subprocesses, standing in for a real supervisor's enumeration.
type testSupervisor struct {
	n int
}

func (s *testSupervisor) EnumerateChildren() ([]supervisor.ChildProcess, error) {
	children := make([]supervisor.ChildProcess, 0, s.n)
	binary, args := fakeInterpreterCommand()
	for i := 0; i < s.n; i++ {
		cmd := exec.Command(binary, args...)
		cmd.Env = fakeInterpreterEnv()

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}

		children = append(children, supervisor.ChildProcess{
			ID:     "worker",
			Pid:    cmd.Process.Pid,
			Type:   "interpreter",
			Tags:   []string{supervisor.EvaluatorTag},
			Stdin:  stdin,
			Stdout: stdout,
			Cmd:    cmd,
		})
	}
	return children, nil
}

func newTestManager(t *testing.T, n int) *Manager {
	t.Helper()
	binary, args := fakeInterpreterCommand()
	cfg := config.PoolConfig{
		AllocateTimeout: config.Duration(2 * time.Second),
		EvalTimeout:     config.Duration(2 * time.Second),
	}
	interp := config.InterpConfig{Binary: binary, Args: args}
	m := New(cfg, interp, &testSupervisor{n: n}, testLogger())
	go m.Run()
	t.Cleanup(m.Stop)
	return m
}

func TestReserveReleaseFIFO(t *testing.T) {
	m := newTestManager(t, 2)

	t1, err := m.Reserve(0)
	if err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	t2, err := m.Reserve(0)
	if err != nil {
		t.Fatalf("reserve 2: %v", err)
	}

	third := make(chan reserveReply, 1)
	go func() {
		tok, err := m.Reserve(0)
		third <- reserveReply{token: tok, err: err}
	}()

	select {
	case <-third:
		t.Fatal("third reserve should have blocked with no free workers")
	case <-time.After(100 * time.Millisecond):
	}

	if err := m.Release(t1); err != nil {
		t.Fatalf("release t1: %v", err)
	}

	select {
	case r := <-third:
		if r.err != nil {
			t.Fatalf("third reserve failed: %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third reserve never completed after release")
	}

	if err := m.Release(t2); err != nil {
		t.Fatalf("release t2: %v", err)
	}
}

func TestEvalWithoutToken(t *testing.T) {
	m := newTestManager(t, 1)

	result, err := m.Eval("return 42;", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if result.Tag != wire.TagOK {
		t.Errorf("Tag: got %s, want ok", result.Tag)
	}
	if result.ReturnValue != int64(42) {
		t.Errorf("ReturnValue: got %v, want 42", result.ReturnValue)
	}

	stats := m.StatsSnapshot()
	if stats.Reserved != 0 {
		t.Errorf("expected worker released back to free after eval, reserved=%d", stats.Reserved)
	}
}

func TestEvalParseError(t *testing.T) {
	m := newTestManager(t, 1)

	result, err := m.Eval("syntax ][", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if result.Tag != wire.TagParseError {
		t.Errorf("Tag: got %s, want parse_error", result.Tag)
	}
	if result.Status != wire.StatusBreak {
		t.Errorf("Status: got %s, want break", result.Status)
	}
}

func TestEvalAfterReleaseReturnsInvalidReservation(t *testing.T) {
	m := newTestManager(t, 1)

	tok, err := m.Reserve(0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Release(tok); err != nil {
		t.Fatalf("first release: %v", err)
	}

	if _, err := m.Eval("return 42;", &tok, 2*time.Second); err != ErrInvalidReservation {
		t.Errorf("expected ErrInvalidReservation after release, got %v", err)
	}
}

func TestRestartAllCyclesAllWorkers(t *testing.T) {
	m := newTestManager(t, 2)

	// force discovery (and leave no open reservation behind) before restarting
	if _, err := m.Eval("", nil, 2*time.Second); err != nil {
		t.Fatalf("eval (forces discovery): %v", err)
	}

	if err := m.RestartAll(); err != nil {
		t.Fatalf("RestartAll: %v", err)
	}

	result, err := m.Eval("return 42;", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval after restart: %v", err)
	}
	if result.Tag != wire.TagOK {
		t.Errorf("Tag after restart: got %s, want ok", result.Tag)
	}
}

func TestRequireCodeThenUnrequire(t *testing.T) {
	m := newTestManager(t, 1)

	tok, err := m.RequireCode("setGlobal();")
	if err != nil {
		t.Fatalf("RequireCode: %v", err)
	}

	if err := m.RestartAll(); err != nil {
		t.Fatalf("RestartAll: %v", err)
	}

	result, err := m.Eval("readGlobal();", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval readGlobal after require+restart: %v", err)
	}
	if result.ReturnValue != true {
		t.Errorf("expected require snippet's effect observed after RestartAll, got %v", result.ReturnValue)
	}

	if err := m.UnrequireCode(tok); err != nil {
		t.Fatalf("UnrequireCode: %v", err)
	}

	// allow the detached rolling restart triggered by UnrequireCode to settle
	time.Sleep(200 * time.Millisecond)

	result, err = m.Eval("readGlobal();", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval readGlobal after unrequire: %v", err)
	}
	if result.ReturnValue != false {
		t.Errorf("expected require snippet's effect gone after UnrequireCode, got %v", result.ReturnValue)
	}
}

// TestConcurrentRestartAllJoinsSingleOperation exercises S5: two callers
// joining one in-flight restart over a shared reservation. Both must block
// until the reserved worker is released (and actually cycled), and a
// subsequent RestartAll against the same worker must not deadlock — this
// is the regression case for the allPids pid-leak bug in handleRelease.
func TestConcurrentRestartAllJoinsSingleOperation(t *testing.T) {
	m := newTestManager(t, 1)

	tok, err := m.Reserve(0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- m.RestartAll() }()
	}

	// give both RestartAll calls a chance to join the same pending operation
	time.Sleep(100 * time.Millisecond)
	select {
	case <-results:
		t.Fatal("RestartAll returned before the reserved worker was released")
	default:
	}

	if err := m.Release(tok); err != nil {
		t.Fatalf("release: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("RestartAll: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("RestartAll never completed after release")
		}
	}

	// a worker that has already cycled through one restart must not leave a
	// stale pid behind that would hang this second restart forever
	done := make(chan error, 1)
	go func() { done <- m.RestartAll() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("second RestartAll: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second RestartAll deadlocked (stale pid left in allPids)")
	}
}

// TestEvalExceedsMemoryCeilingForcesRespawn exercises S4: a reservation with
// a tiny memory ceiling forces a respawn on the very next eval, since any
// real subprocess's resident set already exceeds one KiB at rest.
func TestEvalExceedsMemoryCeilingForcesRespawn(t *testing.T) {
	m := newTestManager(t, 1)

	tok, err := m.Reserve(1) // 1 KiB ceiling
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	result, err := m.Eval("return 42;", &tok, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if result.Status != wire.StatusBreak {
		t.Errorf("Status: got %s, want break (memory ceiling exceeded)", result.Status)
	}

	if err := m.Release(tok); err != nil {
		t.Fatalf("release: %v", err)
	}

	// the respawned worker must still be usable
	result, err = m.Eval("return 42;", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Eval after memory-triggered respawn: %v", err)
	}
	if result.Tag != wire.TagOK {
		t.Errorf("Tag after respawn: got %s, want ok", result.Tag)
	}
}

func TestStopUnblocksWaitingReserve(t *testing.T) {
	m := newTestManager(t, 1)

	if _, err := m.Reserve(0); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Reserve(0)
		waiterErr <- err
	}()

	// give the second reserve a chance to enqueue as a waiter before stopping
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	select {
	case err := <-waiterErr:
		if err != ErrShuttingDown {
			t.Errorf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting reserve never unblocked after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := newTestManager(t, 1)
	m.Stop()
	m.Stop() // must not panic
}
