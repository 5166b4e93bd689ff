// Package pool implements the reservation scheduler that multiplexes client
// evaluation requests over a bounded set of persistent interpreter
// subprocesses.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptd/scriptd/internal/config"
	"github.com/scriptd/scriptd/internal/supervisor"
	"github.com/scriptd/scriptd/internal/wire"
)

// Token is an opaque, unforgeable identity for a reservation or a require
// entry. Callers may compare tokens but never dereference them.
type Token uuid.UUID

func newToken() Token { return Token(uuid.New()) }

func (t Token) String() string { return uuid.UUID(t).String() }

// Sentinel errors returned to callers; these are routine, not invariant
// violations, and are never logged as failures.
var (
	ErrInvalidReservation = errors.New("invalid reservation")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrShuttingDown       = errors.New("pool manager shutting down")
)

// EvalResult is the result returned from eval, mirroring the wire-level
// outcome shapes: ok, parseError, or exit.
type EvalResult struct {
	Tag         wire.ResultTag
	Output      string
	ReturnValue interface{}
	LastError   string
	Status      wire.Status
	ExitCode    int
	Timeout     bool
}

type reservation struct {
	token     Token
	worker    *Worker
	maxMemKiB int64
}

type waiter struct {
	maxMemKiB int64
	reply     chan reserveReply
}

type restartOperation struct {
	pids         map[int]struct{}
	replyTargets []chan error
}

type requireEntry struct {
	token   Token
	snippet string
}

type reserveReply struct {
	token Token
	err   error
}

type getMemoryReply struct {
	kib int64
	err error
}

type evalReply struct {
	result EvalResult
	err    error
}

// commands funneled onto the manager's single serializer goroutine.
type cmdEval struct {
	code    string
	token   *Token
	timeout time.Duration
	reply   chan evalReply
}

type cmdReserve struct {
	maxMemKiB int64
	reply     chan reserveReply
}

type cmdRelease struct {
	token Token
	reply chan error
}

type cmdGetMemory struct {
	token Token
	reply chan getMemoryReply
}

type cmdRestartAll struct {
	reply chan error
}

type cmdRequireCode struct {
	snippet string
	reply   chan Token
}

type cmdUnrequireCode struct {
	token Token
	reply chan error
}

type cmdStats struct {
	reply chan Stats
}

// Stats is a snapshot of scheduler state, safe to read concurrently because
// it is built inside the manager's serializer and copied out.
type Stats struct {
	Free     int
	Reserved int
	Waiting  int
	Total    int
}

// Manager is the single-threaded coordinator owning free/reserved/waiting
// worker pools, the active restart operation, and the require list. All
// client operations funnel through its serializer goroutine via cmds.
type Manager struct {
	cfg        config.PoolConfig
	interp     config.InterpConfig
	supervisor supervisor.Supervisor
	logger     *slog.Logger

	cmds     chan interface{}
	done     chan struct{}
	stopOnce sync.Once

	// state below is owned exclusively by Run(); never touched from
	// other goroutines.
	free       []*Worker
	reserved   map[Token]*reservation
	waiting    []waiter
	restart    *restartOperation
	requires   []requireEntry
	discovered bool
	allPids    map[int]struct{}
}

// New constructs a Manager. It does not start any workers; discovery is
// deferred to the first reserve, eval or restartAll.
func New(cfg config.PoolConfig, interp config.InterpConfig, sup supervisor.Supervisor, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		interp:     interp,
		supervisor: sup,
		logger:     logger,
		cmds:       make(chan interface{}, 32),
		done:       make(chan struct{}),
		reserved:   make(map[Token]*reservation),
		allPids:    make(map[int]struct{}),
	}
}

// Run starts the manager's serializer loop. It blocks until Stop is called;
// callers typically run it in its own goroutine.
func (m *Manager) Run() {
	for {
		select {
		case cmd, ok := <-m.cmds:
			if !ok {
				return
			}
			m.handle(cmd)
		case <-m.done:
			m.drainAndStop()
			return
		}
	}
}

// Stop signals the serializer to exit and stops every known worker. Safe to
// call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Manager) drainAndStop() {
	for _, w := range m.free {
		w.Stop()
	}
	for _, r := range m.reserved {
		r.worker.Stop()
	}
	for _, w := range m.waiting {
		w.reply <- reserveReply{err: ErrShuttingDown}
	}
	for len(m.cmds) > 0 {
		m.failPending(<-m.cmds)
	}
}

// failPending replies ErrShuttingDown to a command that was already
// buffered on m.cmds when Stop fired, so its caller never blocks forever
// on a reply that will now never come from handle().
func (m *Manager) failPending(cmd interface{}) {
	switch c := cmd.(type) {
	case cmdEval:
		c.reply <- evalReply{err: ErrShuttingDown}
	case cmdReserve:
		c.reply <- reserveReply{err: ErrShuttingDown}
	case cmdRelease:
		c.reply <- ErrShuttingDown
	case cmdGetMemory:
		c.reply <- getMemoryReply{err: ErrShuttingDown}
	case cmdRestartAll:
		c.reply <- ErrShuttingDown
	case cmdRequireCode:
		c.reply <- Token{}
	case cmdUnrequireCode:
		c.reply <- ErrShuttingDown
	case cmdStats:
		c.reply <- Stats{}
	case cmdLookupReservation:
		c.reply <- reservationSnapshot{}
	}
}

// send delivers cmd to the serializer, reporting false instead of blocking
// forever if the manager has already been told to stop.
func (m *Manager) send(cmd interface{}) bool {
	select {
	case m.cmds <- cmd:
		return true
	case <-m.done:
		return false
	}
}

// Eval evaluates code, optionally scoped to an existing reservation and/or
// bounded by a timeout (zero uses the pool's configured default).
func (m *Manager) Eval(code string, token *Token, timeout time.Duration) (EvalResult, error) {
	reply := make(chan evalReply, 1)
	if !m.send(cmdEval{code: code, token: token, timeout: timeout, reply: reply}) {
		return EvalResult{}, ErrShuttingDown
	}
	r := <-reply
	return r.result, r.err
}

// Reserve allocates a worker and returns an opaque reservation token. It
// blocks until a worker becomes available (FIFO behind any other waiters).
func (m *Manager) Reserve(maxMemKiB int64) (Token, error) {
	reply := make(chan reserveReply, 1)
	if !m.send(cmdReserve{maxMemKiB: maxMemKiB, reply: reply}) {
		return Token{}, ErrShuttingDown
	}
	r := <-reply
	return r.token, r.err
}

// Release returns a reserved worker to the free pool, serving the head
// waiter first if one is pending.
func (m *Manager) Release(token Token) error {
	reply := make(chan error, 1)
	if !m.send(cmdRelease{token: token, reply: reply}) {
		return ErrShuttingDown
	}
	return <-reply
}

// GetMemory samples resident memory (KiB) of the worker backing token.
func (m *Manager) GetMemory(token Token) (int64, error) {
	reply := make(chan getMemoryReply, 1)
	if !m.send(cmdGetMemory{token: token, reply: reply}) {
		return 0, ErrShuttingDown
	}
	r := <-reply
	return r.kib, r.err
}

// RestartAll initiates or joins the current rolling restart. It blocks
// until every worker live at the moment of the call has cycled through a
// restart.
func (m *Manager) RestartAll() error {
	reply := make(chan error, 1)
	if !m.send(cmdRestartAll{reply: reply}) {
		return ErrShuttingDown
	}
	return <-reply
}

// RequireCode registers an initialization snippet and returns its token.
func (m *Manager) RequireCode(snippet string) (Token, error) {
	reply := make(chan Token, 1)
	if !m.send(cmdRequireCode{snippet: snippet, reply: reply}) {
		return Token{}, ErrShuttingDown
	}
	tok := <-reply
	if tok == (Token{}) {
		return Token{}, ErrShuttingDown
	}
	return tok, nil
}

// UnrequireCode removes a previously registered require entry and triggers
// a rolling restart.
func (m *Manager) UnrequireCode(token Token) error {
	reply := make(chan error, 1)
	if !m.send(cmdUnrequireCode{token: token, reply: reply}) {
		return ErrShuttingDown
	}
	return <-reply
}

// StatsSnapshot returns a point-in-time view of the scheduler's pool sizes.
func (m *Manager) StatsSnapshot() Stats {
	reply := make(chan Stats, 1)
	if !m.send(cmdStats{reply: reply}) {
		return Stats{}
	}
	return <-reply
}

func (m *Manager) handle(cmd interface{}) {
	switch c := cmd.(type) {
	case cmdReserve:
		m.handleReserve(c)
	case cmdRelease:
		m.handleRelease(c)
	case cmdEval:
		m.handleEval(c)
	case cmdGetMemory:
		m.handleGetMemory(c)
	case cmdRestartAll:
		m.handleRestartAll(c)
	case cmdRequireCode:
		m.handleRequireCode(c)
	case cmdUnrequireCode:
		m.handleUnrequireCode(c)
	case cmdStats:
		c.reply <- Stats{Free: len(m.free), Reserved: len(m.reserved), Waiting: len(m.waiting), Total: len(m.allPids)}
	case cmdLookupReservation:
		r, ok := m.reserved[c.token]
		if !ok {
			c.reply <- reservationSnapshot{}
			return
		}
		c.reply <- reservationSnapshot{res: *r, ok: true}
	default:
		panic(fmt.Sprintf("pool manager: unknown command type %T", cmd))
	}
}

// ensureDiscovered performs the lazy, once-only discovery of worker
// subprocesses through the supervisor. Deferring this until first use lets
// the supervisor finish starting children before the manager queries.
func (m *Manager) ensureDiscovered() error {
	if m.discovered {
		return nil
	}
	children, err := m.supervisor.EnumerateChildren()
	if err != nil {
		return fmt.Errorf("enumerating supervisor children: %w", err)
	}

	for _, c := range children {
		if !hasTag(c.Tags, supervisor.EvaluatorTag) {
			continue
		}
		w, err := adoptWorker(m.interp.Binary, m.interp.Args, m.logger, c.Cmd, c.Stdin, c.Stdout)
		if err != nil {
			return fmt.Errorf("adopting worker %s (pid %d): %w", c.ID, c.Pid, err)
		}
		if err := w.Initialize(m.requireSnippets()); err != nil {
			return fmt.Errorf("initializing worker %s: %w", c.ID, err)
		}
		m.free = append(m.free, w)
		m.allPids[w.Pid()] = struct{}{}
	}

	m.discovered = true
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func (m *Manager) requireSnippets() []string {
	snippets := make([]string, len(m.requires))
	for i, r := range m.requires {
		snippets[i] = r.snippet
	}
	return snippets
}

// handleReserve implements the scheduling rule from the scheduler design:
// strict FIFO tie-break, lazy discovery on first use, otherwise pop the
// head of free.
func (m *Manager) handleReserve(c cmdReserve) {
	if err := m.ensureDiscovered(); err != nil {
		c.reply <- reserveReply{err: err}
		return
	}

	if len(m.waiting) > 0 {
		m.waiting = append(m.waiting, waiter{maxMemKiB: c.maxMemKiB, reply: c.reply})
		return
	}

	if len(m.free) == 0 {
		m.waiting = append(m.waiting, waiter{maxMemKiB: c.maxMemKiB, reply: c.reply})
		return
	}

	w := m.free[0]
	m.free = m.free[1:]
	tok := newToken()
	m.reserved[tok] = &reservation{token: tok, worker: w, maxMemKiB: c.maxMemKiB}
	c.reply <- reserveReply{token: tok}
}

// handleRelease returns a worker to free, serving the head waiter first if
// one is pending, and enforces the restart-on-release fence: a worker
// flagged for restart is cycled before it is ever handed to a waiter.
func (m *Manager) handleRelease(c cmdRelease) {
	r, ok := m.reserved[c.token]
	if !ok {
		c.reply <- ErrInvalidReservation
		return
	}
	delete(m.reserved, c.token)
	w := r.worker

	if m.restart != nil {
		if _, pending := m.restart.pids[w.Pid()]; pending {
			oldPid := w.Pid()
			if err := w.Restart(m.requireSnippets()); err != nil {
				m.logger.Error("worker restart failed", "pid", oldPid, "error", err)
			}
			delete(m.restart.pids, oldPid)
			delete(m.allPids, oldPid)
			m.allPids[w.Pid()] = struct{}{}
			if len(m.restart.pids) == 0 {
				for _, rt := range m.restart.replyTargets {
					rt <- nil
				}
				m.restart = nil
			}
		}
	}

	m.free = append(m.free, w)

	if len(m.waiting) > 0 {
		next := m.waiting[0]
		m.waiting = m.waiting[1:]

		fw := m.free[0]
		m.free = m.free[1:]
		tok := newToken()
		m.reserved[tok] = &reservation{token: tok, worker: fw, maxMemKiB: next.maxMemKiB}
		next.reply <- reserveReply{token: tok}
	}

	c.reply <- nil
}

// handleEval dispatches the actual evaluation to a detached goroutine so a
// slow snippet never stalls the serializer. The goroutine talks only to the
// worker stub and to the caller's reply channel.
func (m *Manager) handleEval(c cmdEval) {
	timeout := c.timeout
	if timeout == 0 {
		timeout = m.cfg.EvalTimeout.Duration()
	}

	if c.token != nil {
		r, ok := m.reserved[*c.token]
		if !ok {
			c.reply <- evalReply{err: ErrInvalidReservation}
			return
		}
		w := r.worker
		maxMem := r.maxMemKiB
		if maxMem == 0 {
			maxMem = m.cfg.DefaultMaxMemKiB
		}
		go runDetachedEval(w, c.code, timeout, maxMem, c.reply)
		return
	}

	// No token: transiently acquire a worker using the same reservation
	// path as a client, evaluate, then release.
	if err := m.ensureDiscovered(); err != nil {
		c.reply <- evalReply{err: err}
		return
	}

	reserveCh := make(chan reserveReply, 1)
	m.handleReserve(cmdReserve{maxMemKiB: m.cfg.DefaultMaxMemKiB, reply: reserveCh})

	select {
	case rr := <-reserveCh:
		if rr.err != nil {
			c.reply <- evalReply{err: rr.err}
			return
		}
		tok := rr.token
		go func() {
			r, ok := m.lookupReservationSnapshot(tok)
			if !ok {
				c.reply <- evalReply{err: ErrInvalidReservation}
				return
			}
			maxMem := r.maxMemKiB
			if maxMem == 0 {
				maxMem = m.cfg.DefaultMaxMemKiB
			}
			innerReply := make(chan evalReply, 1)
			runDetachedEval(r.worker, c.code, timeout, maxMem, innerReply)
			result := <-innerReply

			releaseCh := make(chan error, 1)
			if m.send(cmdRelease{token: tok, reply: releaseCh}) {
				<-releaseCh
			}

			c.reply <- result
		}()
	default:
		// reserve enqueued the caller as a waiter (no free worker yet);
		// once it is eventually served we still owe it a release.
		go func() {
			rr := <-reserveCh
			if rr.err != nil {
				c.reply <- evalReply{err: rr.err}
				return
			}
			tok := rr.token
			r, ok := m.lookupReservationSnapshot(tok)
			if !ok {
				c.reply <- evalReply{err: ErrInvalidReservation}
				return
			}
			maxMem := r.maxMemKiB
			if maxMem == 0 {
				maxMem = m.cfg.DefaultMaxMemKiB
			}
			innerReply := make(chan evalReply, 1)
			runDetachedEval(r.worker, c.code, timeout, maxMem, innerReply)
			result := <-innerReply

			releaseCh := make(chan error, 1)
			if m.send(cmdRelease{token: tok, reply: releaseCh}) {
				<-releaseCh
			}

			c.reply <- result
		}()
	}
}

// reservationSnapshot is a read-only copy of a reservation handed back to a
// detached goroutine that cannot touch manager state directly.
type reservationSnapshot struct {
	res reservation
	ok  bool
}

// lookupReservationSnapshot is called from a detached goroutine; it must
// never touch manager state directly, so it asks the serializer for a
// read-only copy via a dedicated command.
func (m *Manager) lookupReservationSnapshot(tok Token) (reservation, bool) {
	reply := make(chan reservationSnapshot, 1)
	if !m.send(cmdLookupReservation{token: tok, reply: reply}) {
		return reservation{}, false
	}
	r := <-reply
	return r.res, r.ok
}

type cmdLookupReservation struct {
	token Token
	reply chan reservationSnapshot
}

func runDetachedEval(w *Worker, code string, timeout time.Duration, maxMemKiB int64, reply chan evalReply) {
	outcome, err := w.Evaluate(code, timeout, maxMemKiB)
	if err != nil {
		reply <- evalReply{err: err}
		return
	}
	reply <- evalReply{result: EvalResult{
		Tag:         outcome.Tag,
		Output:      string(outcome.Output),
		ReturnValue: outcome.ReturnValue,
		LastError:   outcome.LastError,
		Status:      outcome.Status,
		ExitCode:    outcome.ExitCode,
		Timeout:     outcome.Timeout,
	}}
}

// handleGetMemory dispatches a memory probe to a detached goroutine.
func (m *Manager) handleGetMemory(c cmdGetMemory) {
	r, ok := m.reserved[c.token]
	if !ok {
		c.reply <- getMemoryReply{err: ErrInvalidReservation}
		return
	}
	w := r.worker
	go func() {
		kib, err := w.MeasureMemory()
		c.reply <- getMemoryReply{kib: kib, err: err}
	}()
}

// handleRestartAll begins or joins the current rolling restart, per the
// restart protocol: snapshot live pids, append the caller's reply target,
// then enqueue N no-op evals as flushing pokes.
func (m *Manager) handleRestartAll(c cmdRestartAll) {
	if m.restart != nil {
		m.restart.replyTargets = append(m.restart.replyTargets, c.reply)
		return
	}

	if err := m.ensureDiscovered(); err != nil {
		c.reply <- err
		return
	}

	pids := make(map[int]struct{}, len(m.allPids))
	for pid := range m.allPids {
		pids[pid] = struct{}{}
	}

	if len(pids) == 0 {
		c.reply <- nil
		return
	}

	m.restart = &restartOperation{pids: pids, replyTargets: []chan error{c.reply}}

	for i := 0; i < len(pids); i++ {
		pokeReply := make(chan evalReply, 1)
		m.handleEval(cmdEval{code: "", reply: pokeReply})
		go func() { <-pokeReply }()
	}
}

// handleRequireCode appends a RequireEntry. Callers typically follow with
// restartAll to make the change effective against running workers.
func (m *Manager) handleRequireCode(c cmdRequireCode) {
	tok := newToken()
	m.requires = append(m.requires, requireEntry{token: tok, snippet: c.snippet})
	c.reply <- tok
}

// handleUnrequireCode removes the entry and triggers a rolling restart whose
// completion does not re-acknowledge this caller: unrequireCode replies to
// its own caller independently, then fires an unjoined restartAll.
func (m *Manager) handleUnrequireCode(c cmdUnrequireCode) {
	idx := -1
	for i, r := range m.requires {
		if r.token == c.token {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.reply <- ErrInvalidArgument
		return
	}
	m.requires = append(m.requires[:idx], m.requires[idx+1:]...)
	c.reply <- nil

	detachedReply := make(chan error, 1)
	m.handleRestartAll(cmdRestartAll{reply: detachedReply})
	go func() { <-detachedReply }()
}
