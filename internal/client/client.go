// Package client provides the stateless call surface that application code
// uses to talk to the pool manager: eval, reserve, release, and the
// convenience call/return wrappers.
package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scriptd/scriptd/internal/pool"
	"github.com/scriptd/scriptd/internal/telemetry"
)

// Client is a thin adapter around a running pool.Manager. It holds no
// scheduler state of its own; every call is serialized onto the manager.
type Client struct {
	mgr *pool.Manager
}

// New wraps a running pool.Manager in a Client.
func New(mgr *pool.Manager) *Client {
	return &Client{mgr: mgr}
}

type evalParams struct {
	token   *pool.Token
	timeout time.Duration
}

// EvalOption customizes a single Eval call.
type EvalOption func(*evalParams)

// WithToken scopes the evaluation to an existing reservation. Without it,
// Eval transiently acquires and releases a worker of its own.
func WithToken(t pool.Token) EvalOption {
	return func(p *evalParams) { p.token = &t }
}

// WithTimeout bounds how long the evaluation may run before the worker is
// killed and respawned.
func WithTimeout(d time.Duration) EvalOption {
	return func(p *evalParams) { p.timeout = d }
}

// Eval evaluates a code snippet, optionally scoped to a reservation and/or
// bounded by a timeout. This is the Go rendition of the overloaded
// eval(code), eval(code, token), eval(code, timeout), eval(code, token,
// timeout) calls in the source call surface.
func (c *Client) Eval(code string, opts ...EvalOption) (pool.EvalResult, error) {
	var p evalParams
	for _, opt := range opts {
		opt(&p)
	}
	_, span := telemetry.StartSpan(context.Background(), "scriptd.eval")
	defer span.End()
	return c.mgr.Eval(code, p.token, p.timeout)
}

// Reserve allocates a worker, optionally with a caller-specified memory
// ceiling in KiB (0 uses the pool's configured default).
func (c *Client) Reserve(maxMemKiB int64) (pool.Token, error) {
	_, span := telemetry.StartSpan(context.Background(), "scriptd.reserve")
	defer span.End()
	return c.mgr.Reserve(maxMemKiB)
}

// Release returns a reserved worker to the free pool.
func (c *Client) Release(token pool.Token) error {
	return c.mgr.Release(token)
}

// GetMemory returns the resident memory (KiB) of the worker backing token.
func (c *Client) GetMemory(token pool.Token) (int64, error) {
	return c.mgr.GetMemory(token)
}

// RestartAll initiates or joins a rolling restart of every worker.
func (c *Client) RestartAll() error {
	_, span := telemetry.StartSpan(context.Background(), "scriptd.restart_all")
	defer span.End()
	return c.mgr.RestartAll()
}

// RequireCode registers an initialization snippet replayed into every
// worker after a respawn. Callers typically follow with RestartAll to make
// the change effective against already-running workers.
func (c *Client) RequireCode(snippet string) (pool.Token, error) {
	return c.mgr.RequireCode(snippet)
}

// UnrequireCode removes a previously registered initialization snippet and
// triggers a rolling restart so the change takes effect.
func (c *Client) UnrequireCode(token pool.Token) error {
	return c.mgr.UnrequireCode(token)
}

// Call builds "function(arg1, arg2, ...);" from scalar arguments and
// evaluates it, discarding any return value distinction from a plain
// evaluation (see Return for capturing one).
func (c *Client) Call(function string, args ...interface{}) (pool.EvalResult, error) {
	snippet, err := buildCallSnippet(function, args, false)
	if err != nil {
		return pool.EvalResult{}, err
	}
	return c.Eval(snippet)
}

// Return builds "return function(arg1, arg2, ...);" and evaluates it,
// handing back the evaluator's return value directly.
func (c *Client) Return(function string, args ...interface{}) (interface{}, error) {
	snippet, err := buildCallSnippet(function, args, true)
	if err != nil {
		return nil, err
	}
	result, err := c.Eval(snippet)
	if err != nil {
		return nil, err
	}
	return result.ReturnValue, nil
}

func buildCallSnippet(function string, args []interface{}, withReturn bool) (string, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		q, err := quoteArg(a)
		if err != nil {
			return "", fmt.Errorf("argument %d to %s: %w", i, function, err)
		}
		quoted[i] = q
	}
	prefix := ""
	if withReturn {
		prefix = "return "
	}
	return fmt.Sprintf("%s%s(%s);", prefix, function, strings.Join(quoted, ", ")), nil
}

// quoteArg renders a scalar argument as source text: strings are
// single-quoted with backslash and quote escaped, numbers are rendered in
// their natural textual form.
func quoteArg(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return quoteString(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("%w: unsupported argument type %T", pool.ErrInvalidArgument, v)
	}
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}
