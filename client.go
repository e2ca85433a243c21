package jsidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sadewadee/jsidecar/internal/conn"
	"github.com/sadewadee/jsidecar/internal/protocol"
)

// timeoutMargin is added on top of a script's own timeout when arming the
// host-side deadline, so the worker's enforcement normally fires first.
const timeoutMargin = 250 * time.Millisecond

// Function is script source compiled by the worker into a callable bound as
// a top-level global.
type Function struct {
	Name   string
	Params []string
	Code   string
}

// Module is source importable by name from the submitted script. Modules may
// import each other, cycles included.
type Module struct {
	Name string
	Code string
}

// LogEntry is one log record emitted by the script.
type LogEntry struct {
	Level   string
	Message any
}

// RunArgs describes one script submission.
type RunArgs struct {
	// Name identifies the run in diagnostics. May be empty.
	Name string

	// Code is the script source. Empty code only mutates the persistent
	// context (globals, functions and modules are still bound).
	Code string

	// RecreateContext discards the connection's persistent scope before
	// this run.
	RecreateContext bool

	// Expr evaluates Code as a single expression and returns its value
	// instead of evaluating it as a module. Expr runs may not carry Modules.
	Expr bool

	// Globals are injected as top-level bindings.
	Globals map[string]any

	// Timeout is the script's own execution budget, enforced by the worker.
	// The host arms Timeout plus a small margin as its outer deadline.
	Timeout time.Duration

	Functions []Function
	Modules   []Module

	// ReturnKeys restricts which globals come back in the result.
	ReturnKeys []string

	// OnLog, when set, receives the run's log records in emission order.
	OnLog func(LogEntry)
}

// RunResult is a successful script evaluation.
type RunResult struct {
	Globals     map[string]any
	ReturnValue any
}

// Client is the high-level API over one worker connection. The same client
// keeps the same persistent scope inside the worker across calls.
type Client struct {
	conn           *conn.Conn
	timeoutCeiling time.Duration
	logger         *slog.Logger
}

// NewClient wraps an established connection. timeoutCeiling bounds the
// host-side deadline of every run; zero means no ceiling.
func NewClient(c *conn.Conn, timeoutCeiling time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{conn: c, timeoutCeiling: timeoutCeiling, logger: logger}
}

// RunScript submits a script and waits for its result. Script failures come
// back as *ScriptError; transport and timeout failures as their error kinds.
func (c *Client) RunScript(ctx context.Context, args RunArgs) (*RunResult, error) {
	if args.Expr && len(args.Modules) > 0 {
		return nil, fmt.Errorf("%w: expression mode does not allow modules", ErrInvalidArgument)
	}

	req := &protocol.RunRequest{
		Name:            args.Name,
		Code:            args.Code,
		RecreateContext: args.RecreateContext,
		Expr:            args.Expr,
		Globals:         args.Globals,
		TimeoutMs:       args.Timeout.Milliseconds(),
		ReturnKeys:      args.ReturnKeys,
	}
	for _, f := range args.Functions {
		req.Functions = append(req.Functions, protocol.FunctionDef(f))
	}
	for _, m := range args.Modules {
		req.Modules = append(req.Modules, protocol.ModuleDef(m))
	}

	frame, err := protocol.EncodeRunRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if d := c.hostDeadline(args.Timeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var sink conn.LogSink
	if args.OnLog != nil {
		onLog := args.OnLog
		sink = func(l *protocol.LogPayload) {
			onLog(LogEntry{Level: l.Level, Message: l.Message})
		}
	}

	terminal, err := c.conn.Submit(ctx, protocol.TypeRunScript, frame.Payload, sink)
	if err != nil {
		return nil, c.mapSubmitErr(err)
	}

	switch terminal.Type {
	case protocol.TypeRunResponse:
		resp, err := protocol.DecodeRunResponse(terminal)
		if err != nil {
			c.conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return &RunResult{Globals: resp.Globals, ReturnValue: resp.ReturnValue}, nil
	case protocol.TypeError:
		e, err := protocol.DecodeError(terminal)
		if err != nil {
			c.conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return nil, &ScriptError{Message: e.Message, Stack: e.Stack}
	default:
		c.conn.Close()
		return nil, fmt.Errorf("%w: unexpected terminal frame type 0x%04x", ErrTransportClosed, terminal.Type)
	}
}

// Ping probes the worker. The pool uses it as the health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return c.mapSubmitErr(err)
	}
	return nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ConnID returns the underlying connection's diagnostic identifier.
func (c *Client) ConnID() string {
	return c.conn.ID()
}

func (c *Client) healthy() bool {
	return !c.conn.Closed()
}

// hostDeadline picks the outer deadline: the script timeout plus margin when
// one is set, capped by the configured ceiling.
func (c *Client) hostDeadline(scriptTimeout time.Duration) time.Duration {
	d := c.timeoutCeiling
	if scriptTimeout > 0 {
		outer := scriptTimeout + timeoutMargin
		if d == 0 || outer < d {
			d = outer
		}
	}
	return d
}

func (c *Client) mapSubmitErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrRequestTimeout, err)
	case errors.Is(err, conn.ErrClosed):
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	case errors.Is(err, protocol.ErrFrameTooLarge):
		// Rejected at encode time, before anything was written.
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	default:
		return err
	}
}
