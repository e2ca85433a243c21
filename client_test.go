package jsidecar

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sadewadee/jsidecar/internal/conn"
)

func newTestClient(t *testing.T, timeoutCeiling time.Duration) *Client {
	t.Helper()
	client, peer := net.Pipe()
	go serveEngine(peer)
	c := NewClient(conn.New(client, nil), timeoutCeiling, nil)
	t.Cleanup(func() {
		c.Close()
		peer.Close()
	})
	return c
}

func TestRunScriptReturnsResult(t *testing.T) {
	c := newTestClient(t, 0)

	res, err := c.RunScript(context.Background(), RunArgs{
		Name:    "t1",
		Code:    "2+2",
		Expr:    true,
		Globals: map[string]any{"customGlobal": 10},
	})
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if res.ReturnValue != float64(len("2+2")) {
		t.Errorf("ReturnValue: got %v", res.ReturnValue)
	}
	if res.Globals["customGlobal"] != float64(10) {
		t.Errorf("Globals: got %v", res.Globals)
	}
}

func TestRunScriptReturnKeysFilterGlobals(t *testing.T) {
	c := newTestClient(t, 0)

	res, err := c.RunScript(context.Background(), RunArgs{
		Name:       "t6",
		Code:       "a=1; b=2; c=3;",
		Globals:    map[string]any{"a": 1, "b": 2, "c": 3},
		ReturnKeys: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if _, ok := res.Globals["c"]; ok {
		t.Errorf("returnKeys not honored: %v", res.Globals)
	}
	if _, ok := res.Globals["a"]; !ok {
		t.Errorf("requested key missing: %v", res.Globals)
	}
}

func TestRunScriptExprRejectsModules(t *testing.T) {
	c := newTestClient(t, 0)

	_, err := c.RunScript(context.Background(), RunArgs{
		Name:    "bad",
		Code:    "1",
		Expr:    true,
		Modules: []Module{{Name: "m1", Code: "export {}"}},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRunScriptSurfacesScriptError(t *testing.T) {
	c := newTestClient(t, 0)

	_, err := c.RunScript(context.Background(), RunArgs{Name: "boom", Code: "}{"})
	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("expected *ScriptError, got %v", err)
	}
	if scriptErr.Message == "" || scriptErr.Stack == "" {
		t.Errorf("incomplete script error: %+v", scriptErr)
	}

	// A script failure must not poison the connection.
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping after script error: %v", err)
	}
}

func TestRunScriptTimeoutKeepsClientUsable(t *testing.T) {
	c := newTestClient(t, 0)

	start := time.Now()
	_, err := c.RunScript(context.Background(), RunArgs{
		Name:    "hang",
		Code:    "while(true){}",
		Expr:    true,
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout fired too late: %s", elapsed)
	}

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping after timeout: %v", err)
	}
}

func TestRunScriptDeliversLogs(t *testing.T) {
	c := newTestClient(t, 0)

	var logs []string
	_, err := c.RunScript(context.Background(), RunArgs{
		Name: "logs",
		Code: "console.log('x')",
		OnLog: func(e LogEntry) {
			logs = append(logs, e.Message.(string))
		},
	})
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if len(logs) != 2 || logs[0] != "first" || logs[1] != "second" {
		t.Errorf("logs: got %v", logs)
	}
}

func TestRunScriptTransportClosed(t *testing.T) {
	client, peer := net.Pipe()
	c := NewClient(conn.New(client, nil), 0, nil)
	peer.Close()

	_, err := c.RunScript(context.Background(), RunArgs{Name: "t", Code: "1"})
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestHostDeadline(t *testing.T) {
	tests := []struct {
		name          string
		ceiling       time.Duration
		scriptTimeout time.Duration
		want          time.Duration
	}{
		{"no limits", 0, 0, 0},
		{"script timeout plus margin", 0, 100 * time.Millisecond, 100*time.Millisecond + timeoutMargin},
		{"ceiling only", 5 * time.Second, 0, 5 * time.Second},
		{"ceiling caps script timeout", time.Second, 2 * time.Second, time.Second},
		{"script timeout under ceiling", 10 * time.Second, time.Second, time.Second + timeoutMargin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{timeoutCeiling: tt.ceiling}
			if got := c.hostDeadline(tt.scriptTimeout); got != tt.want {
				t.Errorf("hostDeadline(%s): got %s, want %s", tt.scriptTimeout, got, tt.want)
			}
		})
	}
}
