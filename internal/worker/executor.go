package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// ExecRequest is the single command dispatched to a worker's in-container
// executor endpoint, generalizing the teacher's interactive PTY input frame
// to a one-shot command+output round trip per spec.md 4.E.
type ExecRequest struct {
	Command string
	Args    []string
	Timeout int // seconds, 0 means no deadline beyond ctx
}

// ExecResult is the executor's reply frame.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecutorClient is the outbound port spec.md 4.E names for running a
// command inside an active worker (workspace restore, health probes).
type ExecutorClient interface {
	Exec(ctx context.Context, wsURL string, req ExecRequest) (ExecResult, error)
}

type wsExecutorClient struct{}

// NewExecutorClient builds an ExecutorClient that dials the worker's exec
// websocket endpoint for each call, mirroring the teacher's
// terminal.WebSocketHandler pairing except the client dials rather than
// accepts, and each call is a single request/response instead of a
// continuous interactive session.
func NewExecutorClient() ExecutorClient {
	return &wsExecutorClient{}
}

type execFrame struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Timeout int    `json:"timeout,omitempty"`

	ExitCode int    `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Exec dials wsURL, sends a single exec frame, and reads back exactly one
// result frame before closing the connection.
func (c *wsExecutorClient) Exec(ctx context.Context, wsURL string, req ExecRequest) (ExecResult, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("dial worker executor %s: %w", wsURL, err)
	}
	defer conn.CloseNow()

	out := execFrame{Type: "exec", Command: req.Command, Args: req.Args, Timeout: req.Timeout}
	payload, err := json.Marshal(out)
	if err != nil {
		return ExecResult{}, fmt.Errorf("marshal exec request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return ExecResult{}, fmt.Errorf("write exec request: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("read exec result: %w", err)
	}

	var in execFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return ExecResult{}, fmt.Errorf("decode exec result: %w", err)
	}
	if in.Error != "" {
		conn.Close(websocket.StatusNormalClosure, "")
		return ExecResult{}, fmt.Errorf("worker executor error: %s", in.Error)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	return ExecResult{ExitCode: in.ExitCode, Stdout: in.Stdout, Stderr: in.Stderr}, nil
}
