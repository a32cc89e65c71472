// Package agent manages the coding agent subprocess. It speaks JSON-RPC
// 2.0 over the agent's stdio (the MCP framing), interprets the event
// notifications the agent streams while working, and exposes a
// call-oriented client with an idle watchdog.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/sparkbridge/internal/errors"
	"github.com/Iron-Ham/sparkbridge/internal/logging"
)

// Notification is a server-initiated JSON-RPC message without an id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// rpcSession is the wire surface SessionClient needs. Tests substitute an
// in-memory fake; production uses stdioSession.
type rpcSession interface {
	Call(ctx context.Context, method string, params, result any) error
	Notify(method string, params any) error
	Close() error
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcEnvelope is the wire frame for every direction of traffic.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// stdioSession runs a subprocess and exchanges newline-delimited JSON-RPC
// frames over its stdin/stdout. Stderr is relayed to the logger.
type stdioSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult
	nextID    atomic.Int64
	closed    bool

	// onNotification handles method calls without an id.
	onNotification func(Notification)
	// onRequest handles server-to-client requests (approvals). The return
	// value is marshaled as the JSON-RPC result.
	onRequest func(method string, params json.RawMessage) any

	log *logging.Logger
}

// newStdioSession spawns command with args and starts the read loops.
func newStdioSession(command string, args []string, onNotification func(Notification), onRequest func(string, json.RawMessage) any) (*stdioSession, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewAgentError("spawning agent process", err)
	}

	s := &stdioSession{
		cmd:            cmd,
		stdin:          stdin,
		pending:        make(map[int64]chan rpcResult),
		onNotification: onNotification,
		onRequest:      onRequest,
		log:            logging.Default().WithComponent("agent.rpc"),
	}

	go s.readLoop(stdout)
	go s.stderrLoop(stderr)

	return s, nil
}

// Call sends a request and blocks until the response arrives or ctx is
// done. A canceled context abandons the call; the pending entry is
// removed so a late response is dropped.
func (s *stdioSession) Call(ctx context.Context, method string, params, result any) error {
	id := s.nextID.Add(1)
	ch := make(chan rpcResult, 1)

	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return errors.ErrNotConnected
	}
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.write(rpcEnvelope{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		s.dropPending(id)
		return err
	}

	select {
	case <-ctx.Done():
		s.dropPending(id)
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if result == nil || len(res.result) == 0 {
			return nil
		}
		return json.Unmarshal(res.result, result)
	}
}

// Notify sends a notification (no id, no response expected).
func (s *stdioSession) Notify(method string, params any) error {
	return s.write(rpcEnvelope{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Close terminates the subprocess and fails all in-flight calls.
func (s *stdioSession) Close() error {
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.pending {
		ch <- rpcResult{err: errors.ErrNotConnected}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func (s *stdioSession) write(env rpcEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(payload)
	return err
}

func (s *stdioSession) dropPending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// readLoop decodes frames from the agent's stdout and routes them:
// responses to their pending call, notifications to the handler,
// server-to-client requests to onRequest.
func (s *stdioSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Agent output frames can carry whole file diffs.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.log.Warn("unparseable frame from agent", "error", err)
			continue
		}

		switch {
		case env.Method != "" && env.ID != nil:
			// Request from the agent (approval round trip). The handler
			// may block on a user decision, so answer off the read loop.
			go s.answerRequest(env)
		case env.Method != "":
			if s.onNotification != nil {
				s.onNotification(Notification{Method: env.Method, Params: env.Params})
			}
		case env.ID != nil:
			s.dispatchResponse(env)
		default:
			s.log.Warn("frame with neither method nor id")
		}
	}

	// Pipe closed: the subprocess died or we shut it down.
	s.pendingMu.Lock()
	s.closed = true
	for id, ch := range s.pending {
		ch <- rpcResult{err: errors.ErrNotConnected}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

func (s *stdioSession) answerRequest(env rpcEnvelope) {
	var result any
	if s.onRequest != nil {
		result = s.onRequest(env.Method, env.Params)
	}
	if result == nil {
		result = map[string]any{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.log.Error("marshaling request response", "method", env.Method, "error", err)
		return
	}
	if err := s.write(rpcEnvelope{JSONRPC: "2.0", ID: env.ID, Result: raw}); err != nil {
		s.log.Error("writing request response", "method", env.Method, "error", err)
	}
}

func (s *stdioSession) dispatchResponse(env rpcEnvelope) {
	s.pendingMu.Lock()
	ch, ok := s.pending[*env.ID]
	if ok {
		delete(s.pending, *env.ID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.log.Warn("response for unknown request", "id", *env.ID)
		return
	}

	if env.Error != nil {
		ch <- rpcResult{err: env.Error}
		return
	}
	ch <- rpcResult{result: env.Result}
}

func (s *stdioSession) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) > 150 {
			line = line[:150]
		}
		s.log.Debug("agent stderr", "line", line)
	}
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}
