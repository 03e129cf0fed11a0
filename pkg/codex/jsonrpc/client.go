// Package jsonrpc handles newline-delimited JSON-RPC 2.0 communication with a
// locally spawned agent child process over its stdin/stdout. Stderr lines are
// surfaced as warnings only.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codexbridge/codexbridge/internal/common/errors"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// NotificationHandler receives agent-initiated notifications
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives agent-initiated requests; the handler must answer
// with Respond or RespondError
type RequestHandler func(id interface{}, method string, params json.RawMessage)

// ExitHandler is invoked once when the child process exits
type ExitHandler func(err error)

// ProcessConfig describes the agent child process
type ProcessConfig struct {
	BinaryPath     string
	Args           []string
	WorkingDir     string
	ClientName     string
	ClientVersion  string
	DefaultTimeout time.Duration
}

// Client handles JSON-RPC 2.0 communication over a child process's stdio
type Client struct {
	cfg ProcessConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex
	writeMu   sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler
	onExit         ExitHandler

	logger  *logger.Logger
	done    chan struct{}
	started bool
}

// NewClient creates a client that will spawn and own the configured child
func NewClient(cfg ProcessConfig, log *logger.Logger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-client")),
		done:    make(chan struct{}),
	}
}

// NewPipeClient creates a client bound to existing streams, without a child
// process. Used in tests.
func NewPipeClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Client {
	c := NewClient(ProcessConfig{DefaultTimeout: 5 * time.Second}, log)
	c.stdin = stdin
	c.stdout = stdout
	return c
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for agent-initiated requests
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// SetExitHandler sets the handler invoked when the child exits
func (c *Client) SetExitHandler(handler ExitHandler) {
	c.onExit = handler
}

// Start spawns the child (unless bound to pipes), begins reading, and performs
// the initialize handshake
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("client already started")
	}

	if c.cmd == nil && c.stdout == nil {
		cmd := exec.Command(c.cfg.BinaryPath, c.cfg.Args...)
		cmd.Dir = c.cfg.WorkingDir

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start agent process: %w", err)
		}

		c.cmd = cmd
		c.stdin = stdin
		c.stdout = stdout
		c.stderr = stderr

		c.logger.Info("agent process started",
			zap.String("binary", c.cfg.BinaryPath),
			zap.Int("pid", cmd.Process.Pid))
	}

	c.started = true
	go c.readLoop()
	if c.stderr != nil {
		go c.stderrLoop()
	}
	if c.cmd != nil {
		go c.waitLoop()
	}

	// Initialize handshake
	initCtx, cancel := context.WithTimeout(ctx, c.cfg.DefaultTimeout)
	defer cancel()

	params := map[string]interface{}{
		"clientInfo": map[string]string{
			"name":    c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
	}
	if _, err := c.Call(initCtx, "initialize", params, 0); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := c.Notify("initialized", nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}
	return nil
}

// Stop terminates the child with SIGTERM and stops the read loop
func (c *Client) Stop() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)

	if c.cmd != nil && c.cmd.Process != nil {
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			c.logger.Warn("failed to signal agent process", zap.Error(err))
		}
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
}

// Call sends a request and waits for its response. A non-positive timeout uses
// the configured default. RPC error responses are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, errors.TransportClosed("agent process exited", nil)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %s", method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.TransportClosed("client stopped", nil)
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.send(&Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	})
}

// Respond answers an agent-initiated request with a result
func (c *Client) Respond(id interface{}, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON})
}

// RespondError answers an agent-initiated request with an error
func (c *Client) RespondError(id interface{}, code int, message string, data interface{}) error {
	var dataJSON json.RawMessage
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal error data: %w", err)
		}
	}
	return c.send(&Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: dataJSON},
	})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return errors.TransportClosed("stdin not available", nil)
	}
	if _, err := c.stdin.Write(data); err != nil {
		return errors.TransportClosed("failed to write to agent stdin", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	// Partial lines are buffered by the scanner until a newline arrives
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.logger.Debug("received message", zap.ByteString("data", line))
		c.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
	c.rejectPending()
}

// dispatch classifies an inbound line as a success response, error response,
// agent request, or notification
func (c *Client) dispatch(line []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("received unparseable message", zap.ByteString("data", line), zap.Error(err))
		return
	}

	switch {
	case msg.ID != nil && msg.Method != "":
		// Agent-initiated request
		if c.onRequest != nil {
			c.onRequest(msg.ID, msg.Method, msg.Params)
		} else {
			_ = c.RespondError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not supported: %s", msg.Method), nil)
		}
	case msg.ID != nil:
		c.handleResponse(&Response{JSONRPC: msg.JSONRPC, ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case msg.Method != "":
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		}
	default:
		c.logger.Warn("received unknown message format", zap.ByteString("data", line))
	}
}

func (c *Client) handleResponse(resp *Response) {
	// Ids are sent as integers but arrive as float64 through encoding/json
	key := normalizeID(resp.ID)

	c.mu.Lock()
	ch, ok := c.pending[key]
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

func normalizeID(id interface{}) interface{} {
	if f, ok := id.(float64); ok {
		return int64(f)
	}
	return id
}

// rejectPending fulfills every outstanding request with a terminal nil, which
// Call translates to a transport-closed error
func (c *Client) rejectPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) stderrLoop() {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			c.logger.Warn("agent stderr", zap.String("line", line))
		}
	}
}

func (c *Client) waitLoop() {
	err := c.cmd.Wait()

	select {
	case <-c.done:
		// Expected exit after Stop
	default:
		c.logger.Error("agent process exited unexpectedly", zap.Error(err))
	}

	c.rejectPending()
	if c.onExit != nil {
		c.onExit(err)
	}
}
