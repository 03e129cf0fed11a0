package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	apperrors "github.com/codexbridge/codexbridge/internal/common/errors"
	"github.com/codexbridge/codexbridge/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeAgent simulates the agent process on the far side of the pipes
type fakeAgent struct {
	in  *bufio.Scanner
	out *io.PipeWriter
}

func newFakeAgent(t *testing.T) (*fakeAgent, *Client) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewPipeClient(stdinW, stdoutR, newTestLogger(t))
	agent := &fakeAgent{in: bufio.NewScanner(stdinR), out: stdoutW}
	t.Cleanup(func() {
		client.Stop()
		stdoutW.Close()
	})
	return agent, client
}

// readRequest reads the next request line from the client
func (a *fakeAgent) readRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	if !a.in.Scan() {
		t.Fatalf("agent stdin closed: %v", a.in.Err())
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(a.in.Bytes(), &msg); err != nil {
		t.Fatalf("unparseable client message %q: %v", a.in.Text(), err)
	}
	return msg
}

func (a *fakeAgent) send(t *testing.T, msg string) {
	t.Helper()
	if _, err := a.out.Write([]byte(msg + "\n")); err != nil {
		t.Fatalf("failed to write to client: %v", err)
	}
}

// serveHandshake answers initialize and swallows the initialized notification
func (a *fakeAgent) serveHandshake(t *testing.T) {
	t.Helper()
	req := a.readRequest(t)
	if req["method"] != "initialize" {
		t.Fatalf("expected initialize, got %v", req["method"])
	}
	a.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, req["id"]))

	note := a.readRequest(t)
	if note["method"] != "initialized" {
		t.Fatalf("expected initialized, got %v", note["method"])
	}
}

func startClient(t *testing.T, agent *fakeAgent, client *Client) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- client.Start(context.Background()) }()
	agent.serveHandshake(t)
	if err := <-done; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestCallReturnsResult(t *testing.T) {
	agent, client := newFakeAgent(t)
	startClient(t, agent, client)

	go func() {
		req := agent.readRequest(t)
		agent.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"threadId":"thr_1"}}`, req["id"]))
	}()

	raw, err := client.Call(context.Background(), "thread/start", map[string]string{"model": "m"}, time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var result struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ThreadID != "thr_1" {
		t.Errorf("threadId = %q, want thr_1", result.ThreadID)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	agent, client := newFakeAgent(t)
	startClient(t, agent, client)

	go func() {
		req := agent.readRequest(t)
		agent.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":{"code":-32601,"message":"unknown variant turn/steer"}}`, req["id"]))
	}()

	_, err := client.Call(context.Background(), "turn/steer", nil, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestCallTimesOut(t *testing.T) {
	agent, client := newFakeAgent(t)
	startClient(t, agent, client)

	go func() {
		// Read the request and never answer
		agent.readRequest(t)
	}()

	_, err := client.Call(context.Background(), "thread/start", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := err.Error(); !strings.Contains(got, "timed out") {
		t.Errorf("error = %q, want a timeout", got)
	}
}

func TestNotificationDispatch(t *testing.T) {
	agent, client := newFakeAgent(t)

	received := make(chan string, 1)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		received <- method
	})
	startClient(t, agent, client)

	agent.send(t, `{"jsonrpc":"2.0","method":"turn/started","params":{"turnId":"turn_1"}}`)

	select {
	case method := <-received:
		if method != "turn/started" {
			t.Errorf("method = %q, want turn/started", method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification was not dispatched")
	}
}

func TestAgentRequestRoundTrip(t *testing.T) {
	agent, client := newFakeAgent(t)

	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		if err := client.Respond(id, map[string]string{"decision": "accept"}); err != nil {
			t.Errorf("Respond failed: %v", err)
		}
	})
	startClient(t, agent, client)

	agent.send(t, `{"jsonrpc":"2.0","id":"req_9","method":"item/commandExecution/requestApproval","params":{}}`)

	resp := agent.readRequest(t)
	if resp["id"] != "req_9" {
		t.Errorf("response id = %v, want req_9", resp["id"])
	}
	result, _ := resp["result"].(map[string]interface{})
	if result["decision"] != "accept" {
		t.Errorf("decision = %v, want accept", result["decision"])
	}
}

func TestPendingRejectedOnEOF(t *testing.T) {
	agent, client := newFakeAgent(t)
	startClient(t, agent, client)

	go func() {
		agent.readRequest(t)
		// Simulate the agent dying mid-request
		agent.out.Close()
	}()

	_, err := client.Call(context.Background(), "thread/start", nil, 5*time.Second)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !apperrors.IsTransportClosed(err) {
		t.Errorf("expected transport-closed error, got %v", err)
	}
}
