package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport is the wire layer a Client speaks JSON-RPC over.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport runs the server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdio.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  io.ReadCloser
	mu      sync.Mutex
	running bool
}

func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderr,
		running: true,
	}

	go func() {
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			slog.Debug("mcp stderr", "server", command, "msg", scanner.Text())
		}
	}()

	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{line, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// HTTPTransport speaks the streamable-http profile: every JSON-RPC
// message POSTs to the endpoint and the response body, when non-empty,
// is queued for Receive.
type HTTPTransport struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client

	inbox  chan json.RawMessage
	closed chan struct{}
	once   sync.Once
}

func NewHTTPTransport(endpoint string, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		endpoint:   endpoint,
		headers:    headers,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		inbox:      make(chan json.RawMessage, 16),
		closed:     make(chan struct{}),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	// Notifications get 202/empty bodies; only responses are queued.
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	select {
	case t.inbox <- json.RawMessage(body):
	case <-t.closed:
		return fmt.Errorf("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *HTTPTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("transport closed")
	case msg := <-t.inbox:
		return msg, nil
	}
}

func (t *HTTPTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
