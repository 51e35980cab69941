package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// shutdownGrace is how long Close waits for the server to exit after its
// stdin is closed before killing it.
const shutdownGrace = 2 * time.Second

// StdioMCPClient spawns an MCP server as a subprocess and communicates
// via newline-delimited JSON-RPC 2.0 over stdin/stdout.
type StdioMCPClient struct {
	command string
	args    []string
	env     map[string]string

	logger *slog.Logger

	// streamIn/streamOut replace the subprocess when set.
	streamIn  io.Reader
	streamOut io.WriteCloser

	cmd        *exec.Cmd
	exited     chan struct{}
	killed     chan struct{}
	stderrDone chan struct{}
	stdin      io.WriteCloser

	requestID atomic.Int64
	writeMu   sync.Mutex

	mu        sync.Mutex
	connected bool
	pending   map[int64]chan *JSONRPCResponse
	done      chan struct{}
	readErr   error
}

var _ MCPClient = (*StdioMCPClient)(nil)

// StdioOption configures a StdioMCPClient.
type StdioOption func(*StdioMCPClient)

// WithLogger sets the logger used for server stderr and protocol traffic.
func WithLogger(logger *slog.Logger) StdioOption {
	return func(c *StdioMCPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewStdioMCPClient creates a new StdioMCPClient with the given command and arguments.
func NewStdioMCPClient(command string, args []string, env map[string]string, opts ...StdioOption) *StdioMCPClient {
	c := &StdioMCPClient{
		command: command,
		args:    args,
		env:     env,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewStreamMCPClient creates a client speaking to a server over an existing
// pair of streams instead of a subprocess. Close closes w.
func NewStreamMCPClient(r io.Reader, w io.WriteCloser, opts ...StdioOption) *StdioMCPClient {
	c := NewStdioMCPClient("", nil, nil, opts...)
	c.streamIn = r
	c.streamOut = w
	return c
}

// Connect starts the MCP server subprocess and initializes the connection.
func (c *StdioMCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var (
		in  io.Reader
		out io.WriteCloser
	)
	if c.streamOut != nil {
		in, out = c.streamIn, c.streamOut
	} else {
		var err error
		if in, out, err = c.spawn(); err != nil {
			return err
		}
	}

	done := c.start(in, out)
	c.mu.Lock()
	if cmd := c.cmd; cmd != nil {
		go c.reap(cmd, done, c.stderrDone, c.killed, c.exited)
	}
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.shutdown()
		return fmt.Errorf("failed to initialize MCP connection: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// spawn starts the server process. The process is deliberately not bound
// to the Connect context: it lives until Close.
func (c *StdioMCPClient) spawn() (io.Reader, io.WriteCloser, error) {
	if c.command == "" {
		return nil, nil, fmt.Errorf("MCP server command is empty")
	}

	cmd := exec.Command(c.command, c.args...)
	if len(c.env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range c.env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	stderrDone := make(chan struct{})
	go func() {
		c.logServerStderr(stderr)
		close(stderrDone)
	}()

	c.mu.Lock()
	c.cmd = cmd
	c.exited = make(chan struct{})
	c.killed = make(chan struct{})
	c.stderrDone = stderrDone
	c.mu.Unlock()

	return stdout, stdin, nil
}

// reap collects the server process. Wait closes the output pipes, so it
// runs only once both have reached EOF or the process has been killed.
func (c *StdioMCPClient) reap(cmd *exec.Cmd, stdoutDone, stderrDone, killed <-chan struct{}, exited chan<- struct{}) {
	for _, pipe := range []<-chan struct{}{stdoutDone, stderrDone} {
		select {
		case <-pipe:
		case <-killed:
		}
	}
	cmd.Wait()
	close(exited)
}

func (c *StdioMCPClient) start(in io.Reader, out io.WriteCloser) chan struct{} {
	c.mu.Lock()
	c.stdin = out
	c.pending = make(map[int64]chan *JSONRPCResponse)
	c.done = make(chan struct{})
	c.readErr = nil
	done := c.done
	c.mu.Unlock()

	go c.readLoop(bufio.NewReader(in), done)
	return done
}

// initialize sends the MCP initialize request and the initialized notification.
func (c *StdioMCPClient) initialize(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	resp, err := c.sendRequest(ctx, "initialize", initParams)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %w", resp.Error)
	}

	server := gjson.GetBytes(resp.Result, "serverInfo")
	c.logger.Debug("mcp session initialized",
		"server", server.Get("name").String(),
		"server_version", server.Get("version").String(),
		"protocol", gjson.GetBytes(resp.Result, "protocolVersion").String(),
	)

	notification := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	}
	if err := c.writeMessage(notification); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// ListTools retrieves the list of available tools from the MCP server,
// following pagination cursors.
func (c *StdioMCPClient) ListTools(ctx context.Context) ([]MCPToolInfo, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}

	tools := make([]MCPToolInfo, 0)
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.sendRequest(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list request failed: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tools/list error: %w", resp.Error)
		}

		list := gjson.GetBytes(resp.Result, "tools")
		if list.Exists() && !list.IsArray() {
			return nil, fmt.Errorf("unexpected tools type: %s", list.Type)
		}

		var parseErr error
		list.ForEach(func(_, t gjson.Result) bool {
			if !t.IsObject() {
				return true
			}
			info := MCPToolInfo{
				Name:        t.Get("name").String(),
				Description: t.Get("description").String(),
			}
			if schema := t.Get("inputSchema"); schema.IsObject() {
				if err := json.Unmarshal([]byte(schema.Raw), &info.InputSchema); err != nil {
					parseErr = fmt.Errorf("tool %q: invalid input schema: %w", info.Name, err)
					return false
				}
			}
			tools = append(tools, info)
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}

		cursor = gjson.GetBytes(resp.Result, "nextCursor").String()
		if cursor == "" {
			return tools, nil
		}
	}
}

// CallTool invokes a tool on the MCP server with the given arguments.
// A JSON-RPC error reply is returned as a *JSONRPCError.
func (c *StdioMCPClient) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}

	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{
		Name:      name,
		Arguments: args,
	}

	resp, err := c.sendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	result := gjson.ParseBytes(resp.Result)
	if !result.IsObject() {
		return nil, fmt.Errorf("unexpected result type: %s", result.Type)
	}

	return parseCallResult(result), nil
}

// Close terminates the connection and the MCP server subprocess. It is
// safe to call more than once.
func (c *StdioMCPClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.shutdown()
	return nil
}

func (c *StdioMCPClient) shutdown() {
	c.mu.Lock()
	stdin := c.stdin
	c.stdin = nil
	cmd := c.cmd
	exited := c.exited
	killed := c.killed
	c.cmd = nil
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}

	select {
	case <-exited:
	case <-time.After(shutdownGrace):
		c.logger.Debug("mcp server did not exit, killing it", "pid", cmd.Process.Pid)
		close(killed)
		cmd.Process.Kill()
		<-exited
	}
}

func (c *StdioMCPClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// logServerStderr forwards the server's stderr output to the logger.
func (c *StdioMCPClient) logServerStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("mcp server stderr", "line", line)
		}
	}
	// Keep draining so the server never blocks on a full pipe.
	io.Copy(io.Discard, stderr)
}

// readLoop routes responses to waiting callers until the stream ends.
func (c *StdioMCPClient) readLoop(r *bufio.Reader, done chan struct{}) {
	var err error
	for {
		var line []byte
		line, err = r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	close(done)
}

func (c *StdioMCPClient) dispatch(line []byte) {
	if !gjson.ValidBytes(line) {
		c.logger.Warn("mcp server sent malformed message", "line", string(line))
		return
	}

	msg := gjson.ParseBytes(line)
	id := msg.Get("id")
	if method := msg.Get("method"); method.Exists() {
		if id.Exists() {
			c.answerServerRequest(json.RawMessage(id.Raw), method.String())
		} else {
			c.logger.Debug("mcp server notification", "method", method.String())
		}
		return
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		c.logger.Warn("failed to unmarshal response", "error", err)
		return
	}

	requestID, err := strconv.ParseInt(id.Raw, 10, 64)
	if err != nil {
		c.logger.Warn("mcp response with unexpected id", "id", id.Raw)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request", "id", requestID)
		return
	}
	ch <- &resp
}

// answerServerRequest replies to requests initiated by the server. Only
// ping is supported.
func (c *StdioMCPClient) answerServerRequest(id json.RawMessage, method string) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id}
	if method == "ping" {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &JSONRPCError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", method)}
	}
	if err := c.writeMessage(resp); err != nil {
		c.logger.Debug("failed to answer server request", "method", method, "error", err)
	}
}

// sendRequest sends a JSON-RPC request and waits for the matching response.
func (c *StdioMCPClient) sendRequest(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	c.mu.Lock()
	done := c.done
	if done == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.requestID.Add(1)
	ch := make(chan *JSONRPCResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-done:
		return nil, c.closedError()
	default:
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}
	if err := c.writeMessage(req); err != nil {
		return nil, fmt.Errorf("%w: failed to write request: %v", ErrSessionClosed, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-done:
		return nil, c.closedError()
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *StdioMCPClient) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && c.readErr != io.EOF {
		return fmt.Errorf("%w: %v", ErrSessionClosed, c.readErr)
	}
	return ErrSessionClosed
}

// writeMessage writes a JSON-RPC message to the server, newline delimited.
func (c *StdioMCPClient) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	w := c.stdin
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// parseCallResult extracts typed content items from a tools/call result.
func parseCallResult(result gjson.Result) *CallResult {
	out := &CallResult{
		Content: make([]ContentItem, 0),
		IsError: result.Get("isError").Bool(),
	}
	result.Get("content").ForEach(func(_, item gjson.Result) bool {
		out.Content = append(out.Content, ContentItem{
			Type:     item.Get("type").String(),
			Text:     item.Get("text").String(),
			MimeType: item.Get("mimeType").String(),
			Data:     item.Get("data").String(),
		})
		return true
	})
	return out
}
