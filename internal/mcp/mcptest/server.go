// Package mcptest provides an in-process MCP server for tests. It speaks
// newline-delimited JSON-RPC 2.0 over in-memory pipes, so clients built by
// Server.Client exercise the same code paths as a subprocess server.
package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"

	"sociallinks/internal/mcp"
)

// ErrDropped is the read error clients observe after Drop.
var ErrDropped = errors.New("mcptest: connection dropped")

// Reply is the result of a tool handler.
type Reply struct {
	Content []mcp.ContentItem
	IsError bool
}

// Text builds a successful reply with one text item per argument.
func Text(texts ...string) *Reply {
	r := &Reply{}
	for _, t := range texts {
		r.Content = append(r.Content, mcp.ContentItem{Type: "text", Text: t})
	}
	return r
}

// Failure builds an error-flagged reply.
func Failure(text string) *Reply {
	r := Text(text)
	r.IsError = true
	return r
}

// Handler runs a tool. ctx is canceled when the connection ends. A non-nil
// error is sent to the client as a JSON-RPC error.
type Handler func(ctx context.Context, args json.RawMessage) (*Reply, error)

// Tool is a tool served by Server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Call records one tools/call request.
type Call struct {
	Name      string
	Arguments json.RawMessage
}

// Option configures a Server.
type Option func(*Server)

// WithPageSize splits tools/list replies into pages of n tools.
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

// WithChatter makes the server send a notification and a ping request
// before every tools/call reply.
func WithChatter() Option {
	return func(s *Server) {
		s.chatter = true
	}
}

// WithFailedInitialize makes the first n initialize requests fail.
func WithFailedInitialize(n int) Option {
	return func(s *Server) {
		s.failInit = n
	}
}

// Server is a fake MCP tool server.
type Server struct {
	tools    []Tool
	pageSize int
	chatter  bool

	mu          sync.Mutex
	failInit    int
	calls       []Call
	pongs       int
	initialized int
	conns       []*conn
}

// NewServer creates a server offering tools in order.
func NewServer(tools []Tool, opts ...Option) *Server {
	s := &Server{tools: tools}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns an unconnected client wired to a new connection on s.
func (s *Server) Client(opts ...mcp.StdioOption) *mcp.StdioMCPClient {
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{server: s, in: toServerR, out: toClientW, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	go c.serve()
	return mcp.NewStreamMCPClient(toClientR, toServerW, opts...)
}

// Drop abruptly ends every connection, as if the server process died.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.drop()
	}
}

// Calls returns the tools/call requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Pongs returns how many replies to server pings were received.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// Initialized returns how many clients completed the handshake.
func (s *Server) Initialized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Server) lookup(name string) (Tool, bool) {
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

type conn struct {
	server *Server
	in     *io.PipeReader
	out    *io.PipeWriter
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	pingSeq int
}

func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.out.Close()
	}()

	r := bufio.NewReader(c.in)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.handle(line)
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) drop() {
	c.cancel()
	c.out.CloseWithError(ErrDropped)
	c.in.CloseWithError(ErrDropped)
}

func (c *conn) handle(line []byte) {
	if !gjson.ValidBytes(line) {
		c.writeError(json.RawMessage("null"), -32700, "Parse error")
		return
	}

	msg := gjson.ParseBytes(line)
	method := msg.Get("method")
	id := json.RawMessage(msg.Get("id").Raw)

	if !method.Exists() {
		c.server.mu.Lock()
		c.server.pongs++
		c.server.mu.Unlock()
		return
	}

	switch method.String() {
	case "initialize":
		c.initialize(id)
	case "notifications/initialized":
		c.server.mu.Lock()
		c.server.initialized++
		c.server.mu.Unlock()
	case "ping":
		c.writeResult(id, map[string]any{})
	case "tools/list":
		c.listTools(id, msg.Get("params.cursor").String())
	case "tools/call":
		go c.callTool(id, msg.Get("params"))
	default:
		if len(id) > 0 {
			c.writeError(id, -32601, fmt.Sprintf("Method not found: %s", method.String()))
		}
	}
}

func (c *conn) initialize(id json.RawMessage) {
	c.server.mu.Lock()
	fail := c.server.failInit > 0
	if fail {
		c.server.failInit--
	}
	c.server.mu.Unlock()

	if fail {
		c.writeError(id, -32603, "server not ready")
		return
	}

	c.writeResult(id, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "mcptest", "version": "1.0.0"},
	})
}

func (c *conn) listTools(id json.RawMessage, cursor string) {
	tools := c.server.tools
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(tools) {
			c.writeError(id, -32602, "invalid cursor")
			return
		}
		start = n
	}

	end := len(tools)
	if c.server.pageSize > 0 && start+c.server.pageSize < end {
		end = start + c.server.pageSize
	}

	page := make([]map[string]any, 0, end-start)
	for _, t := range tools[start:end] {
		entry := map[string]any{"name": t.Name}
		if t.Description != "" {
			entry["description"] = t.Description
		}
		if t.InputSchema != nil {
			entry["inputSchema"] = t.InputSchema
		}
		page = append(page, entry)
	}

	result := map[string]any{"tools": page}
	if end < len(tools) {
		result["nextCursor"] = strconv.Itoa(end)
	}
	c.writeResult(id, result)
}

func (c *conn) callTool(id json.RawMessage, params gjson.Result) {
	name := params.Get("name").String()
	args := json.RawMessage(params.Get("arguments").Raw)

	c.server.mu.Lock()
	c.server.calls = append(c.server.calls, Call{Name: name, Arguments: args})
	c.server.mu.Unlock()

	if c.server.chatter {
		c.write(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/message",
			"params":  map[string]any{"level": "info", "data": "calling " + name},
		})
		c.writeMu.Lock()
		c.pingSeq++
		pingID := fmt.Sprintf("ping-%d", c.pingSeq)
		c.writeMu.Unlock()
		c.write(map[string]any{"jsonrpc": "2.0", "id": pingID, "method": "ping"})
	}

	t, ok := c.server.lookup(name)
	if !ok {
		c.writeResult(id, toResult(Failure(fmt.Sprintf("Unknown tool: %s", name))))
		return
	}

	reply, err := t.Handler(c.ctx, args)
	if err != nil {
		c.writeError(id, -32603, err.Error())
		return
	}
	if reply == nil {
		reply = &Reply{}
	}
	c.writeResult(id, toResult(reply))
}

func toResult(r *Reply) map[string]any {
	content := r.Content
	if content == nil {
		content = []mcp.ContentItem{}
	}
	return map[string]any{"content": content, "isError": r.IsError}
}

func (c *conn) writeResult(id json.RawMessage, result any) {
	c.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (c *conn) writeError(id json.RawMessage, code int, message string) {
	c.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// write ignores errors; a closed pipe means the client is gone.
func (c *conn) write(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.out.Write(append(data, '\n'))
}
