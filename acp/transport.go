package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrTransportClosed is returned for requests outstanding when the
// channel to the agent closes, and for any call made afterwards.
var ErrTransportClosed = errors.New("transport closed")

// Subscriber receives every incoming message that is not a response to
// an outstanding request: server-initiated notifications and requests.
// Subscribers are invoked in arrival order from the reader goroutine.
type Subscriber func(method string, params json.RawMessage)

// Conn is a framed JSON-RPC 2.0 duplex over a child process's stdio.
// Each message is a single JSON object terminated by a newline. One
// reader goroutine owns stdout; writes are serialised by a mutex.
type Conn struct {
	w      io.Writer
	closer io.Closer
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *message
	subs    []subscription
	nextSub int

	closed    chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	id int
	fn Subscriber
}

// Agents can produce long lines (tool results with large payloads).
const maxLineBytes = 1024 * 1024

// NewConn starts a connection over the given write side (child stdin)
// and read side (child stdout). closer is closed when the connection
// shuts down; pass the stdin pipe so the child sees EOF. A nil logger
// means slog.Default().
func NewConn(w io.Writer, r io.Reader, closer io.Closer, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		w:       w,
		closer:  closer,
		logger:  logger,
		pending: make(map[int64]chan *message),
		closed:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends a request and waits for the matching response. The result
// is returned faithfully; a JSON-RPC error payload is returned as an
// *RPCError. Call fails with ErrTransportClosed if the channel closes
// before the response arrives.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrTransportClosed
	default:
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := message{JSONRPC: jsonrpcVersion, ID: &id, Method: method}
	if err := c.write(&msg, params); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.closed:
		c.dropPending(id)
		return nil, ErrTransportClosed
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. It never awaits a response.
func (c *Conn) Notify(method string, params any) error {
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}
	msg := message{JSONRPC: jsonrpcVersion, Method: method}
	return c.write(&msg, params)
}

// Subscribe registers a handler for incoming notifications and
// agent-initiated requests. It returns a token for Unsubscribe.
func (c *Conn) Subscribe(fn Subscriber) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.subs = append(c.subs, subscription{id: c.nextSub, fn: fn})
	return c.nextSub
}

// Unsubscribe removes a previously registered handler.
func (c *Conn) Unsubscribe(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == token {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Close shuts the connection down: the write side is closed so the
// child sees EOF, and every outstanding request fails with
// ErrTransportClosed. Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			c.closer.Close()
		}
	})
	return nil
}

// Closed reports when the connection has shut down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) write(msg *message, params any) error {
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = data
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop processes stdout line by line until EOF or a framing error.
// A line that does not parse as a JSON object, or parses but lacks
// jsonrpc "2.0", terminates the channel.
func (c *Conn) readLoop(r io.Reader) {
	defer c.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Error("framing error: line is not JSON", "error", err)
			return
		}
		if msg.JSONRPC != jsonrpcVersion {
			c.logger.Error("framing error: missing jsonrpc version", "got", msg.JSONRPC)
			return
		}

		if msg.Method == "" && msg.ID != nil {
			c.deliverResponse(&msg)
			continue
		}
		c.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("agent stdout read ended", "error", err)
	}
}

func (c *Conn) deliverResponse(msg *message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response with no pending request", "id", *msg.ID)
		return
	}
	ch <- msg
}

func (c *Conn) dispatch(msg *message) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(msg.Method, msg.Params)
	}

	// Agent-initiated requests are not served; answer so the agent does
	// not wait on a response that will never come.
	if msg.ID != nil {
		reply := message{
			JSONRPC: jsonrpcVersion,
			ID:      msg.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not supported", msg.Method)},
		}
		if err := c.write(&reply, nil); err != nil {
			c.logger.Debug("reply to agent request failed", "method", msg.Method, "error", err)
		}
	}
}
