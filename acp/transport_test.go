package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// pipeConn wires a Conn to an in-memory peer: lines the Conn writes
// arrive on fromConn, lines written to toConn arrive at the Conn.
type pipeConn struct {
	conn     *Conn
	fromConn *bufio.Scanner
	toConn   *io.PipeWriter

	writeMu sync.Mutex
}

func newPipeConn(t *testing.T) *pipeConn {
	t.Helper()
	connR, peerW := io.Pipe()
	peerR, connW := io.Pipe()

	p := &pipeConn{
		fromConn: bufio.NewScanner(peerR),
		toConn:   peerW,
	}
	p.conn = NewConn(connW, connR, connW, nil)
	t.Cleanup(func() { p.conn.Close() })
	return p
}

// readMessage returns the next message the Conn wrote.
func (p *pipeConn) readMessage(t *testing.T) message {
	t.Helper()
	if !p.fromConn.Scan() {
		t.Fatalf("peer read failed: %v", p.fromConn.Err())
	}
	var msg message
	if err := json.Unmarshal(p.fromConn.Bytes(), &msg); err != nil {
		t.Fatalf("peer got invalid JSON %q: %v", p.fromConn.Text(), err)
	}
	return msg
}

func (p *pipeConn) send(t *testing.T, line string) {
	t.Helper()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.toConn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	p := newPipeConn(t)

	go func() {
		msg := p.readMessage(t)
		p.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, *msg.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := p.conn.Call(ctx, "initialize", map[string]int{"protocolVersion": 1})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(result, &out); err != nil || !out.OK {
		t.Errorf("unexpected result %s", result)
	}
}

func TestCallAssignsDistinctIDs(t *testing.T) {
	p := newPipeConn(t)

	ids := make(chan int64, 2)
	go func() {
		for i := 0; i < 2; i++ {
			msg := p.readMessage(t)
			ids <- *msg.ID
			p.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":null}`, *msg.ID))
		}
	}()

	ctx := context.Background()
	if _, err := p.conn.Call(ctx, "a", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := p.conn.Call(ctx, "b", nil); err != nil {
		t.Fatalf("second call: %v", err)
	}

	first, second := <-ids, <-ids
	if first == second {
		t.Errorf("both requests used id %d", first)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	p := newPipeConn(t)

	go func() {
		msg := p.readMessage(t)
		p.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *msg.ID))
	}()

	_, err := p.conn.Call(context.Background(), "session/load", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want *RPCError, got %v", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestNotificationsDispatchInOrder(t *testing.T) {
	p := newPipeConn(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	p.conn.Subscribe(func(method string, params json.RawMessage) {
		var body struct {
			N int `json:"n"`
		}
		json.Unmarshal(params, &body)
		mu.Lock()
		got = append(got, fmt.Sprintf("%s/%d", method, body.N))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 1; i <= 3; i++ {
		p.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"n":%d}}`, i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"session/update/1", "session/update/2", "session/update/3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := newPipeConn(t)

	calls := make(chan string, 4)
	token := p.conn.Subscribe(func(method string, params json.RawMessage) {
		calls <- method
	})

	p.send(t, `{"jsonrpc":"2.0","method":"one"}`)
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("first notification not delivered")
	}

	p.conn.Unsubscribe(token)
	p.send(t, `{"jsonrpc":"2.0","method":"two"}`)

	// The second notification must not arrive; give the reader a
	// moment to process it.
	select {
	case m := <-calls:
		t.Errorf("got notification %q after unsubscribe", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFramingErrorClosesChannel(t *testing.T) {
	p := newPipeConn(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.conn.Call(context.Background(), "session/prompt", nil)
		errCh <- err
	}()
	p.readMessage(t)

	p.send(t, `this is not json`)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("pending call failed with %v, want ErrTransportClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after framing error")
	}

	select {
	case <-p.conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after framing error")
	}
}

func TestMissingVersionClosesChannel(t *testing.T) {
	p := newPipeConn(t)

	p.send(t, `{"id":1,"result":{}}`)

	select {
	case <-p.conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after message without jsonrpc version")
	}
}

func TestCloseFailsPendingAndFutureCalls(t *testing.T) {
	p := newPipeConn(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.conn.Call(context.Background(), "session/prompt", nil)
		errCh <- err
	}()
	p.readMessage(t)

	p.conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("pending call failed with %v, want ErrTransportClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail on close")
	}

	if _, err := p.conn.Call(context.Background(), "anything", nil); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("call after close = %v, want ErrTransportClosed", err)
	}
	if err := p.conn.Notify("anything", nil); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("notify after close = %v, want ErrTransportClosed", err)
	}
}

func TestUnhandledPeerRequestGetsMethodNotFound(t *testing.T) {
	p := newPipeConn(t)

	p.send(t, `{"jsonrpc":"2.0","id":7,"method":"fs/read_text_file","params":{"path":"/etc/hosts"}}`)

	reply := p.readMessage(t)
	if reply.ID == nil || *reply.ID != 7 {
		t.Fatalf("reply id = %v, want 7", reply.ID)
	}
	if reply.Error == nil || reply.Error.Code != CodeMethodNotFound {
		t.Errorf("reply error = %+v, want code %d", reply.Error, CodeMethodNotFound)
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	p := newPipeConn(t)

	go func() {
		msg := p.readMessage(t)
		p.send(t, "")
		p.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":42}`, *msg.ID))
	}()

	result, err := p.conn.Call(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(result) != "42" {
		t.Errorf("result = %s, want 42", result)
	}
}
