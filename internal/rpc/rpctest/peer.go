// Package rpctest provides an in-memory JSON-RPC peer for tests.
package rpctest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dshills/langbridge/internal/rpc"
)

// Message is a decoded frame in any of the three shapes.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
}

// IsCall reports whether m is a request expecting a response.
func (m Message) IsCall() bool {
	return m.Method != "" && len(m.ID) > 0 && string(m.ID) != "null"
}

// IsNotification reports whether m is a one-way message.
func (m Message) IsNotification() bool {
	return m.Method != "" && !m.IsCall()
}

// Peer is the far end of a connection under test.
type Peer struct {
	fromConn *io.PipeReader
	reader   *bufio.Reader
	toConn   *io.PipeWriter

	writeMu sync.Mutex
	nextID  int64
}

// Pair returns a peer together with the reader and writer to hand to
// rpc.NewConn. Whatever the connection writes, the peer reads, and vice versa.
func Pair() (*Peer, io.ReadCloser, io.WriteCloser) {
	connIn, peerOut := io.Pipe()
	peerIn, connOut := io.Pipe()
	p := &Peer{
		fromConn: peerIn,
		reader:   bufio.NewReader(peerIn),
		toConn:   peerOut,
	}
	return p, connIn, connOut
}

// Close closes both directions.
func (p *Peer) Close() error {
	p.toConn.Close()
	return p.fromConn.Close()
}

// Send writes a framed message. msg is marshaled as is.
func (p *Peer) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := fmt.Fprintf(p.toConn, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = p.toConn.Write(data)
	return err
}

// SendRaw writes data to the connection without framing it.
func (p *Peer) SendRaw(data string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.toConn, data)
	return err
}

// Call sends a request with the next integer id and returns that id. It does
// not wait for the response.
func (p *Peer) Call(method string, params any) (int64, error) {
	p.writeMu.Lock()
	p.nextID++
	id := p.nextID
	p.writeMu.Unlock()

	return id, p.Send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

// Notify sends a notification.
func (p *Peer) Notify(method string, params any) error {
	return p.Send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// Reply answers a call with a result or an error.
func (p *Peer) Reply(id json.RawMessage, result any, rpcErr *rpc.Error) error {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	return p.Send(resp)
}

// Read blocks until the connection writes a frame.
func (p *Peer) Read() (Message, error) {
	var length int
	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return Message{}, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(name, "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return Message{}, errors.Wrap(err, "content length")
			}
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return Message{}, err
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, errors.Wrapf(err, "decode %s", body)
	}
	return m, nil
}

// ReadTimeout is Read with a deadline.
func (p *Peer) ReadTimeout(d time.Duration) (Message, error) {
	type result struct {
		m   Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := p.Read()
		ch <- result{m, err}
	}()

	select {
	case r := <-ch:
		return r.m, r.err
	case <-time.After(d):
		return Message{}, errors.Newf("no message within %v", d)
	}
}

// HandlerFunc answers one inbound message. The return values are ignored for
// notifications.
type HandlerFunc func(m Message) (any, *rpc.Error)

// Serve reads frames until the connection goes away, answering calls with h.
// It returns when the stream ends.
func (p *Peer) Serve(h HandlerFunc) {
	for {
		m, err := p.Read()
		if err != nil {
			return
		}
		switch {
		case m.IsCall():
			result, rpcErr := h(m)
			if err := p.Reply(m.ID, result, rpcErr); err != nil {
				return
			}
		case m.IsNotification():
			h(m)
		}
	}
}
