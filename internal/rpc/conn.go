package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Conn is a JSON-RPC 2.0 connection using the LSP base protocol framing
// (Content-Length headers). It is used both for the editor and for every
// backend: outbound calls are correlated with fresh ids, inbound traffic is
// handed to a Handler.
type Conn struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	source      LanguageID
	log         zerolog.Logger
	callTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]chan *response

	closed atomic.Bool
	done   chan struct{}
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithSource tags every inbound message with the backend it came from.
func WithSource(id LanguageID) ConnOption {
	return func(c *Conn) {
		c.source = id
	}
}

// WithLogger sets the connection logger.
func WithLogger(l zerolog.Logger) ConnOption {
	return func(c *Conn) {
		c.log = l
	}
}

// WithCallTimeout bounds every outbound call. Zero waits until the peer
// answers or the connection closes.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.callTimeout = d
	}
}

// NewConn creates a connection over the given streams. The closer, when not
// nil, is closed together with the connection.
func NewConn(r io.Reader, w io.Writer, closer io.Closer, opts ...ConnOption) *Conn {
	c := &Conn{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closer:  closer,
		log:     zerolog.Nop(),
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Source returns the backend this connection talks to, empty for the editor.
func (c *Conn) Source() LanguageID {
	return c.source
}

// Start begins reading messages and delivering them to h.
func (c *Conn) Start(ctx context.Context, h Handler) {
	go c.readLoop(ctx, h)
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the connection and releases resources. Pending calls return
// ErrClosed.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	// Waiters receive from c.done; channels are not closed to avoid racing
	// with handleResponse.
	c.mu.Lock()
	c.pending = make(map[int64]chan *response)
	c.mu.Unlock()

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Call sends a request with a fresh id and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal params for %s", method)
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&request{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		if len(resp.Result) == 0 {
			return null, nil
		}
		return resp.Result, nil
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return errors.Wrapf(err, "marshal params for %s", method)
	}

	return c.send(&request{JSONRPC: "2.0", Method: method, Params: raw})
}

// replier builds the single-use Replier for an inbound call.
func (c *Conn) replier(id json.RawMessage, method string) Replier {
	var replied atomic.Bool
	return func(ctx context.Context, result any, err error) error {
		if replied.Swap(true) {
			return errors.Newf("duplicate reply to %s", method)
		}

		resp := &response{JSONRPC: "2.0", ID: id}
		if err != nil {
			resp.Error = toWireError(err)
		} else {
			raw, merr := marshalParams(result)
			if merr != nil {
				resp.Error = &Error{Code: CodeInternalError, Message: merr.Error()}
			} else if raw == nil {
				resp.Result = null
			} else {
				resp.Result = raw
			}
		}
		return c.send(resp)
	}
}

// send writes a message with LSP content-length header.
func (c *Conn) send(msg any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.writer, header); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := c.writer.Write(data); err != nil {
		return errors.Wrap(err, "write body")
	}

	return nil
}

// readLoop reads messages until the stream ends or the connection closes.
func (c *Conn) readLoop(ctx context.Context, h Handler) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		msg, err := c.readMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				c.log.Debug().Err(err).Msg("rpc: stream ended")
				return
			}
			if errors.Is(err, ErrInvalidContentLength) {
				// The body boundary is unknown; nothing after this header can be trusted.
				c.log.Error().Err(err).Msg("rpc: closing connection on bad frame length")
				return
			}
			c.log.Warn().Err(err).Msg("rpc: dropping unreadable frame")
			continue
		}

		c.dispatch(ctx, h, msg)
	}
}

// readMessage reads a single framed message.
func (c *Conn) readMessage() (json.RawMessage, error) {
	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			value := strings.TrimSpace(parts[1])
			length, err := strconv.Atoi(value)
			if err != nil || length <= 0 || length > MaxFrameSize {
				return nil, errors.Wrapf(ErrInvalidContentLength, "%q", value)
			}
			contentLength = length
		}
		// Content-Type and other headers are ignored
	}

	if contentLength == 0 {
		return nil, ErrMissingContentLength
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, errors.Wrap(err, "read body")
	}

	return body, nil
}

// dispatch routes a frame to the waiting caller or to the handler.
func (c *Conn) dispatch(ctx context.Context, h Handler, data json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("rpc: malformed message")
		return
	}

	hasID := len(env.ID) > 0 && string(env.ID) != "null"

	switch {
	case env.Method != "" && hasID:
		call := &Call{ID: env.ID, Method: env.Method, Params: env.Params, Source: c.source}
		go h.HandleCall(ctx, c.replier(env.ID, env.Method), call)
	case env.Method != "":
		n := &Notification{Method: env.Method, Params: env.Params, Source: c.source}
		go h.HandleNotification(ctx, n)
	case hasID:
		c.handleResponse(&response{ID: env.ID, Result: env.Result, Error: env.Error})
	default:
		c.log.Warn().Err(ErrInvalidMessage).RawJSON("message", data).Msg("rpc: unclassifiable message")
	}
}

// handleResponse routes a response to its waiting caller.
func (c *Conn) handleResponse(resp *response) {
	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		c.log.Warn().RawJSON("id", resp.ID).Msg("rpc: response with foreign id")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Int64("id", id).Msg("rpc: response for unknown request")
		return
	}

	select {
	case ch <- resp:
	default:
	}
}
