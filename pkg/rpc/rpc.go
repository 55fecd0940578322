// Package rpc is the message-framed transport the services speak: uvarint
// length-prefixed JSON envelopes over TCP. The core packages consume only
// client interfaces; this is the one concrete implementation behind them.
package rpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vergedb/verge/pkg/log"
	"github.com/vergedb/verge/pkg/status"
)

// maxFrameSize bounds one message; larger frames kill the connection.
const maxFrameSize = 64 << 20

// request is the client-to-server envelope.
type request struct {
	Method string          `json:"method"`
	Seq    uint64          `json:"seq"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// response is the server-to-client envelope. Code carries the taxonomy;
// Msg is the short user-visible string, details stay in the server log.
type response struct {
	Seq  uint64          `json:"seq"`
	Code status.Code     `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader, v interface{}) error {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// Handler serves one method; the returned value is marshaled into the
// response body.
type Handler func(ctx context.Context, body []byte) (interface{}, error)

// Server dispatches framed requests to registered handlers.
type Server struct {
	logger   zerolog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	ln       net.Listener
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates an empty dispatcher.
func NewServer(component string) *Server {
	return &Server{
		logger:   log.WithComponent(component),
		handlers: make(map[string]Handler),
	}
}

// Register binds a method name to its handler.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Listen starts accepting on addr; it returns once the listener is bound.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	var writeMu sync.Mutex
	for {
		var req request
		if err := readFrame(r, &req); err != nil {
			if err != io.EOF && !s.stopped.Load() {
				s.logger.Debug().Err(err).Msg("Connection read failed")
			}
			return
		}
		s.mu.RLock()
		h := s.handlers[req.Method]
		s.mu.RUnlock()

		s.wg.Add(1)
		go func(req request) {
			defer s.wg.Done()
			resp := response{Seq: req.Seq}
			if h == nil {
				resp.Code = status.ErrUnsupported
				resp.Msg = fmt.Sprintf("unknown method %q", req.Method)
			} else {
				out, err := h(context.Background(), req.Body)
				if err != nil {
					resp.Code = status.CodeOf(err)
					resp.Msg = shortMsg(err)
					s.logger.Debug().Err(err).Str("method", req.Method).Msg("Handler failed")
				} else if out != nil {
					body, err := json.Marshal(out)
					if err != nil {
						resp.Code = status.ErrRPCFailure
						resp.Msg = "response encoding failed"
					} else {
						resp.Body = body
					}
				}
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := writeFrame(conn, &resp); err != nil && !s.stopped.Load() {
				s.logger.Debug().Err(err).Msg("Connection write failed")
			}
		}(req)
	}
}

// shortMsg keeps the user-visible string short; the full cause is logged
// server side only.
func shortMsg(err error) string {
	var st *status.Status
	if errors.As(err, &st) {
		return st.Msg
	}
	return "internal error"
}

// Stop closes the listener and waits for in-flight handlers.
func (s *Server) Stop() {
	s.stopped.Store(true)
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

// Client multiplexes calls over one connection, matching responses by
// sequence number.
type Client struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	pending map[uint64]chan *response
	seq     atomic.Uint64
	closed  bool
}

// Dial connects to a framed-rpc server.
func Dial(addr string) (*Client, error) {
	c := &Client{addr: addr, pending: make(map[uint64]chan *response)}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return status.New(status.ErrDisconnected, "dial %s: %v", c.addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		var resp response
		if err := readFrame(r, &resp); err != nil {
			c.failAll()
			return
		}
		c.mu.Lock()
		ch := c.pending[resp.Seq]
		delete(c.pending, resp.Seq)
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *response)
	c.conn = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Call invokes one method, honoring the context deadline. out may be nil
// when no body is expected.
func (c *Client) Call(ctx context.Context, method string, in, out interface{}) error {
	var body json.RawMessage
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = data
	}
	seq := c.seq.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.New(status.ErrDisconnected, "client closed")
	}
	if c.conn == nil {
		c.mu.Unlock()
		if err := c.connect(); err != nil {
			return err
		}
		c.mu.Lock()
	}
	conn := c.conn
	c.pending[seq] = ch
	err := writeFrame(conn, &request{Method: method, Seq: seq, Body: body})
	if err != nil {
		delete(c.pending, seq)
		c.mu.Unlock()
		return status.New(status.ErrDisconnected, "send %s: %v", method, err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return status.New(status.ErrDisconnected, "connection lost during %s", method)
		}
		if resp.Code != status.Succeeded {
			return status.New(resp.Code, "%s", resp.Msg)
		}
		if out != nil && len(resp.Body) > 0 {
			return json.Unmarshal(resp.Body, out)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return status.New(status.ErrTimeout, "%s timed out", method)
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
