package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/logging"
)

// Connection-level commands handled by the server itself
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

const writeTimeout = 10 * time.Second

var errFrameTooLong = errors.New("frame too long")

// Server accepts control connections and feeds requests to a Handler
type Server struct {
	addr     string
	handler  Handler
	notifier *events.Notifier
	logger   *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	clients  map[*clientConn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. notifier may be nil, in which case subscribe
// requests are refused.
func NewServer(addr string, handler Handler, notifier *events.Notifier) *Server {
	return &Server{
		addr:     addr,
		handler:  handler,
		notifier: notifier,
		logger:   logging.NewLogger("ipc"),
		clients:  make(map[*clientConn]struct{}),
	}
}

// Listen binds the listening socket
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.WithField("addr", listener.Addr().String()).Info("Control server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes every
// client connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	go s.acceptLoop(ctx, listener)

	<-ctx.Done()
	s.logger.Info("Shutting down control server...")
	listener.Close()

	s.mu.Lock()
	clientCount := len(s.clients)
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infof("Closed %d client connections", clientCount)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("Accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := &clientConn{conn: conn, remote: conn.RemoteAddr().String()}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		clientCount := len(s.clients)
		s.wg.Add(1)
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{"remote": c.remote, "clients": clientCount}).Debug("Client connected")
		go s.handleConnection(ctx, c)
	}
}

func (s *Server) handleConnection(ctx context.Context, c *clientConn) {
	defer s.wg.Done()
	defer func() {
		c.unsubscribe()
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c)
		clientCount := len(s.clients)
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{"remote": c.remote, "clients": clientCount}).Debug("Client disconnected")
	}()

	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := readFrame(reader, MaxFrameSize)
		if errors.Is(err, errFrameTooLong) {
			s.logger.WithField("remote", c.remote).Warn("Oversized frame discarded")
			resp := NewErrorResponse(apperr.Protocol(fmt.Sprintf("frame exceeds %d bytes", MaxFrameSize)))
			if err := c.writeResponse(resp); err != nil {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.WithField("remote", c.remote).WithError(err).Debug("Read error")
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var resp *Response
		req, err := DecodeRequest(line)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"remote": c.remote,
				"frame":  truncateForLog(string(line), 128),
			}).Warn("Invalid request format")
			resp = NewErrorResponse(err)
		} else {
			resp = s.handleRequest(ctx, c, req)
		}

		if err := c.writeResponse(resp); err != nil {
			s.logger.WithField("remote", c.remote).WithError(err).Debug("Send error")
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, c *clientConn, req *Request) *Response {
	start := time.Now()
	var resp *Response
	switch req.Command {
	case CmdSubscribe:
		resp = s.handleSubscribe(c, req)
	case CmdUnsubscribe:
		c.unsubscribe()
		resp, _ = NewSuccessResponse(map[string]any{"subscribed": false})
	default:
		resp = s.dispatch(ctx, req)
	}

	log := s.logger.WithFields(logrus.Fields{
		"command":  req.Command,
		"remote":   c.remote,
		"duration": time.Since(start),
	})
	if !resp.OK() {
		log = log.WithField("error_code", resp.ErrorCode)
	}
	if IsPolling(req.Command) {
		log.Debug("Handled command")
	} else {
		log.Info("Handled command")
	}
	return resp
}

// dispatch calls the handler, converting a panic into an InternalError
func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.WithField("command", req.Command).Errorf("Handler panicked: %v", p)
			resp = NewErrorResponse(apperr.Internal(fmt.Errorf("panic: %v", p)))
		}
	}()
	resp = s.handler.Handle(ctx, req)
	if resp == nil {
		resp = NewErrorResponse(apperr.Internal(errors.New("handler returned no response")))
	}
	return resp
}

func (s *Server) handleSubscribe(c *clientConn, req *Request) *Response {
	if s.notifier == nil {
		return NewErrorResponse(apperr.ResourceUnavailable("event subscriptions are disabled"))
	}
	kinds, err := parseKinds(req.Args["kinds"])
	if err != nil {
		return NewErrorResponse(err)
	}

	sub := s.notifier.Subscribe(kinds...)
	c.subscribe(sub, s.logger)

	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	resp, _ := NewSuccessResponse(map[string]any{"subscribed": true, "kinds": names})
	return resp
}

func parseKinds(v any) ([]events.Kind, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, apperr.Validation("kinds", "expected an array of event kinds")
	}
	known := map[events.Kind]bool{
		events.PlaybackChanged: true,
		events.JobProgress:     true,
		events.JobCompleted:    true,
	}
	kinds := make([]events.Kind, 0, len(list))
	for i, item := range list {
		name, _ := item.(string)
		k := events.Kind(name)
		if !known[k] {
			return nil, apperr.Validation(fmt.Sprintf("kinds[%d]", i), fmt.Sprintf("unknown event kind %q", name))
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// readFrame reads up to the next newline. Lines longer than limit are
// consumed in full and reported as errFrameTooLong so the stream stays in
// sync.
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	var frame []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(frame)+len(bytes.TrimRight(chunk, "\r\n")) > limit {
				tooLong = true
				frame = nil
			} else {
				frame = append(frame, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, errFrameTooLong
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// clientConn serialises writes so pushed events never interleave with a
// response mid-frame.
type clientConn struct {
	conn   net.Conn
	remote string

	writeMu sync.Mutex

	subMu sync.Mutex
	sub   *events.Subscription
}

func (c *clientConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(append(frame, '\n'))
	return err
}

func (c *clientConn) writeResponse(resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		data, _ = EncodeResponse(NewErrorResponse(apperr.Internal(err)))
	}
	return c.write(data)
}

// subscribe replaces any existing subscription and starts forwarding
func (c *clientConn) subscribe(sub *events.Subscription, logger *logrus.Entry) {
	c.subMu.Lock()
	old := c.sub
	c.sub = sub
	c.subMu.Unlock()
	if old != nil {
		old.Close()
	}

	go func() {
		for e := range sub.C() {
			frame, err := NewPushMessage(e)
			if err != nil {
				logger.WithError(err).Warn("Failed to encode event")
				continue
			}
			if err := c.write(frame); err != nil {
				sub.Close()
				return
			}
		}
	}()
}

func (c *clientConn) unsubscribe() {
	c.subMu.Lock()
	sub := c.sub
	c.sub = nil
	c.subMu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
