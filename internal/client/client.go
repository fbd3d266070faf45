// Package client drives a running daemon over the control protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/ipc"
	"github.com/austinkregel/codemd/internal/logging"
)

// DefaultAddr is where the daemon listens unless configured otherwise
const DefaultAddr = "127.0.0.1:65432"

// DefaultTimeout bounds a call whose context has no deadline
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned by calls on a closed client
var ErrClosed = errors.New("client is closed")

// Event is a pushed event with its payload left encoded
type Event struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Client holds one control connection. Calls are serialised; pushed events
// are delivered on Events while calls are in flight.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	logger  *logrus.Entry

	callMu    sync.Mutex
	responses chan *ipc.Response
	events    chan Event
	dropped   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	err       error
}

// Option customises a Client
type Option func(*Client)

// WithTimeout sets the per-call timeout used when a context has no deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to a daemon
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to codemd at %s, make sure the daemon is running: %w", addr, err)
	}
	c := &Client{
		conn:      conn,
		timeout:   DefaultTimeout,
		logger:    logging.NewLogger("client"),
		responses: make(chan *ipc.Response),
		events:    make(chan Event, 64),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	<-c.done
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
		c.conn.Close()
	})
}

// Events delivers pushed events after Subscribe. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Dropped counts events discarded because Events was not drained
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.shutdown(fmt.Errorf("connection lost: %w", err))
			return
		}
		frame, err := ipc.DecodeFrame(line)
		if err != nil {
			c.logger.WithError(err).Warn("Discarding undecodable frame")
			continue
		}
		if frame.Push != nil {
			var e Event
			if err := json.Unmarshal(frame.Push.Event, &e); err != nil {
				c.logger.WithError(err).Warn("Discarding undecodable event")
				continue
			}
			select {
			case c.events <- e:
			default:
				c.dropped.Add(1)
			}
			continue
		}
		select {
		case c.responses <- frame.Response:
		case <-c.closed:
			return
		}
	}
}

// Call sends one command and decodes the response data into out, which may
// be nil. An error response is returned as an *apperr.Error.
func (c *Client) Call(ctx context.Context, command string, args map[string]any, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]any{}
	}
	frame, err := ipc.EncodeRequest(&ipc.Request{Command: command, Args: args})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", command, err)
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	select {
	case <-c.closed:
		return c.err
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	if _, err := c.conn.Write(append(frame, '\n')); err != nil {
		c.shutdown(fmt.Errorf("send failed: %w", err))
		return c.err
	}

	select {
	case resp := <-c.responses:
		if !resp.OK() {
			return resp.Err()
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", command, err)
		}
		return nil
	case <-c.closed:
		return c.err
	case <-ctx.Done():
		// a late response would pair with the next request
		c.shutdown(fmt.Errorf("%s: %w", command, ctx.Err()))
		return ctx.Err()
	}
}
