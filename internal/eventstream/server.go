// Package eventstream serves the event feed to browser UIs over WebSocket.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/events"
	"github.com/austinkregel/codemd/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SnapshotFunc returns the event sent to a client right after it connects
type SnapshotFunc func() events.Event

// Server streams events as JSON text messages on /events
type Server struct {
	addr     string
	notifier *events.Notifier
	snapshot SnapshotFunc
	logger   *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	conns    sync.WaitGroup
	done     chan struct{}
}

// NewServer creates a feed server. snapshot may be nil.
func NewServer(addr string, notifier *events.Notifier, snapshot SnapshotFunc) *Server {
	s := &Server{
		addr:     addr,
		notifier: notifier,
		snapshot: snapshot,
		logger:   logging.NewLogger("eventstream"),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the routes, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen binds the socket
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.WithField("addr", ln.Addr().String()).Info("Event feed listening")
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

// Serve handles connections until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("event feed is not listening")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down event feed...")
	close(s.done)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Shutdown does not track hijacked connections; done releases them
	err := s.server.Shutdown(shutdownCtx)
	s.conns.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	sub := s.notifier.Subscribe(kinds...)
	defer sub.Close()

	log := s.logger.WithField("remote", r.RemoteAddr)
	log.Debug("Event feed client connected")
	defer log.Debug("Event feed client disconnected")

	// the read side only services control frames and notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if s.snapshot != nil && wants(kinds, events.PlaybackChanged) {
		if err := writeEvent(conn, s.snapshot()); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				goingAway(conn)
				return
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.done:
			goingAway(conn)
			return
		}
	}
}

func goingAway(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

func wants(kinds []events.Kind, k events.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// parseKinds reads a comma-separated filter such as JOB_PROGRESS,JOB_COMPLETED
func parseKinds(raw string) ([]events.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var kinds []events.Kind
	for _, part := range strings.Split(raw, ",") {
		k := events.Kind(strings.ToUpper(strings.TrimSpace(part)))
		switch k {
		case events.PlaybackChanged, events.JobProgress, events.JobCompleted:
			kinds = append(kinds, k)
		default:
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
	}
	return kinds, nil
}
