package intake

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/bastion/internal/ban"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

// Server accepts failed-auth events over a unix socket. The protocol is
// one event per line:
//
//	<ip> [<unix-timestamp>]
//
// A missing timestamp means "now". Malformed lines are counted and
// skipped; the connection stays up.
type Server struct {
	path   string
	funnel *Funnel
	logger *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a unix-socket intake server feeding the funnel.
func NewServer(path string, funnel *Funnel, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		path:   path,
		funnel: funnel,
		logger: logger.WithComponent("intake"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("intake: removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("intake: listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("intake socket listening", "path", s.path)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and all live connections, then waits for the
// connection handlers to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := ParseLine(line)
		if err != nil {
			metrics.Get().IntakeDropped.Inc()
			s.logger.Warn("malformed intake line", "line", line, "error", err)
			continue
		}
		s.funnel.Offer(ev)
	}
}

// ParseLine parses one intake protocol line.
func ParseLine(line string) (ban.FailedAuthEvent, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		return ban.FailedAuthEvent{IP: fields[0]}, nil
	case 2:
		unix, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || unix <= 0 {
			return ban.FailedAuthEvent{}, errdefs.Validationf("intake: bad timestamp %q", fields[1])
		}
		return ban.FailedAuthEvent{IP: fields[0], Timestamp: time.Unix(unix, 0).UTC()}, nil
	default:
		return ban.FailedAuthEvent{}, errdefs.Validationf("intake: expected 1 or 2 fields, got %d", len(fields))
	}
}
