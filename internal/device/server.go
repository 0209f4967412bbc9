package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/metrics"
)

const (
	maxLine      = 4096
	writeTimeout = 5 * time.Second
)

// Handler executes command lines for a session.
type Handler interface {
	Handle(line string) (reply string, query bool)
}

// Server serves the line protocol to one controller at a time. A new client
// preempts the current session.
type Server struct {
	handler     Handler
	allowed     []*net.IPNet
	idleTimeout time.Duration
	metrics     *metrics.Device
	logger      zerolog.Logger

	mu      sync.Mutex
	current net.Conn
	wg      sync.WaitGroup
}

// NewServer creates a server dispatching to h. An empty allow-list admits
// every client.
func NewServer(h Handler, cfg config.ListenConfig, m *metrics.Device, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		handler:     h,
		idleTimeout: cfg.IdleTimeout,
		metrics:     m,
		logger:      logger,
	}
	for _, c := range cfg.AllowedCIDRs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed CIDR %q: %w", c, err)
		}
		s.allowed = append(s.allowed, network)
	}
	return s, nil
}

// Serve accepts sessions on l until ctx is cancelled, then closes the
// active session and waits for it to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	defer func() {
		s.mu.Lock()
		if s.current != nil {
			s.current.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	}()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("Control server listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.isAllowed(conn.RemoteAddr()) {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Rejected connection (not in allowed CIDRs)")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.session(conn)
	}
}

func (s *Server) isAllowed(addr net.Addr) bool {
	if len(s.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// claim makes conn the active session and closes the previous one.
func (s *Server) claim(conn net.Conn) {
	s.mu.Lock()
	prev := s.current
	s.current = conn
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info().Str("remote", prev.RemoteAddr().String()).Str("by", conn.RemoteAddr().String()).Msg("Session preempted")
		prev.Close()
	}
	s.metrics.RecordSession(prev != nil)
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	if s.current == conn {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Server) session(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.release(conn)

	s.claim(conn)
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("Client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxLine)
	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, query := s.handler.Handle(line)
		log.Debug().Str("rx", line).Str("reply", reply).Bool("query", query).Msg("Command")
		if !query {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			log.Warn().Err(err).Msg("Failed to write reply")
			break
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Info().Err(err).Msg("Client disconnected")
		return
	}
	log.Info().Msg("Client disconnected")
}
