//
//
// Package supervisor owns the device link: it dials, runs the poll and
// heartbeat loops of each session, detects silent hangs and reconnects.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/transport"
)

var (
	// ErrSessionActive is returned by Connect while a link is up or being
	// established.
	ErrSessionActive = errors.New("BUSY")

	// ErrHeartbeatLost fails a session whose device stopped answering.
	ErrHeartbeatLost = errors.New("heartbeat lost")

	// ErrJoinTimeout is returned by Disconnect when the session goroutines
	// did not stop within the join timeout.
	ErrJoinTimeout = errors.New("join timeout")
)

// Link is one connected session.
type Link interface {
	Send(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens a Link. transport.Dial is the default.
type Dialer func(ctx context.Context, addr string, opts transport.Options, logger zerolog.Logger) (Link, error)

// Hooks connect a session to the rest of the controller.
type Hooks struct {
	// Poll runs the status loop on link until ctx is done. A returned error
	// fails the link.
	Poll func(ctx context.Context, link Link) error
	// Connected runs after a session is established.
	Connected func()
	// Lost runs after a session ended, for any reason.
	Lost func()
}

// Recorder receives link metrics.
type Recorder interface {
	ConnectionState(s state.ConnectionState)
	ReconnectAttempt()
	HeartbeatFailure()
}

// Supervisor is the connection state machine.
type Supervisor struct {
	mu        sync.Mutex
	state     state.ConnectionState
	link      Link
	addr      string
	reconnect bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastBeat  time.Time

	timing   config.Timing
	dial     Dialer
	hooks    Hooks
	recorder Recorder
	bus      *bus.Bus
	logger   zerolog.Logger
}

// New creates a disconnected supervisor.
func New(timing config.Timing, hooks Hooks, b *bus.Bus, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		state:  state.Disconnected,
		timing: timing,
		hooks:  hooks,
		bus:    b,
		logger: logger,
		dial: func(ctx context.Context, addr string, opts transport.Options, logger zerolog.Logger) (Link, error) {
			return transport.Dial(ctx, addr, opts, logger)
		},
	}
}

// SetDialer replaces the dialer, for tests.
func (s *Supervisor) SetDialer(d Dialer) {
	s.dial = d
}

// SetRecorder sets the metrics recorder.
func (s *Supervisor) SetRecorder(r Recorder) {
	s.recorder = r
}

// State returns the connection state.
func (s *Supervisor) State() state.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the address of the current or last session.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Current returns the link while CONNECTED.
func (s *Supervisor) Current() (Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state.Connected || s.link == nil {
		return nil, false
	}
	return s.link, true
}

// Connect starts connecting to host:port in the background. Progress is
// reported on the bus.
func (s *Supervisor) Connect(host string, port int) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.addr = net.JoinHostPort(host, strconv.Itoa(port))
	s.reconnect = s.timing.AutoReconnect
	s.cancel = cancel
	s.done = done
	s.setStateLocked(state.Connecting)
	addr := s.addr
	s.mu.Unlock()

	s.bus.Emit(bus.ConnectRequested, map[string]interface{}{"host": host, "port": port})
	go s.run(ctx, addr, done)
	return nil
}

// Disconnect ends the session on purpose: reconnecting is disabled, the
// socket is closed and the session goroutines are joined.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	cancel, done, link := s.cancel, s.done, s.link
	s.reconnect = false
	s.mu.Unlock()

	s.bus.Emit(bus.DisconnectRequested, nil)
	if cancel == nil {
		s.setState(state.Disconnected)
		return nil
	}

	cancel()
	if link != nil {
		_ = link.Close()
	}

	var err error
	select {
	case <-done:
	case <-time.After(s.timing.JoinTimeout):
		s.logger.Warn().Dur("timeout", s.timing.JoinTimeout).Msg("Session goroutines did not stop in time")
		err = ErrJoinTimeout
	}

	s.setState(state.Disconnected)
	s.bus.Emit(bus.Disconnected, map[string]interface{}{"reason": "user"})
	return err
}

// run is the supervisor goroutine of one Connect call.
func (s *Supervisor) run(ctx context.Context, addr string, done chan struct{}) {
	defer close(done)
	defer s.release(done)

	maxAttempts := s.timing.MaxReconnectAttempts
	attempt := 0
	everConnected := false

	for {
		link, err := s.dial(ctx, addr, transport.Options{
			ConnectTimeout: s.timing.ConnectTimeout,
			IOTimeout:      s.timing.IOTimeout,
		}, s.logger)
		if err == nil {
			attempt = 0
			everConnected = true
			err = s.session(ctx, addr, link)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("addr", addr).Msg("Device link lost")
			s.bus.Emit(bus.ConnectionLost, map[string]interface{}{"reason": reason(err)})
		} else {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("Connect failed")
			s.bus.Emit(bus.ConnectFailed, map[string]interface{}{"reason": reason(err), "attempt": attempt})
		}

		if !s.reconnectEnabled() {
			final, why := state.Disconnected, "link_failed"
			if !everConnected {
				final, why = state.Error, "connect_failed"
			}
			s.setState(final)
			s.bus.Emit(bus.Disconnected, map[string]interface{}{"reason": why})
			return
		}
		if attempt >= maxAttempts {
			s.setState(state.Disconnected)
			s.bus.Emit(bus.Disconnected, map[string]interface{}{"reason": "max_retries", "attempts": attempt})
			return
		}

		attempt++
		delay := s.delay(attempt)
		s.setState(state.Reconnecting)
		if s.recorder != nil {
			s.recorder.ReconnectAttempt()
		}
		s.bus.Emit(bus.ReconnectAttempt, map[string]interface{}{
			"attempt": attempt,
			"max":     maxAttempts,
			"delayMs": delay.Milliseconds(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs poll and heartbeat on link until one fails or ctx ends.
func (s *Supervisor) session(ctx context.Context, addr string, link Link) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.link = link
	s.lastBeat = time.Now()
	s.setStateLocked(state.Connected)
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("Device connected")
	s.bus.Emit(bus.ConnectSuccess, map[string]interface{}{"addr": addr})
	if s.hooks.Connected != nil {
		s.hooks.Connected()
	}

	fail := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.hooks.Poll == nil {
			return
		}
		if err := s.hooks.Poll(sctx, link); err != nil {
			fail <- fmt.Errorf("poll: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.heartbeat(sctx, link); err != nil {
			fail <- err
		}
	}()

	var err error
	select {
	case err = <-fail:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	_ = link.Close()
	wg.Wait()

	s.mu.Lock()
	s.link = nil
	s.mu.Unlock()
	if s.hooks.Lost != nil {
		s.hooks.Lost()
	}
	return err
}

// heartbeat sends *IDN? every interval, one at a time, and checks on every
// tick that a reply arrived within the heartbeat timeout. The check does
// not depend on the send completing, so a hung socket is still detected.
func (s *Supervisor) heartbeat(ctx context.Context, link Link) error {
	ticker := time.NewTicker(s.timing.HeartbeatInterval)
	defer ticker.Stop()

	results := make(chan error, 1)
	inflight := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-results:
			inflight = false
			switch {
			case err == nil:
				s.beat()
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrTimeout):
				if s.recorder != nil {
					s.recorder.HeartbeatFailure()
				}
			default:
				if s.recorder != nil {
					s.recorder.HeartbeatFailure()
				}
				return fmt.Errorf("heartbeat: %w", err)
			}
			continue
		case <-ticker.C:
		}

		if since := s.sinceBeat(); since > s.timing.HeartbeatTimeout {
			s.logger.Warn().Dur("since", since).Msg("Device heartbeat lost")
			s.bus.Emit(bus.DeviceHeartbeatLost, map[string]interface{}{"sinceMs": since.Milliseconds()})
			return ErrHeartbeatLost
		}
		if !inflight {
			inflight = true
			go func() {
				_, err := link.Send(ctx, scpi.Identify)
				results <- err
			}()
		}
	}
}

func (s *Supervisor) beat() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
	s.bus.Emit(bus.DeviceHeartbeat, nil)
}

func (s *Supervisor) sinceBeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastBeat)
}

// delay returns the wait before reconnect attempt n (1-based).
func (s *Supervisor) delay(n int) time.Duration {
	d := s.timing.ReconnectDelay
	if b := s.timing.ReconnectBackoff; b > 1 {
		d = time.Duration(float64(d) * math.Pow(b, float64(n-1)))
	}
	if limit := s.timing.ReconnectMaxDelay; limit > 0 && d > limit {
		d = limit
	}
	return d
}

func (s *Supervisor) reconnectEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect
}

// release forgets the goroutine of done once it exits.
func (s *Supervisor) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel = nil
		s.done = nil
	}
}

func (s *Supervisor) setState(st state.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Supervisor) setStateLocked(st state.ConnectionState) {
	if s.state == st {
		return
	}
	s.logger.Debug().Str("from", string(s.state)).Str("to", string(st)).Msg("Connection state")
	s.state = st
	if s.recorder != nil {
		s.recorder.ConnectionState(st)
	}
}

func reason(err error) string {
	if errors.Is(err, ErrHeartbeatLost) {
		return "heartbeat_lost"
	}
	return transport.Reason(err)
}
