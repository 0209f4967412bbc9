package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/transport"
	"github.com/tunnel-broadcast/amrc/internal/watchdog"
)

// MockSender replies to queries through SendFunc and records every command.
type MockSender struct {
	mu       sync.Mutex
	Sent     []string
	SendFunc func(command string) (string, error)
}

func (m *MockSender) Send(_ context.Context, command string) (string, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, command)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(command)
	}
	return "", nil
}

func (m *MockSender) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Sent...)
}

type MockConfirmer struct {
	Calls []scpi.Status
}

func (m *MockConfirmer) Confirm(_ context.Context, st scpi.Status) {
	m.Calls = append(m.Calls, st)
}

type recorder struct {
	durations []time.Duration
	errs      []error
}

func (r *recorder) ObservePoll(d time.Duration, err error) {
	r.durations = append(r.durations, d)
	r.errs = append(r.errs, err)
}

func newReconciler(b *bus.Bus) *state.Reconciler {
	mon := watchdog.NewMonitor(watchdog.Config{Timeout: 5 * time.Second, WarningFraction: 0.2})
	return state.NewReconciler(config.DefaultChannels(), mon, b, 2*time.Second, zerolog.Nop())
}

func statusReply(payload string) func(string) (string, error) {
	return func(cmd string) (string, error) {
		if cmd == scpi.StatusQuery {
			return payload, nil
		}
		return "", nil
	}
}

func TestTickResetsBeforeQuery(t *testing.T) {
	b := bus.New(100, zerolog.Nop())
	rec := newReconciler(b)
	sender := &MockSender{SendFunc: statusReply("broadcasting=0;ch1_enabled=0;ch1_freq=540000")}
	confirmer := &MockConfirmer{}
	r := &recorder{}

	p := New(sender, rec, b, time.Second, zerolog.Nop(), WithConfirmer(confirmer), WithRecorder(r))
	require.NoError(t, p.Tick(context.Background()))

	assert.Equal(t, []string{scpi.WatchdogReset, scpi.StatusQuery}, sender.Commands())
	assert.Len(t, b.RecentOfType(bus.WatchdogHeartbeatSent, 0), 1)

	snap := rec.Snapshot()
	ch1, _ := snap.Channel(1)
	assert.Equal(t, uint32(540000), ch1.Frequency)
	assert.False(t, snap.Stale)

	require.Len(t, confirmer.Calls, 1)
	assert.Equal(t, uint32(540000), confirmer.Calls[0].Channel(1).Frequency.V)
	require.Len(t, r.errs, 1)
	assert.NoError(t, r.errs[0])
}

func TestTickFailedResetAbortsQuery(t *testing.T) {
	b := bus.New(100, zerolog.Nop())
	sender := &MockSender{SendFunc: func(string) (string, error) {
		return "", transport.ErrReset
	}}

	p := New(sender, newReconciler(b), b, time.Second, zerolog.Nop())
	err := p.Tick(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrReset))
	assert.Equal(t, []string{scpi.WatchdogReset}, sender.Commands())
	assert.Empty(t, b.RecentOfType(bus.WatchdogHeartbeatSent, 0))
}

func TestTickMalformedReplyIsDiscarded(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"no equals", "broadcasting"},
		{"bad value", "ch1_freq=abc"},
		{"error token", "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.New(100, zerolog.Nop())
			rec := newReconciler(b)
			confirmer := &MockConfirmer{}
			sender := &MockSender{SendFunc: statusReply(tt.payload)}

			p := New(sender, rec, b, time.Second, zerolog.Nop(), WithConfirmer(confirmer))
			require.NoError(t, p.Tick(context.Background()))

			assert.True(t, rec.Snapshot().Stale)
			assert.Empty(t, confirmer.Calls)
			events := b.RecentOfType(bus.StatusParseError, 0)
			require.Len(t, events, 1)
			assert.Equal(t, tt.payload, events[0].String("payload"))
		})
	}
}

func TestRunReturnsTransportError(t *testing.T) {
	b := bus.New(100, zerolog.Nop())
	calls := 0
	sender := &MockSender{SendFunc: func(cmd string) (string, error) {
		if cmd == scpi.StatusQuery {
			calls++
			if calls == 3 {
				return "", transport.ErrTimeout
			}
			return "broadcasting=0", nil
		}
		return "", nil
	}}

	p := New(sender, newReconciler(b), b, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Run(ctx)

	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Len(t, b.RecentOfType(bus.DeviceStateUpdated, 0), 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	b := bus.New(100, zerolog.Nop())
	sender := &MockSender{SendFunc: statusReply("broadcasting=0")}
	p := New(sender, newReconciler(b), b, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
