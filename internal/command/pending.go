package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

// Expectation reports whether a parsed status shows a command took effect.
type Expectation func(st scpi.Status) bool

// PendingCommand is a sent command awaiting its confirming poll.
type PendingCommand struct {
	ID         string        `json:"id"`
	Op         string        `json:"op"`
	Key        string        `json:"key"`
	Command    string        `json:"command"`
	SentAt     time.Time     `json:"sentAt"`
	Timeout    time.Duration `json:"timeout"`
	Retries    int           `json:"retries"`
	MaxRetries int           `json:"maxRetries"`
	Retryable  bool          `json:"retryable"`

	expect Expectation
}

// Tracker holds one pending entry per target (a channel frequency, the
// source, ...). A newer command for the same target replaces the older.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*PendingCommand

	timeout    time.Duration
	maxRetries int
	resend     func(ctx context.Context, command string) error
	bus        *bus.Bus
	logger     zerolog.Logger
	now        func() time.Time
}

// NewTracker creates a tracker. resend is used for retryable entries whose
// expectation is still unmet after timeout.
func NewTracker(timeout time.Duration, maxRetries int, resend func(ctx context.Context, command string) error, b *bus.Bus, logger zerolog.Logger) *Tracker {
	return &Tracker{
		entries:    make(map[string]*PendingCommand),
		timeout:    timeout,
		maxRetries: maxRetries,
		resend:     resend,
		bus:        b,
		logger:     logger,
		now:        time.Now,
	}
}

// Add records a command about to be sent.
func (t *Tracker) Add(op, key, command string, retryable bool, expect Expectation) *PendingCommand {
	p := &PendingCommand{
		ID:        uuid.New().String(),
		Op:        op,
		Key:       key,
		Command:   command,
		SentAt:    t.now(),
		Timeout:   t.timeout,
		Retryable: retryable,
		expect:    expect,
	}
	if retryable {
		p.MaxRetries = t.maxRetries
	}

	t.mu.Lock()
	t.entries[key] = p
	t.mu.Unlock()
	return p
}

// Remove drops p if it is still the entry for its key.
func (t *Tracker) Remove(p *PendingCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[p.Key]; ok && cur.ID == p.ID {
		delete(t.entries, p.Key)
	}
}

// Clear drops every entry, for example when the session ends.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]*PendingCommand)
	t.mu.Unlock()
}

// Pending returns a copy of the entries ordered by send time.
func (t *Tracker) Pending() []PendingCommand {
	t.mu.Lock()
	out := make([]PendingCommand, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, *p)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// Confirm matches st against every entry. Met expectations are confirmed;
// expired ones are resent while retries remain, otherwise timed out.
func (t *Tracker) Confirm(ctx context.Context, st scpi.Status) {
	now := t.now()

	var confirmed, expired, retry []PendingCommand
	t.mu.Lock()
	for key, p := range t.entries {
		switch {
		case p.expect(st):
			confirmed = append(confirmed, *p)
			delete(t.entries, key)
		case now.Sub(p.SentAt) < p.Timeout:
		case p.Retryable && p.Retries < p.MaxRetries:
			p.Retries++
			p.SentAt = now
			retry = append(retry, *p)
		default:
			expired = append(expired, *p)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, p := range confirmed {
		t.bus.Emit(bus.CommandConfirmed, map[string]interface{}{
			"id":        p.ID,
			"op":        p.Op,
			"command":   p.Command,
			"latencyMs": now.Sub(p.SentAt).Milliseconds(),
		})
	}
	for _, p := range expired {
		t.logger.Warn().Str("op", p.Op).Str("command", p.Command).Int("retries", p.Retries).Msg("Command not confirmed by device")
		t.bus.Emit(bus.CommandTimeout, map[string]interface{}{
			"id":      p.ID,
			"op":      p.Op,
			"command": p.Command,
			"retries": p.Retries,
		})
	}
	for _, p := range retry {
		if err := t.resend(ctx, p.Command); err != nil {
			t.Remove(&p)
			t.bus.Emit(bus.CommandFailed, map[string]interface{}{
				"id":      p.ID,
				"op":      p.Op,
				"command": p.Command,
				"error":   err.Error(),
			})
			continue
		}
		t.bus.Emit(bus.CommandSent, map[string]interface{}{
			"id":      p.ID,
			"op":      p.Op,
			"command": p.Command,
			"retry":   p.Retries,
		})
	}
}
