package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

type trackerFixture struct {
	tracker *Tracker
	bus     *bus.Bus
	resent  []string
	fail    error
	clock   time.Time
}

func newTrackerFixture() *trackerFixture {
	f := &trackerFixture{
		bus:   bus.New(100, zerolog.Nop()),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(2*time.Second, 3, func(_ context.Context, cmd string) error {
		f.resent = append(f.resent, cmd)
		return f.fail
	}, f.bus, zerolog.Nop())
	f.tracker.now = func() time.Time { return f.clock }
	return f
}

func never(scpi.Status) bool { return false }

func TestTrackerResendsRetryableUntilExhausted(t *testing.T) {
	f := newTrackerFixture()
	f.tracker.Add("setChannelEnabled", "ch1.enabled", "CH1:OUTPUT ON", true, never)
	st := scpi.Status{}

	// Within the timeout nothing happens.
	f.clock = f.clock.Add(time.Second)
	f.tracker.Confirm(context.Background(), st)
	assert.Empty(t, f.resent)

	for i := 0; i < 3; i++ {
		f.clock = f.clock.Add(2 * time.Second)
		f.tracker.Confirm(context.Background(), st)
	}
	assert.Equal(t, []string{"CH1:OUTPUT ON", "CH1:OUTPUT ON", "CH1:OUTPUT ON"}, f.resent)
	assert.Len(t, f.bus.RecentOfType(bus.CommandSent, 0), 3)
	assert.Len(t, f.tracker.Pending(), 1)

	f.clock = f.clock.Add(2 * time.Second)
	f.tracker.Confirm(context.Background(), st)

	assert.Len(t, f.resent, 3)
	assert.Empty(t, f.tracker.Pending())
	timeouts := f.bus.RecentOfType(bus.CommandTimeout, 0)
	require.Len(t, timeouts, 1)
	assert.Equal(t, 3, timeouts[0].Data["retries"])
}

func TestTrackerNeverResendsAtMostOnce(t *testing.T) {
	f := newTrackerFixture()
	f.tracker.Add("setBroadcast", "broadcast", "OUTPUT:STATE ON", false, never)

	f.clock = f.clock.Add(3 * time.Second)
	f.tracker.Confirm(context.Background(), scpi.Status{})

	assert.Empty(t, f.resent)
	assert.Empty(t, f.tracker.Pending())
	assert.Len(t, f.bus.RecentOfType(bus.CommandTimeout, 0), 1)
}

func TestTrackerConfirms(t *testing.T) {
	f := newTrackerFixture()
	f.tracker.Add("setSource", "source", "SOURCE:INPUT ADC", true, func(st scpi.Status) bool {
		return st.Source.Valid && st.Source.V == scpi.SourceADC
	})

	f.tracker.Confirm(context.Background(), scpi.Status{Source: scpi.Some(scpi.SourceBRAM)})
	assert.Len(t, f.tracker.Pending(), 1)

	f.clock = f.clock.Add(300 * time.Millisecond)
	f.tracker.Confirm(context.Background(), scpi.Status{Source: scpi.Some(scpi.SourceADC)})

	assert.Empty(t, f.tracker.Pending())
	confirmed := f.bus.RecentOfType(bus.CommandConfirmed, 0)
	require.Len(t, confirmed, 1)
	assert.Equal(t, int64(300), confirmed[0].Data["latencyMs"])
}

func TestTrackerNewerEntryReplacesOlder(t *testing.T) {
	f := newTrackerFixture()
	first := f.tracker.Add("setChannelFrequency", "ch1.freq", "CH1:FREQ 600000", true, never)
	f.tracker.Add("setChannelFrequency", "ch1.freq", "CH1:FREQ 700000", true, never)

	// Removing the superseded entry leaves the newer one in place.
	f.tracker.Remove(first)

	pending := f.tracker.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "CH1:FREQ 700000", pending[0].Command)
}

func TestTrackerResendFailureDropsEntry(t *testing.T) {
	f := newTrackerFixture()
	f.fail = errors.New("closed")
	f.tracker.Add("setSource", "source", "SOURCE:INPUT ADC", true, never)

	f.clock = f.clock.Add(3 * time.Second)
	f.tracker.Confirm(context.Background(), scpi.Status{})

	assert.Empty(t, f.tracker.Pending())
	assert.Len(t, f.bus.RecentOfType(bus.CommandFailed, 0), 1)
}

func TestTrackerClear(t *testing.T) {
	f := newTrackerFixture()
	f.tracker.Add("setSource", "source", "SOURCE:INPUT ADC", true, never)
	f.tracker.Clear()
	assert.Empty(t, f.tracker.Pending())
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, "SUCCESS", ResultCode(nil))
	assert.Equal(t, "UNKNOWN_CHANNEL", ResultCode(invalid("channel", 99, ErrUnknownChannel)))
	assert.Equal(t, "REJECTED", ResultCode(scpi.CheckReply("ERROR")))
	assert.Equal(t, "NOT_FOUND", ResultCode(scpi.CheckReply("ERROR:FILE_NOT_FOUND")))
	assert.Equal(t, "TIMEOUT", ResultCode(context.DeadlineExceeded))
	assert.Equal(t, "ERROR", ResultCode(errors.New("boom")))
}
