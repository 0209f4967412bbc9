//
//
package scpi

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Value is a status field that may be absent from a reply.
type Value[T any] struct {
	V     T
	Valid bool
}

// Some returns a present Value.
func Some[T any](v T) Value[T] {
	return Value[T]{V: v, Valid: true}
}

// ChannelStatus holds the per-channel keys of a STATUS reply.
type ChannelStatus struct {
	Enabled   Value[bool]
	Frequency Value[uint32]
}

// Status is the typed form of a STATUS payload. Only keys present in the
// reply are Valid.
type Status struct {
	Broadcasting      Value[bool]
	Source            Value[Source]
	CurrentMessage    Value[int]
	AudioLoading      Value[bool]
	AudioError        Value[string]
	WatchdogEnabled   Value[bool]
	WatchdogTriggered Value[bool]
	WatchdogWarning   Value[bool]
	WatchdogRemaining Value[time.Duration]
	Channels          map[int]ChannelStatus
}

// Channel returns the status of channel id, which is empty if the reply
// did not mention it.
func (s Status) Channel(id int) ChannelStatus {
	return s.Channels[id]
}

// ChannelIDs returns the channel ids present in s in ascending order.
func (s Status) ChannelIDs() []int {
	ids := make([]int, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ParseStatus decodes a STATUS reply. Entries are key=value pairs joined by
// ';' (',' is accepted too). Unknown keys are ignored. A device error token,
// an empty payload, an entry without '=' or a malformed value for a known
// key fail with an error wrapping ErrMalformedStatus or the reply error.
func ParseStatus(payload string) (Status, error) {
	st := Status{Channels: make(map[int]ChannelStatus)}

	payload = strings.TrimSpace(payload)
	if payload == "" {
		return st, fmt.Errorf("%w: empty payload", ErrMalformedStatus)
	}
	if err := CheckReply(payload); err != nil {
		return st, err
	}

	fields := strings.FieldsFunc(payload, func(r rune) bool { return r == ';' || r == ',' })
	pairs := 0
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return st, fmt.Errorf("%w: entry %q has no value", ErrMalformedStatus, field)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if err := st.set(key, value); err != nil {
			return st, fmt.Errorf("%w: %s: %v", ErrMalformedStatus, key, err)
		}
		pairs++
	}
	if pairs == 0 {
		return st, fmt.Errorf("%w: no entries", ErrMalformedStatus)
	}

	return st, nil
}

func (s *Status) set(key, value string) error {
	var err error
	switch key {
	case "broadcasting":
		s.Broadcasting, err = flag(value)
	case "source":
		var src Source
		src, err = ParseSource(value)
		s.Source = Some(src)
	case "current_msg":
		var id int
		id, err = strconv.Atoi(value)
		s.CurrentMessage = Some(id)
	case "audio_loading":
		s.AudioLoading, err = flag(value)
	case "audio_error":
		s.AudioError = Some(value)
	case "watchdog_enabled":
		s.WatchdogEnabled, err = flag(value)
	case "watchdog_triggered":
		s.WatchdogTriggered, err = flag(value)
	case "watchdog_warning":
		s.WatchdogWarning, err = flag(value)
	case "watchdog_time":
		var secs float64
		secs, err = strconv.ParseFloat(value, 64)
		if err == nil && secs < 0 {
			err = errors.New("negative time")
		}
		s.WatchdogRemaining = Some(time.Duration(secs * float64(time.Second)))
	default:
		return s.setChannel(key, value)
	}
	return err
}

func (s *Status) setChannel(key, value string) error {
	if !strings.HasPrefix(key, "ch") {
		return nil
	}
	id, field, ok := strings.Cut(key[2:], "_")
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 {
		return nil
	}

	ch := s.Channels[n]
	switch field {
	case "enabled":
		ch.Enabled, err = flag(value)
	case "freq":
		var hz uint64
		hz, err = strconv.ParseUint(value, 10, 32)
		ch.Frequency = Some(uint32(hz))
	default:
		return nil
	}
	if err != nil {
		return err
	}
	s.Channels[n] = ch
	return nil
}

func flag(value string) (Value[bool], error) {
	switch strings.ToLower(value) {
	case "1", "on", "true":
		return Some(true), nil
	case "0", "off", "false":
		return Some(false), nil
	}
	return Value[bool]{}, fmt.Errorf("invalid flag %q", value)
}

// Encode renders s as a STATUS reply with a stable key order. Absent fields
// are omitted.
func (s Status) Encode() string {
	var parts []string
	add := func(key, value string) {
		parts = append(parts, key+"="+value)
	}
	bit := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}

	if s.Broadcasting.Valid {
		add("broadcasting", bit(s.Broadcasting.V))
	}
	if s.Source.Valid {
		add("source", string(s.Source.V))
	}
	if s.CurrentMessage.Valid {
		add("current_msg", strconv.Itoa(s.CurrentMessage.V))
	}
	if s.AudioLoading.Valid {
		add("audio_loading", bit(s.AudioLoading.V))
	}
	if s.AudioError.Valid && s.AudioError.V != "" {
		add("audio_error", s.AudioError.V)
	}
	if s.WatchdogEnabled.Valid {
		add("watchdog_enabled", bit(s.WatchdogEnabled.V))
	}
	if s.WatchdogTriggered.Valid {
		add("watchdog_triggered", bit(s.WatchdogTriggered.V))
	}
	if s.WatchdogWarning.Valid {
		add("watchdog_warning", bit(s.WatchdogWarning.V))
	}
	if s.WatchdogRemaining.Valid {
		add("watchdog_time", strconv.FormatFloat(s.WatchdogRemaining.V.Seconds(), 'f', 1, 64))
	}
	for _, id := range s.ChannelIDs() {
		ch := s.Channels[id]
		if ch.Enabled.Valid {
			add(fmt.Sprintf("ch%d_enabled", id), bit(ch.Enabled.V))
		}
		if ch.Frequency.Valid {
			add(fmt.Sprintf("ch%d_freq", id), strconv.FormatUint(uint64(ch.Frequency.V), 10))
		}
	}

	return strings.Join(parts, ";")
}
