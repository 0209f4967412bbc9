//
//
package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// Terminator ends every command and reply line.
const Terminator = "\n"

// Fixed commands.
const (
	Identify       = "*IDN?"
	StatusQuery    = "STATUS?"
	SystemStatus   = "SYST:STAT?"
	WatchdogReset  = "WATCHDOG:RESET"
	WatchdogStatus = "WATCHDOG:STATUS?"
	AudioStatus    = "AUDIO:STATUS?"
)

// Source selects the audio feeding the modulator.
type Source string

const (
	SourceADC  Source = "ADC"
	SourceBRAM Source = "BRAM"
)

// ParseSource accepts ADC or BRAM in any case.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToUpper(strings.TrimSpace(s))) {
	case SourceADC:
		return SourceADC, nil
	case SourceBRAM:
		return SourceBRAM, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// IsQuery reports whether cmd expects a reply line.
func IsQuery(cmd string) bool {
	return strings.HasSuffix(strings.TrimSpace(cmd), "?")
}

// OnOff renders a boolean argument.
func OnOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// ParseOnOff accepts ON/OFF and 1/0.
func ParseOnOff(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON", "1":
		return true, nil
	case "OFF", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected ON or OFF, got %q", s)
}

// Split separates a command line into its upper-cased header and the
// remaining argument text.
func Split(line string) (header, arg string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}

// SetOutput builds the master broadcast enable command.
func SetOutput(on bool) string {
	return "OUTPUT:STATE " + OnOff(on)
}

// SetChannelOutput builds a per-channel enable command.
func SetChannelOutput(channel int, on bool) string {
	return fmt.Sprintf("CH%d:OUTPUT %s", channel, OnOff(on))
}

// SetChannelFrequency builds a carrier frequency command in Hz.
func SetChannelFrequency(channel int, hz uint32) string {
	return fmt.Sprintf("CH%d:FREQ %d", channel, hz)
}

// SetChannelMask builds the bulk channel enable command.
func SetChannelMask(mask uint16) string {
	return "CH:EN 0b" + strconv.FormatUint(uint64(mask), 2)
}

// SetSource builds the audio source command.
func SetSource(src Source) string {
	return "SOURCE:INPUT " + string(src)
}

// SelectMessage builds the stored message select command.
func SelectMessage(id int) string {
	return fmt.Sprintf("SOURCE:MSG %d", id)
}

// SetWatchdogEnabled builds the fail-safe enable command.
func SetWatchdogEnabled(on bool) string {
	return "WATCHDOG:ENABLE " + OnOff(on)
}

// LoadAudio builds an explicit waveform load command.
func LoadAudio(path string) string {
	return "AUDIO:LOAD " + path
}

// ParseMask parses a channel mask written as 0b..., 0x... or decimal.
func ParseMask(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "0b"):
		return strconv.ParseUint(s[2:], 2, 32)
	case strings.HasPrefix(s, "0x"):
		return strconv.ParseUint(s[2:], 16, 32)
	default:
		return strconv.ParseUint(s, 10, 32)
	}
}

// ChannelHeader extracts n from headers shaped like CH<n>:<suffix> or
// <prefix>:CH<n>. ok is false when the header does not name a channel.
func ChannelHeader(header string) (n int, rest string, ok bool) {
	header = strings.ToUpper(header)
	if strings.HasPrefix(header, "CH") {
		i := strings.IndexByte(header, ':')
		if i < 0 {
			return 0, "", false
		}
		n, err := strconv.Atoi(header[2:i])
		if err != nil {
			return 0, "", false
		}
		return n, header[i+1:], true
	}
	if i := strings.Index(header, ":CH"); i >= 0 {
		n, err := strconv.Atoi(header[i+3:])
		if err != nil {
			return 0, "", false
		}
		return n, header[:i], true
	}
	return 0, "", false
}
