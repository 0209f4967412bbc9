//
//
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

// Reply tokens.
const (
	replyOK       = "OK"
	replyLoading  = "OK:LOADING"
	replyNoFile   = "OK:NO_FILE"
	replyError    = "ERROR"
	replyBusy     = "ERROR:BUSY"
	replyNotFound = "ERROR:FILE_NOT_FOUND"
	replyLatched  = "ERROR:WATCHDOG_TRIGGERED"
)

// Handle executes one command line. query reports whether the line expects
// a reply; the reply is computed either way so that non-query failures can
// be logged.
func (t *Transmitter) Handle(line string) (reply string, query bool) {
	header, arg := scpi.Split(line)
	query = scpi.IsQuery(header)
	verb := verbOf(header)
	t.metrics.RecordCommand(verb)

	reply = t.dispatch(header, arg)
	if !query && strings.HasPrefix(reply, replyError) {
		t.logger.Warn().Str("command", strings.TrimSpace(line)).Str("reply", reply).Msg("Command failed")
	}
	return reply, query
}

func (t *Transmitter) dispatch(header, arg string) string {
	switch header {
	case scpi.Identify:
		return t.Identity()
	case scpi.StatusQuery:
		return t.Status().Encode()
	case scpi.SystemStatus:
		v, err := t.StatusRegister()
		if err != nil {
			return replyError
		}
		return fmt.Sprintf("0x%08X", v)
	case scpi.WatchdogStatus:
		return t.WatchdogStatus().Encode()
	case scpi.AudioStatus:
		ls, msg := t.AudioStatus()
		return fmt.Sprintf("loading=%d;msg=%d", bit(ls.Loading), msg)
	case scpi.WatchdogReset:
		return result(t.ResetWatchdog())
	case "OUTPUT:STATE":
		on, err := scpi.ParseOnOff(arg)
		if err != nil {
			return replyError
		}
		return result(t.SetOutput(on))
	case "WATCHDOG:ENABLE":
		on, err := scpi.ParseOnOff(arg)
		if err != nil {
			return replyError
		}
		return result(t.SetWatchdogEnabled(on))
	case "SOURCE:INPUT":
		src, err := scpi.ParseSource(arg)
		if err != nil {
			return replyError
		}
		return result(t.SetSource(src))
	case "SOURCE:MSG":
		id, err := strconv.Atoi(arg)
		if err != nil {
			return replyError
		}
		loading, err := t.SelectMessage(id)
		switch {
		case err != nil:
			return result(err)
		case loading:
			return replyLoading
		default:
			return replyNoFile
		}
	case "AUDIO:LOAD":
		if arg == "" {
			return replyError
		}
		if err := t.LoadAudio(arg); err != nil {
			return result(err)
		}
		return replyLoading
	case "CH:EN":
		mask, err := scpi.ParseMask(arg)
		if err != nil {
			return replyError
		}
		return result(t.SetChannelMask(mask))
	}

	if ch, rest, ok := scpi.ChannelHeader(header); ok {
		switch rest {
		case "OUTPUT":
			on, err := scpi.ParseOnOff(arg)
			if err != nil {
				return replyError
			}
			return result(t.SetChannelEnabled(ch, on))
		case "FREQ":
			hz, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return replyError
			}
			return result(t.SetChannelFrequency(ch, uint32(hz)))
		}
	}
	return replyError
}

// result maps an operation error onto a reply token.
func result(err error) string {
	switch {
	case err == nil:
		return replyOK
	case errors.Is(err, ErrLoaderBusy):
		return replyBusy
	case errors.Is(err, ErrFileNotFound):
		return replyNotFound
	case errors.Is(err, ErrWatchdogLatched):
		return replyLatched
	}
	return replyError
}

var verbs = map[string]bool{
	"*IDN?": true, "STATUS?": true, "SYST:STAT?": true, "WATCHDOG:STATUS?": true,
	"AUDIO:STATUS?": true, "WATCHDOG:RESET": true, "OUTPUT:STATE": true,
	"WATCHDOG:ENABLE": true, "SOURCE:INPUT": true, "SOURCE:MSG": true,
	"AUDIO:LOAD": true, "CH:EN": true,
	"CH:OUTPUT": true, "CH:FREQ": true, "FREQ:CH": true,
}

// verbOf normalizes a header for metrics. Channel numbers are dropped and
// anything unrecognized is counted as UNKNOWN.
func verbOf(header string) string {
	verb := header
	if _, rest, ok := scpi.ChannelHeader(header); ok {
		if strings.HasPrefix(header, "CH") {
			verb = "CH:" + rest
		} else {
			verb = rest + ":CH"
		}
	}
	if !verbs[verb] {
		return "UNKNOWN"
	}
	return verb
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}
