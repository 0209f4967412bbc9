package device

// CTRL register layout.
const (
	ctrlMaster   = 1 << 0
	ctrlWatchdog = 1 << 1
	ctrlADC      = 1 << 3
	msgShift     = 4
	msgBits      = 0xF
	maskShift    = 8
	maskBits     = 0xFFF
)

// Ctrl is the decoded CTRL register.
type Ctrl struct {
	Master   bool
	Watchdog bool
	ADC      bool
	Message  uint8
	Mask     uint16
}

// Pack encodes c.
func (c Ctrl) Pack() uint32 {
	var v uint32
	if c.Master {
		v |= ctrlMaster
	}
	if c.Watchdog {
		v |= ctrlWatchdog
	}
	if c.ADC {
		v |= ctrlADC
	}
	v |= (uint32(c.Message) & msgBits) << msgShift
	v |= (uint32(c.Mask) & maskBits) << maskShift
	return v
}

// UnpackCtrl decodes a CTRL register value.
func UnpackCtrl(v uint32) Ctrl {
	return Ctrl{
		Master:   v&ctrlMaster != 0,
		Watchdog: v&ctrlWatchdog != 0,
		ADC:      v&ctrlADC != 0,
		Message:  uint8((v >> msgShift) & msgBits),
		Mask:     uint16((v >> maskShift) & maskBits),
	}
}

// ChannelEnabled reports whether channel ch (1-based) is in the mask.
func (c Ctrl) ChannelEnabled(ch int) bool {
	return c.Mask&(1<<(ch-1)) != 0
}

// SetChannel sets or clears channel ch in the mask.
func (c *Ctrl) SetChannel(ch int, on bool) {
	if on {
		c.Mask |= 1 << (ch - 1)
	} else {
		c.Mask &^= 1 << (ch - 1)
	}
}
