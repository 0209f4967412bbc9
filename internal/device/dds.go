package device

// PhaseIncrement converts a carrier frequency to the DDS tuning word for a
// 32-bit accumulator clocked at clockHz: floor(hz * 2^32 / clockHz) mod 2^32.
func PhaseIncrement(hz uint32, clockHz uint64) uint32 {
	if clockHz == 0 {
		return 0
	}
	return uint32((uint64(hz) << 32) / clockHz)
}

// Frequency is the inverse of PhaseIncrement, truncated to whole Hz.
func Frequency(inc uint32, clockHz uint64) uint32 {
	return uint32((uint64(inc) * clockHz) >> 32)
}
