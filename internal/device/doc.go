// Package device is the transmitter-side SCPI server.
//
// It maps the line protocol onto the FPGA register file: the CTRL word,
// twelve DDS phase-increment registers and a status word. The package
// also owns the on-board fail-safe timer, which clears master enable when
// the controller stops sending WATCHDOG:RESET, and the external audio
// loader that writes waveforms into block RAM.
package device
