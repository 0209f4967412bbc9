//
//
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tunnel-broadcast/amrc/internal/config"
)

// Register offsets from the FPGA base.
const (
	RegCtrl     uint32 = 0x00
	RegFreqBase uint32 = 0x04
	RegStatus   uint32 = 0x38 // read-only, written by the FPGA
)

// ErrBadOffset is returned for unaligned or out-of-window accesses.
var ErrBadOffset = errors.New("register offset out of range")

// FreqRegister returns the phase-increment register of channel ch (1-based).
func FreqRegister(ch int) uint32 {
	return RegFreqBase + uint32(ch-1)*4
}

// Registers is a 32-bit register window.
type Registers interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, value uint32) error
	Close() error
}

// OpenRegisters opens the backend selected in cfg.
func OpenRegisters(cfg config.HardwareConfig) (Registers, error) {
	switch cfg.Backend {
	case config.BackendSim:
		return NewSimRegisters(cfg.Size), nil
	case config.BackendDevMem:
		return openDevMem(cfg.DevMem, cfg.BaseAddr, cfg.Size)
	}
	return nil, fmt.Errorf("unknown register backend %q", cfg.Backend)
}

func checkOffset(offset uint32, size int) error {
	if offset%4 != 0 || int(offset)+4 > size {
		return fmt.Errorf("%w: 0x%X", ErrBadOffset, offset)
	}
	return nil
}

// SimRegisters is an in-memory register window for running without the
// FPGA and for tests.
type SimRegisters struct {
	mu     sync.Mutex
	words  []uint32
	size   int
	writes int
}

// NewSimRegisters creates a zeroed window of size bytes.
func NewSimRegisters(size int) *SimRegisters {
	return &SimRegisters{words: make([]uint32, size/4), size: size}
}

func (s *SimRegisters) Read32(offset uint32) (uint32, error) {
	if err := checkOffset(offset, s.size); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words[offset/4], nil
}

func (s *SimRegisters) Write32(offset uint32, value uint32) error {
	if err := checkOffset(offset, s.size); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words[offset/4] = value
	s.writes++
	return nil
}

// Writes returns the number of register writes so far.
func (s *SimRegisters) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *SimRegisters) Close() error {
	return nil
}
