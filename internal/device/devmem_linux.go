//go:build linux

package device

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// devMem maps the FPGA register window through /dev/mem.
type devMem struct {
	f   *os.File
	mem []byte
}

func openDevMem(path string, base int64, size int) (Registers, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), base, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map 0x%X+0x%X: %w", base, size, err)
	}
	return &devMem{f: f, mem: mem}, nil
}

// word returns the register at offset. Accesses go through sync/atomic so
// each is a single 32-bit bus transaction.
func (d *devMem) word(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&d.mem[offset]))
}

func (d *devMem) Read32(offset uint32) (uint32, error) {
	if err := checkOffset(offset, len(d.mem)); err != nil {
		return 0, err
	}
	return atomic.LoadUint32(d.word(offset)), nil
}

func (d *devMem) Write32(offset uint32, value uint32) error {
	if err := checkOffset(offset, len(d.mem)); err != nil {
		return err
	}
	atomic.StoreUint32(d.word(offset), value)
	return nil
}

func (d *devMem) Close() error {
	if err := unix.Munmap(d.mem); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
