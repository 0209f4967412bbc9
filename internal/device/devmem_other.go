//go:build !linux

package device

import "errors"

func openDevMem(path string, base int64, size int) (Registers, error) {
	return nil, errors.New("devmem backend requires linux")
}
