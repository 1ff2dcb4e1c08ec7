//go:build !linux

package driver

import (
	"errors"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, &os.PathError{Op: "open", Path: path, Err: errors.New("serial ports are only supported on Linux")}
}
