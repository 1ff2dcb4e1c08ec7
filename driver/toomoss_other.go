//go:build !windows

package driver

import "errors"

func openToomoss(cfg Config) (Bus, error) {
	if _, _, _, err := toomossParams(cfg); err != nil {
		return nil, err
	}
	return nil, opError("open", cfg, ErrNotFound, errors.New("the USB2XXX driver is only available on Windows"))
}
