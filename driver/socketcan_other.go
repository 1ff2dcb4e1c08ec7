//go:build !linux

package driver

import "errors"

func init() {
	Register(Variant{Scheme: "socketcan", Options: []string{"loopback", "recv_own"}, Open: openSocketCAN})
}

func openSocketCAN(cfg Config) (Bus, error) {
	return nil, opError("open", cfg, ErrNotFound, errors.New("SocketCAN is only available on Linux"))
}
