//go:build windows

package device

import (
	"errors"

	"golang.zx2c4.com/wireguard/tun"
)

func CreateTUNFromFD(tunFd uint32, mtuInt int) (tun.Device, error) {
	return nil, errors.New("CreateTUNFromFD not supported on Windows")
}
