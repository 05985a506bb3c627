//go:build !windows

package device

import (
	"fmt"
	"os"

	"github.com/tunelapp/tunrelay/logger"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"
)

// CreateTUNFromFD wraps a TUN descriptor handed over by the platform. The
// descriptor is duplicated so the caller keeps ownership of the original.
func CreateTUNFromFD(tunFd uint32, mtuInt int) (tun.Device, error) {
	dupTunFd, err := unix.Dup(int(tunFd))
	if err != nil {
		logger.Error("Unable to dup tun fd %d: %v", tunFd, err)
		return nil, fmt.Errorf("dup tun fd: %w", err)
	}

	err = unix.SetNonblock(dupTunFd, true)
	if err != nil {
		unix.Close(dupTunFd)
		return nil, fmt.Errorf("set tun fd nonblocking: %w", err)
	}

	file := os.NewFile(uintptr(dupTunFd), "/dev/tun")
	device, err := tun.CreateTUNFromFile(file, mtuInt)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create tun from fd %d: %w", tunFd, err)
	}

	logger.Debug("Wrapped tun fd %d (dup %d) with mtu %d", tunFd, dupTunFd, mtuInt)
	return device, nil
}
