package util

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatBytes renders a byte count as "512 B", "1.50 KB", "2.00 MB" or "3.25 GB".
func FormatBytes(n uint64) string {
	switch {
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.2f KB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2f MB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/gib)
	}
}

// FormatSpeed renders a rate in bytes per second.
func FormatSpeed(bytesPerSecond uint64) string {
	return FormatBytes(bytesPerSecond) + "/s"
}

// FormatDuration renders d as h:mm:ss, m:ss or 0:ss.
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes%60, seconds%60)
	case minutes > 0:
		return fmt.Sprintf("%d:%02d", minutes, seconds%60)
	default:
		return fmt.Sprintf("0:%02d", seconds)
	}
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// IsValidHost accepts IP literals and names made of letters, digits, dots
// and hyphens.
func IsValidHost(host string) bool {
	if host == "" {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	return len(host) <= 255 && hostnameRe.MatchString(host)
}

func IsValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

// StripScheme removes a proxy URL scheme and trailing slashes, so
// "socks5://127.0.0.1:10808/" becomes "127.0.0.1:10808".
func StripScheme(addr string) string {
	addr = strings.TrimSpace(addr)
	for _, prefix := range []string{"socks5h://", "socks5://", "socks://"} {
		if strings.HasPrefix(strings.ToLower(addr), prefix) {
			addr = addr[len(prefix):]
			break
		}
	}
	return strings.TrimRight(addr, "/")
}
