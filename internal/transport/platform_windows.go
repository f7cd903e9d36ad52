//go:build windows
// +build windows

package transport

import (
	"fmt"
	"net"
	"time"
)

// DefaultSocketPath is ignored on Windows; the stream substrate uses
// DefaultTCPAddr instead.
const DefaultSocketPath = "netsync"

// DefaultTCPAddr is the localhost address used in place of a Unix socket
const DefaultTCPAddr = "127.0.0.1:4434"

// CreatePlatformListener creates a TCP listener on localhost (Windows)
func CreatePlatformListener(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("tcp", DefaultTCPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", DefaultTCPAddr, err)
	}
	return listener, nil
}

// ConnectPlatform dials the localhost TCP listener (Windows)
func ConnectPlatform(socketPath string) (net.Conn, error) {
	return net.DialTimeout("tcp", DefaultTCPAddr, time.Second)
}

// GetPlatformAddress returns the address string for logging
func GetPlatformAddress(socketPath string) string {
	return DefaultTCPAddr + " (TCP localhost - Windows mode)"
}
