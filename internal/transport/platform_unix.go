//go:build !windows
// +build !windows

package transport

import (
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultSocketPath is the Unix socket path for the stream substrate
const DefaultSocketPath = "/tmp/netsync.sock"

// CreatePlatformListener creates a Unix domain socket listener (Linux/macOS)
func CreatePlatformListener(socketPath string) (net.Listener, error) {
	// Clean up existing socket
	if err := CleanupSocket(socketPath); err != nil {
		return nil, fmt.Errorf("cleanup socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}

	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return listener, nil
}

// ConnectPlatform dials the Unix domain socket
func ConnectPlatform(socketPath string) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, time.Second)
}

// GetPlatformAddress returns the address string for logging
func GetPlatformAddress(socketPath string) string {
	return socketPath
}
