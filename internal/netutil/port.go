package netutil

import (
	"fmt"
	"net"
)

// EphemeralTCPPort asks the kernel for a free TCP port on localhost.
// The port is released before returning, so a race with other processes is
// possible but unlikely.
func EphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
