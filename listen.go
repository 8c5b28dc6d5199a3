package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrSocketExists is returned by OpenUnixListener when the socket path is
// already occupied and replace was not requested.
var ErrSocketExists = errors.New("proxy: socket file already exists")

// ErrNoSocketFound is returned by ProbeAndDialUpstream when the configured
// upstream path is missing or is not a Unix domain socket.
var ErrNoSocketFound = errors.New("proxy: no socket found at upstream path")

// OpenUnixListener binds a Unix domain socket listener at path. If a
// filesystem entry already exists there, it is unlinked first when replace
// is true; otherwise ErrSocketExists is returned. No explicit chmod is
// applied — narrower permissions are an operational choice, not a
// correctness requirement (spec.md §4.D).
func OpenUnixListener(path string, replace bool) (Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if !replace {
			return nil, ErrSocketExists
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("proxy: removing existing socket %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("proxy: stat %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("proxy: binding unix socket %s: %w", path, err)
	}

	return newNetListener(ln), nil
}

// OpenTCPListener binds a TCP listener at ip:port. Callers are expected to
// have already enforced 1 <= port < 65535 at argument-parse time.
func OpenTCPListener(ip string, port uint16) (Listener, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: binding tcp socket %s: %w", addr, err)
	}
	return newNetListener(ln), nil
}

// ProbeAndDialUpstream verifies that podmanPath exists and is a Unix
// socket, then dials it. It is called fresh for every client connection —
// there is no connection pooling (spec.md §4.D, §9).
func ProbeAndDialUpstream(ctx context.Context, podmanPath string) (Stream, error) {
	info, err := os.Stat(podmanPath)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		return nil, ErrNoSocketFound
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", podmanPath)
	if err != nil {
		return nil, fmt.Errorf("proxy: connecting to upstream %s: %w", podmanPath, err)
	}

	return newNetStream(conn), nil
}
