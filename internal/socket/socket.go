// Package socket manages the control socket shared by the daemon and
// its clients. The listener side claims the path, refusing to disturb a
// live daemon and clearing leftovers of a crashed one. The dial side
// does not trust a bare connection: a socket owner only counts as the
// daemon once it answers a Ping frame, so clients retry through the
// startup window instead of failing on a half-bound socket.
package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/blockandfocus/baf/pkg/api"
)

var (
	// ErrAddressInUse is returned when a live daemon already owns the socket.
	ErrAddressInUse = errors.New("address already in use")
	// ErrNotRunning is returned when no daemon process exists to wait for.
	ErrNotRunning = errors.New("daemon not running")
	// ErrNoHandshake is returned when the socket owner does not answer Ping.
	ErrNoHandshake = errors.New("socket owner did not answer handshake")
)

// DaemonProcessName is the executable name looked up in the process
// table for liveness hints.
const DaemonProcessName = "bafd"

// Listen claims the control socket at path for the daemon. The parent
// directory is created if needed; a leftover socket nobody answers on
// is removed; a path occupied by anything other than a socket is left
// alone and reported, since deleting it could destroy user data.
func Listen(path string, perm os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("refusing to replace %s: not a socket", path)
		}
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			if pid, ok := DaemonPID(DaemonProcessName); ok {
				return nil, fmt.Errorf("%w (daemon pid %d)", ErrAddressInUse, pid)
			}
			return nil, ErrAddressInUse
		}
		// Nobody answers: a daemon died without cleaning up.
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("creating socket listener: %w", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		ln.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return ln, nil
}

// Dialer connects control clients to the daemon, verifying each
// connection with a Ping handshake before handing it over.
type Dialer struct {
	// HandshakeTimeout bounds the Ping round trip on a fresh connection.
	HandshakeTimeout time.Duration
	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration
	// StartupWait is the total time to keep retrying while the daemon
	// may still be starting up.
	StartupWait time.Duration
	// ProcessGrace is how long to retry before requiring the daemon to
	// show up in the process table at all.
	ProcessGrace time.Duration
	// FindDaemon locates the daemon process; defaults to DaemonPID.
	FindDaemon func(name string) (int, bool)
}

// DefaultDialer returns a Dialer with the client defaults.
func DefaultDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: 2 * time.Second,
		RetryInterval:    250 * time.Millisecond,
		StartupWait:      5 * time.Second,
		ProcessGrace:     2 * time.Second,
	}
}

// DialContext dials the daemon socket with the default Dialer.
func DialContext(ctx context.Context, path string) (net.Conn, error) {
	return DefaultDialer().Dial(ctx, path)
}

// Dial connects to the daemon at path. Attempts repeat until a
// connection answers the handshake, the startup window closes, or the
// context is cancelled. A daemon found in the process table earns the
// full startup window; with no such process past the grace period,
// ErrNotRunning is returned immediately.
func (d *Dialer) Dial(ctx context.Context, path string) (net.Conn, error) {
	find := d.FindDaemon
	if find == nil {
		find = DaemonPID
	}

	start := time.Now()
	var lastErr error
	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", path)
		if err != nil {
			lastErr = err
		} else if herr := d.handshake(conn); herr != nil {
			conn.Close()
			lastErr = herr
		} else {
			return conn, nil
		}

		elapsed := time.Since(start)
		if elapsed >= d.StartupWait {
			if pid, ok := find(DaemonProcessName); ok {
				return nil, fmt.Errorf("daemon (pid %d) is not answering: %w", pid, lastErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrNotRunning, lastErr)
		}
		if elapsed >= d.ProcessGrace {
			if _, ok := find(DaemonProcessName); !ok {
				return nil, fmt.Errorf("%w: %v", ErrNotRunning, lastErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.RetryInterval):
		}
	}
}

// handshake sends one Ping frame and requires a Pong back. Anything
// else on the socket is not the daemon.
func (d *Dialer) handshake(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(d.HandshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	frame, err := json.Marshal(api.Frame{Type: api.TypePing})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrNoHandshake, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoHandshake, err)
	}
	var resp api.Frame
	if err := json.Unmarshal(line, &resp); err != nil || resp.Type != api.TypePong {
		return ErrNoHandshake
	}
	return nil
}

// DaemonPID scans the process table for the daemon executable and
// returns its pid. The match is exact (case-insensitive) on the
// executable base name, so an unrelated process with the daemon's name
// as a prefix does not count.
func DaemonPID(name string) (int, bool) {
	procs, err := ps.Processes()
	if err != nil {
		return 0, false
	}
	for _, proc := range procs {
		if strings.EqualFold(proc.Executable(), name) {
			return proc.Pid(), true
		}
	}
	return 0, false
}
