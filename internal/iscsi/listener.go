package iscsi

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const socketBufferSize = 128 * 1024

// SessionHandler processes one accepted connection to completion; it owns
// the connection's lifetime and must close it before returning.
type SessionHandler func(conn net.Conn, session *Session)

// Listener binds the target's TCP socket with the usual iSCSI tuning:
// SO_REUSEADDR, TCP_NODELAY, 128 KiB send/receive buffers, SO_LINGER(on, 0).
type Listener struct {
	ln net.Listener
}

// Listen binds addr (host, no port — ListenPort is always used) with the
// required socket options applied via the raw-conn Control hook, the
// idiomatic Go way to set options the stdlib's net package does not expose
// directly.
func Listen(ctx context.Context, addr string) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				ctlErr = applySocketOptions(int(fd))
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", addr, ListenPort))
	if err != nil {
		return nil, fmt.Errorf("iscsi: listen %s:%d: %w", addr, ListenPort, err)
	}
	return &Listener{ln: ln}, nil
}

func applySocketOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize); err != nil {
		return fmt.Errorf("SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize); err != nil {
		return fmt.Errorf("SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
		return fmt.Errorf("SO_LINGER: %w", err)
	}
	return nil
}

// applyPerConnOptions sets TCP_NODELAY on an accepted connection; unlike
// the listen-socket options above, this one is reachable through the
// stdlib net.TCPConn directly.
func applyPerConnOptions(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(true)
}

// Serve accepts connections until ctx is cancelled or Close is called,
// handing each to pool/handler. If the pool is exhausted, the connection
// is closed immediately rather than queued.
func (l *Listener) Serve(ctx context.Context, pool *Pool, nodeID uint32, targetIQN string, bufferSize int, handler SessionHandler) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("iscsi: accept: %w", err)
			}
		}
		if err := applyPerConnOptions(conn); err != nil {
			logrus.WithError(err).Warn("iscsi: failed to tune accepted connection")
		}
		session, err := pool.Acquire(nodeID, NewNegotiator(targetIQN, bufferSize))
		if err != nil {
			logrus.WithError(err).Warn("iscsi: session pool exhausted, dropping connection")
			_ = conn.Close()
			continue
		}
		go func() {
			defer pool.Release(session.ID)
			handler(conn, session)
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
