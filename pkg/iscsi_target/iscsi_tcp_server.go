// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"io"
	"iscsitarget/pkg/logger"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gocontainer/rbuf"
	"golang.org/x/sys/unix"
)

// KeepaliveParams tune TCP keepalive of accepted connections.
type KeepaliveParams struct {
	// delay between the last received TCP packet and the first probe
	Period time.Duration
	// delay between unanswered probes
	Interval time.Duration
	// unanswered probes before the connection is dropped
	Count int
}

var errListenerClosed = errors.New("listener closed")

func setKeepaliveParameters(connection *net.TCPConn, keepalive KeepaliveParams) error {
	err := connection.SetKeepAlive(true)
	if err != nil {
		return err
	}
	err = connection.SetKeepAlivePeriod(keepalive.Period)
	if err != nil {
		return err
	}
	rawConn, err := connection.SyscallConn()
	if err != nil {
		return err
	}
	var connectionErr error
	err = rawConn.Control(
		func(fdPtr uintptr) {
			fd := int(fdPtr)
			connectionErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepalive.Count)
			if connectionErr != nil {
				return
			}
			connectionErr = unix.SetsockoptInt(
				fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(keepalive.Interval/time.Second))
		})
	if err != nil {
		return err
	}
	return os.NewSyscallError("setsockopt", connectionErr)
}

// Listener accepts initiator connections on one portal.
type Listener struct {
	listener  *net.TCPListener
	keepalive KeepaliveParams
}

func Listen(portal string, keepalive KeepaliveParams) (*Listener, error) {
	address, err := net.ResolveTCPAddr("tcp", portal)
	if err != nil {
		return nil, errors.Wrapf(err, "portal %s", portal)
	}
	listener, err := net.ListenTCP("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", portal)
	}
	return &Listener{listener: listener, keepalive: keepalive}, nil
}

func (listener *Listener) Addr() net.Addr {
	return listener.listener.Addr()
}

// Accept returns the next connection with keepalive and TCP_NODELAY set.
func (listener *Listener) Accept() (*net.TCPConn, error) {
	for {
		connection, err := listener.listener.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, errListenerClosed
			}
			return nil, err
		}
		err = setKeepaliveParameters(connection, listener.keepalive)
		if err == nil {
			err = connection.SetNoDelay(true)
		}
		if err == nil {
			return connection, nil
		}
		logger.GetLogger().Errorf("setting up connection from %s: %v", connection.RemoteAddr(), err)
		if err := connection.Close(); err != nil {
			logger.GetLogger().Error(err)
		}
	}
}

func (listener *Listener) Close() error {
	return listener.listener.Close()
}

// readAheadSize bounds a single socket read. Bytes beyond the caller's
// buffer wait in the read-ahead ring for the next Recv.
const readAheadSize = 64 * 1024

// tcpTransport drives a TCP socket without blocking. Readiness is learned
// from the runtime poller by goroutines parked in RawConn.Read and
// RawConn.Write, the data itself moves through RawConn.Control.
type tcpTransport struct {
	connection *net.TCPConn
	rawConn    syscall.RawConn
	remote     string
	local      string

	readMutex sync.Mutex
	readAhead rbuf.RingBuf
	scratch   []byte

	inflight atomic.Int32

	callbacksMutex sync.Mutex
	callbacks      TransportCallbacks

	wantRead  chan struct{}
	wantWrite chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newTCPTransport(connection *net.TCPConn) (*tcpTransport, error) {
	rawConn, err := connection.SyscallConn()
	if err != nil {
		return nil, err
	}
	transport := &tcpTransport{
		connection: connection,
		rawConn:    rawConn,
		remote:     connection.RemoteAddr().String(),
		local:      connection.LocalAddr().String(),
		scratch:    make([]byte, readAheadSize),
		wantRead:   make(chan struct{}, 1),
		wantWrite:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go transport.readWatcher()
	go transport.writeWatcher()
	return transport, nil
}

func errnoToTransportError(op string, errno error) error {
	switch errno {
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.EINTR:
		return ErrInterrupted
	}
	return os.NewSyscallError(op, errno)
}

func (transport *tcpTransport) controlError(err error) error {
	if transport.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return err
}

func (transport *tcpTransport) Recv(buffer []byte) (int, error) {
	if transport.closed.Load() {
		return 0, ErrTransportClosed
	}
	transport.readMutex.Lock()
	defer transport.readMutex.Unlock()
	if transport.readAhead.Len() > 0 {
		count, _ := transport.readAhead.Read(buffer)
		return count, nil
	}
	target := transport.scratch
	if len(buffer) >= len(target) {
		target = buffer
	}
	var (
		count   int
		readErr error
	)
	err := transport.rawConn.Control(func(fd uintptr) {
		count, readErr = unix.Read(int(fd), target)
	})
	if err != nil {
		return 0, transport.controlError(err)
	}
	if readErr != nil {
		return 0, errnoToTransportError("read", readErr)
	}
	if count == 0 {
		return 0, io.EOF
	}
	if len(buffer) >= len(transport.scratch) {
		return count, nil
	}
	copied := copy(buffer, target[:count])
	if copied < count {
		transport.readAhead.Write(target[copied:count])
	}
	return copied, nil
}

func (transport *tcpTransport) Sendv(iov [][]byte) (int, error) {
	if transport.closed.Load() {
		return 0, ErrTransportClosed
	}
	total := 0
	for _, segment := range iov {
		total += len(segment)
	}
	transport.inflight.Add(1)
	defer transport.inflight.Add(-1)
	var (
		count    int
		writeErr error
	)
	err := transport.rawConn.Control(func(fd uintptr) {
		count, writeErr = unix.Writev(int(fd), iov)
	})
	if err != nil {
		return 0, transport.controlError(err)
	}
	if writeErr != nil {
		return 0, errnoToTransportError("writev", writeErr)
	}
	if count < total {
		return count, ErrWouldBlock
	}
	return count, nil
}

func (transport *tcpTransport) Shutdown(how ShutdownHow) error {
	var sysHow int
	switch how {
	case ShutdownRecv:
		sysHow = unix.SHUT_RD
	case ShutdownSend:
		sysHow = unix.SHUT_WR
	case ShutdownBoth, ShutdownAbort:
		sysHow = unix.SHUT_RDWR
	default:
		return fmt.Errorf("bad shutdown mode %d", how)
	}
	var shutdownErr error
	err := transport.rawConn.Control(func(fd uintptr) {
		if how == ShutdownAbort {
			// the reset goes out on close
			shutdownErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER,
				&unix.Linger{Onoff: 1, Linger: 0})
			if shutdownErr != nil {
				return
			}
		}
		shutdownErr = unix.Shutdown(int(fd), sysHow)
	})
	if err != nil {
		return transport.controlError(err)
	}
	if shutdownErr == unix.ENOTCONN {
		return nil
	}
	return os.NewSyscallError("shutdown", shutdownErr)
}

func (transport *tcpTransport) SetCallbacks(callbacks TransportCallbacks) {
	transport.callbacksMutex.Lock()
	transport.callbacks = callbacks
	transport.callbacksMutex.Unlock()
}

func (transport *tcpTransport) ResetCallbacks() {
	transport.SetCallbacks(TransportCallbacks{})
}

func (transport *tcpTransport) currentCallbacks() TransportCallbacks {
	transport.callbacksMutex.Lock()
	defer transport.callbacksMutex.Unlock()
	return transport.callbacks
}

func signal(channel chan struct{}) {
	select {
	case channel <- struct{}{}:
	default:
	}
}

func (transport *tcpTransport) WantRead() {
	signal(transport.wantRead)
}

func (transport *tcpTransport) WantWrite() {
	signal(transport.wantWrite)
}

func (transport *tcpTransport) WriteIdle() bool {
	return transport.inflight.Load() == 0
}

func (transport *tcpTransport) RemoteAddr() string {
	return transport.remote
}

func (transport *tcpTransport) LocalAddr() string {
	return transport.local
}

func (transport *tcpTransport) Close() error {
	transport.closeOnce.Do(func() {
		transport.closed.Store(true)
		close(transport.done)
		transport.closeErr = transport.connection.Close()
	})
	return transport.closeErr
}

func (transport *tcpTransport) readAheadEmpty() bool {
	transport.readMutex.Lock()
	defer transport.readMutex.Unlock()
	return transport.readAhead.Len() == 0
}

// waitReadable parks until the socket has bytes, EOF or an error. It
// returns false once the socket is closed.
func (transport *tcpTransport) waitReadable() bool {
	if !transport.readAheadEmpty() {
		return true
	}
	var peek [1]byte
	err := transport.rawConn.Read(func(fd uintptr) bool {
		_, _, err := unix.Recvfrom(int(fd), peek[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return err != unix.EAGAIN
	})
	return err == nil
}

// waitWritable parks until the socket send buffer has room.
func (transport *tcpTransport) waitWritable() bool {
	err := transport.rawConn.Write(func(fd uintptr) bool {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		ready, err := unix.Poll(fds, 0)
		return err != nil || ready > 0
	})
	return err == nil
}

func (transport *tcpTransport) readWatcher() {
	for {
		select {
		case <-transport.wantRead:
		case <-transport.done:
			return
		}
		readable := transport.waitReadable()
		callbacks := transport.currentCallbacks()
		if !readable {
			if callbacks.StateChange != nil {
				callbacks.StateChange()
			}
			return
		}
		if callbacks.DataReady != nil {
			callbacks.DataReady()
		}
	}
}

func (transport *tcpTransport) writeWatcher() {
	for {
		select {
		case <-transport.wantWrite:
		case <-transport.done:
			return
		}
		writable := transport.waitWritable()
		callbacks := transport.currentCallbacks()
		if !writable {
			if callbacks.StateChange != nil {
				callbacks.StateChange()
			}
			return
		}
		if callbacks.WriteSpace != nil {
			callbacks.WriteSpace()
		}
	}
}
