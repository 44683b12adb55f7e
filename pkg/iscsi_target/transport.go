// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import "errors"

var (
	// ErrWouldBlock means no progress is possible until the transport
	// announces readiness.
	ErrWouldBlock = errors.New("operation would block")
	// ErrInterrupted means the call may be retried right away.
	ErrInterrupted = errors.New("operation interrupted")
	// ErrTransportClosed is returned once the transport was closed.
	ErrTransportClosed = errors.New("transport closed")
)

type ShutdownHow int

const (
	ShutdownRecv ShutdownHow = 1 << iota
	ShutdownSend
	// ShutdownAbort resets the stream, dropping unsent data.
	ShutdownAbort
)

const ShutdownBoth = ShutdownRecv | ShutdownSend

func (how ShutdownHow) String() string {
	switch how {
	case ShutdownRecv:
		return "recv"
	case ShutdownSend:
		return "send"
	case ShutdownBoth:
		return "both"
	case ShutdownAbort:
		return "abort"
	}
	return "invalid"
}

// TransportCallbacks are invoked from transport goroutines. They must not
// block.
type TransportCallbacks struct {
	DataReady   func()
	WriteSpace  func()
	StateChange func()
}

// Transport is a non-blocking byte stream.
type Transport interface {
	// Recv returns ErrWouldBlock when no bytes are buffered and io.EOF
	// once the peer closed its side.
	Recv(buffer []byte) (int, error)
	// Sendv writes the vector without copying. A short count comes with
	// ErrWouldBlock.
	Sendv(iov [][]byte) (int, error)
	Shutdown(how ShutdownHow) error
	SetCallbacks(callbacks TransportCallbacks)
	ResetCallbacks()
	// WantRead and WantWrite ask for one DataReady or WriteSpace callback
	// once the stream becomes readable or writable.
	WantRead()
	WantWrite()
	// WriteIdle reports that nothing queued by Sendv is still in flight
	// inside the transport.
	WriteIdle() bool
	RemoteAddr() string
	LocalAddr() string
	Close() error
}
