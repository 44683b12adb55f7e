// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"runtime"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func TestPoolServesConnectionsInTurn(t *testing.T) {
	const perConnection = 20
	backend := &recordingBackend{}
	params := testEngineParams()
	params.ReadWorkers = 1
	driver := newTestDriver(t, params, backend, nil)

	first := newPipeTransport(-1)
	second := newPipeTransport(-1)
	firstConn := attach(t, driver, first, 0x1, 1, testConnectionParams(1))
	secondConn := attach(t, driver, second, 0x2, 1, testConnectionParams(2))

	var group errgroup.Group
	for _, transport := range []*pipeTransport{first, second} {
		transport := transport
		group.Go(func() error {
			for cmdSN := uint32(1); cmdSN <= perConnection; cmdSN += 1 {
				transport.feed(encodeAll(nopOut(cmdSN, cmdSN, "")))
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	firstConn.start()
	secondConn.start()
	driver.Start()
	require.Eventually(t, func() bool { return backend.receivedCount() == 2*perConnection }, eventually, tick)

	commands := backend.receivedCommands()
	for index, command := range commands {
		require.Equal(t, uint16(index%2+1), command.CID, "delivery %d", index)
		require.Equal(t, uint32(index/2+1), command.CmdSN, "delivery %d", index)
	}
}

func TestPoolStopWithReadyConnectionPanics(t *testing.T) {
	pool := NewThreadPool(readPool, 1, nil, func(*Connection) unitResult { return unitIdle })
	conn := &Connection{id: uuid.NewV4()}
	pool.makeActive(conn)
	require.Equal(t, schedInList, pool.state(conn))
	require.Panics(t, func() { pool.Stop() })
}

func TestPoolDetach(t *testing.T) {
	pool := NewThreadPool(writePool, 1, nil, func(*Connection) unitResult { return unitIdle })
	conn := &Connection{id: uuid.NewV4()}
	pool.makeActive(conn)
	pool.detach(conn)
	require.Equal(t, schedClosed, pool.state(conn))
	pool.makeActive(conn)
	require.Equal(t, schedClosed, pool.state(conn))
	pool.Start()
	require.NoError(t, pool.Stop())
}

func TestPoolSpaceWait(t *testing.T) {
	blocked := make(chan struct{}, 1)
	results := make(chan unitResult, 2)
	results <- unitBlocked
	results <- unitIdle
	pool := NewThreadPool(writePool, 1, nil, func(*Connection) unitResult {
		result := <-results
		blocked <- struct{}{}
		return result
	})
	conn := &Connection{id: uuid.NewV4()}
	pool.Start()
	defer func() { require.NoError(t, pool.Stop()) }()

	pool.makeActive(conn)
	<-blocked
	require.Eventually(t, func() bool { return pool.state(conn) == schedSpaceWait }, eventually, tick)
	// data readiness does not wake a connection waiting for space
	pool.makeActive(conn)
	require.Equal(t, schedSpaceWait, pool.state(conn))
	pool.spaceReady(conn)
	<-blocked
	require.Eventually(t, func() bool { return pool.state(conn) == schedIdle }, eventually, tick)
}

func TestPinningFailureIsWrapped(t *testing.T) {
	// cpus past the affinity mask leave it empty
	pool := NewThreadPool(writePool, 1, []int{1 << 20}, nil)
	err := pool.pinThread()
	runtime.UnlockOSThread()
	require.ErrorIs(t, err, unix.EINVAL)
	require.Contains(t, err.Error(), "pinning wr worker to cpus [1048576]")
}
