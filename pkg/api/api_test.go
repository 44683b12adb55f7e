// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"iscsitarget/pkg/iscsi_target"
	"iscsitarget/pkg/scsi"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
)

const testTargetName = "iqn.2018-01.com.example:api"

func startServer(t *testing.T) (ClientRequester, *EventBroker) {
	t.Helper()
	// unix socket paths are short, t.TempDir() may be too long
	directory, err := os.MkdirTemp("", "api")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(directory) })
	socketPath := filepath.Join(directory, "iscsitarget.sock")

	events := NewEventBroker()
	driver := iscsi_target.NewDriver(
		iscsi_target.EngineParams{ReadWorkers: 1, WriteWorkers: 1, MaxConcurrentCloses: 1, MaxQueueCommand: 32},
		iscsi_target.DefaultLoginSettings(),
		scsi.NewSCSITargetService(),
		events,
	)
	server := NewApiServer(driver, events, socketPath)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, driver.Stop())
	})

	client := NewApiRequester(socketPath)
	require.Eventually(t, func() bool {
		_, err := client.PerformList()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return client, events
}

func TestTargetManagement(t *testing.T) {
	client, _ := startServer(t)

	require.NoError(t, client.PerformAddTarget(testTargetName))
	var failed *ErrApiRequestFailed
	require.ErrorAs(t, client.PerformAddTarget(testTargetName), &failed)

	attached, err := client.PerformAttach("memory:1M", testTargetName)
	require.NoError(t, err)
	require.Equal(t, byte(0), attached.LogicalUnitId)
	attached, err = client.PerformAttach("memory:2M", testTargetName)
	require.NoError(t, err)
	require.Equal(t, byte(1), attached.LogicalUnitId)

	list, err := client.PerformList()
	require.NoError(t, err)
	require.Len(t, *list, 1)
	target := (*list)[0]
	require.Equal(t, testTargetName, target.Name)
	require.Len(t, target.Luns, 2)
	require.Equal(t, uint64(1<<20), target.Luns[0].Size)
	require.Empty(t, target.Sessions)
	require.Contains(t, list.ToCmdlineOutput(), testTargetName)

	detached, err := client.PerformDetachLun(testTargetName, 1)
	require.NoError(t, err)
	require.Equal(t, "memory:2097152", detached.Backing)
	_, err = client.PerformDetachLun(testTargetName, 300)
	require.Error(t, err)

	cleared, err := client.PerformClearTarget(testTargetName)
	require.NoError(t, err)
	require.Equal(t, []string{"memory:1048576"}, cleared.FreedBackings)
	require.NoError(t, client.PerformDeleteTarget(testTargetName))
	require.ErrorAs(t, client.PerformDeleteTarget(testTargetName), &failed)

	list, err = client.PerformList()
	require.NoError(t, err)
	require.Empty(t, *list)
}

func TestRequestValidation(t *testing.T) {
	client, _ := startServer(t)
	require.NoError(t, client.PerformAddTarget(testTargetName))

	_, err := client.PerformAttach("", testTargetName)
	var failed *ErrApiRequestFailed
	require.ErrorAs(t, err, &failed)
	require.Contains(t, failed.Error(), "'backing' is required")

	err = client.PerformCloseConnection(uuid.NewV4().String())
	require.ErrorAs(t, err, &failed)
	require.Contains(t, failed.Error(), "not found")

	_, err = client.request(Request{Type: "REBOOT"})
	require.ErrorAs(t, err, &failed)
}

func TestWatchReceivesConnectionClosed(t *testing.T) {
	client, events := startServer(t)
	errStop := errors.New("stop")
	received := make(chan ConnectionClosedEvent, 1)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- client.Watch(func(event ConnectionClosedEvent) error {
			received <- event
			return errStop
		})
	}()
	require.Eventually(t, func() bool { return events.watcherCount() == 1 }, 5*time.Second, time.Millisecond)

	events.ConnectionClosed(3, 0x70001, 2)
	event := <-received
	require.Equal(t, 3, event.TargetId)
	require.Equal(t, uint64(0x70001), event.SessionId)
	require.Equal(t, uint16(2), event.CID)
	require.ErrorIs(t, <-watchDone, errStop)
	require.Eventually(t, func() bool { return events.watcherCount() == 0 }, 5*time.Second, time.Millisecond)
}

func TestSlowWatcherLosesEvents(t *testing.T) {
	events := NewEventBroker()
	stream, unsubscribe := events.Subscribe()
	for index := 0; index < watcherBacklog+10; index++ {
		events.ConnectionClosed(1, uint64(index), 1)
	}
	require.Len(t, stream, watcherBacklog)
	unsubscribe()
	unsubscribe()
	require.Zero(t, events.watcherCount())
	buffered := 0
	for range stream {
		buffered++
	}
	require.Equal(t, watcherBacklog, buffered)
}
