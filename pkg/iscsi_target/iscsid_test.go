// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/scsi"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTSIHAllocation(t *testing.T) {
	driver := newDriver(testEngineParams(), &recordingBackend{}, nil)
	require.Equal(t, uint16(1), driver.AllocTSIH())
	require.Equal(t, uint16(2), driver.AllocTSIH())
	driver.ReleaseTSIH(1)
	require.Equal(t, uint16(1), driver.AllocTSIH())
	// reserved values are never handed out nor released
	driver.ReleaseTSIH(IscsiUnspecifiedTargetSessionIdentifierHandler)
	driver.ReleaseTSIH(IscsiMaxTargetSessionIdentifierHandler)
	require.Equal(t, uint16(3), driver.AllocTSIH())
}

func TestAttachJoinsSession(t *testing.T) {
	driver := newTestDriver(t, testEngineParams(), &recordingBackend{}, nil)
	first := attach(t, driver, newPipeTransport(-1), 0x9, 5, testConnectionParams(1))
	tsih := first.session.TSIH()

	second, err := driver.AttachConnection(newPipeTransport(-1), SessionParams{
		TargetName: testTargetName,
		Initiator:  testInitiatorName,
		ISID:       0x9,
		TSIH:       tsih,
	}, testConnectionParams(2))
	require.NoError(t, err)
	require.Same(t, first.session, second.session)

	sessions := driver.List()[0].Sessions
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Connections, 2)
	require.Equal(t, uint16(1), sessions[0].Connections[0].CID)
	require.Equal(t, uint16(2), sessions[0].Connections[1].CID)
	require.Len(t, driver.connectionList(), 2)
}

func TestAttachFailures(t *testing.T) {
	driver := newTestDriver(t, testEngineParams(), &recordingBackend{}, nil)
	conn := attach(t, driver, newPipeTransport(-1), 0x9, 1, testConnectionParams(1))
	tsih := conn.session.TSIH()

	_, err := driver.AttachConnection(newPipeTransport(-1), SessionParams{
		TargetName: "iqn.2018-01.com.example:none",
		Initiator:  testInitiatorName,
	}, testConnectionParams(1))
	require.IsType(t, &ErrTargetNotFound{}, err)

	_, err = driver.AttachConnection(newPipeTransport(-1), SessionParams{
		TargetName: testTargetName,
		Initiator:  testInitiatorName,
		ISID:       0x9,
		TSIH:       tsih + 1,
	}, testConnectionParams(2))
	require.IsType(t, &ErrSessionNotFound{}, err)
	require.Equal(t, loginStatusSessionNotFound, loginStatusFor(err))

	_, err = driver.AttachConnection(newPipeTransport(-1), SessionParams{
		TargetName: testTargetName,
		Initiator:  "iqn.1993-08.org.debian:01:intruder",
		ISID:       0x9,
		TSIH:       tsih,
	}, testConnectionParams(2))
	require.ErrorIs(t, err, ErrInitiatorDiffer)
	require.Len(t, driver.connectionList(), 1)
}

func TestAttachWhileStopping(t *testing.T) {
	driver := newDriver(testEngineParams(), &recordingBackend{}, nil)
	require.NoError(t, driver.Stop())
	_, err := driver.AttachConnection(newPipeTransport(-1), SessionParams{TargetName: testTargetName}, testConnectionParams(1))
	require.ErrorIs(t, err, ErrDriverStopping)
}

func TestSessionInfo(t *testing.T) {
	driver := newTestDriver(t, testEngineParams(), &recordingBackend{}, nil)
	attach(t, driver, newPipeTransport(-1), 0x9, 5, testConnectionParams(1))

	targets := driver.List()
	require.Len(t, targets, 1)
	require.Equal(t, testTargetName, targets[0].Name)
	session := targets[0].Sessions[0]
	require.Equal(t, uint16(1), session.TSIH)
	require.Equal(t, "0x000000000009", session.ISID)
	require.Equal(t, testInitiatorName, session.Initiator)
	require.Equal(t, uint32(5), session.ExpCmdSN)
	require.Zero(t, session.Pending)
	connection := session.Connections[0]
	require.Equal(t, "192.0.2.1:50000", connection.RemoteAddr)
	require.Equal(t, "192.0.2.2:3260", connection.LocalAddr)
	require.False(t, connection.Closing)
}

func TestTargetLifecycle(t *testing.T) {
	notifier := newCloseRecorder()
	driver := NewDriver(testEngineParams(), DefaultLoginSettings(), scsi.NewSCSITargetService(), notifier)
	driver.Start()
	t.Cleanup(func() { require.NoError(t, driver.Stop()) })

	require.NoError(t, driver.AddTarget(testTargetName))
	require.Error(t, driver.AddTarget(testTargetName))
	lun, err := driver.AddLun(testTargetName, "memory:1M")
	require.NoError(t, err)
	require.Equal(t, byte(0), lun)
	_, err = driver.AddLun("iqn.2018-01.com.example:none", "memory:1M")
	require.IsType(t, &ErrTargetNotFound{}, err)

	conn := attach(t, driver, newPipeTransport(-1), 0x9, 1, testConnectionParams(1))
	conn.start()
	require.IsType(t, &ErrTargetBusy{}, driver.DeleteTarget(testTargetName))

	require.NoError(t, driver.CloseConnection(conn.ID().String()))
	notifier.wait(t)
	_, err = driver.Clear(testTargetName)
	require.NoError(t, err)
	require.NoError(t, driver.DeleteTarget(testTargetName))
	require.Empty(t, driver.List())
	require.IsType(t, &ErrTargetNotFound{}, driver.DeleteTarget(testTargetName))
}
