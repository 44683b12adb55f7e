// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"bytes"
	"encoding/binary"
	"iscsitarget/pkg/scsi"
	"testing"

	"github.com/stretchr/testify/require"
)

// newScsiTestConnection logs a connection into a target with one 1 MiB
// memory LUN.
func newScsiTestConnection(t *testing.T, notifier Notifier) (*Driver, *Connection, *pipeTransport) {
	t.Helper()
	return newScsiConnectionWith(t, notifier, testConnectionParams(1))
}

func newScsiConnectionWith(t *testing.T, notifier Notifier, params ConnectionParams) (*Driver, *Connection, *pipeTransport) {
	t.Helper()
	driver := NewDriver(testEngineParams(), DefaultLoginSettings(), scsi.NewSCSITargetService(), notifier)
	require.NoError(t, driver.AddTarget(testTargetName))
	lun, err := driver.AddLun(testTargetName, "memory:1M")
	require.NoError(t, err)
	require.Equal(t, byte(0), lun)
	t.Cleanup(func() {
		driver.Start()
		require.NoError(t, driver.Stop())
	})
	driver.Start()
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()
	return driver, conn, transport
}

func readCommand(itt, cmdSN uint32, expected uint32, cdb []byte) testPDU {
	return testPDU{opcode: OpSCSICmd, flags: flagRead, itt: itt, ttt: expected, cmdSN: cmdSN, cdb: cdb}
}

func writeCommand(itt, cmdSN uint32, expected uint32, cdb []byte) testPDU {
	return testPDU{opcode: OpSCSICmd, flags: flagWrite, itt: itt, ttt: expected, cmdSN: cmdSN, cdb: cdb}
}

func rw10(opcode scsi.CommandType, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(opcode)
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return cdb
}

func waitSent(t *testing.T, transport *pipeTransport, length int) []byte {
	t.Helper()
	require.Eventually(t, func() bool { return transport.sentLen() >= length }, eventually, tick)
	sent := transport.sent()
	require.Len(t, sent, length)
	return sent
}

// checkConditionLength is a SCSI Response carrying fixed format sense data
// behind its two byte length.
const checkConditionLength = BasicHeaderSegmentSize + 2 + 18

func requireCheckCondition(t *testing.T, response []byte, itt uint32, key byte, asc scsi.AdditionalSenseCode) {
	t.Helper()
	require.Equal(t, byte(OpSCSIResp), response[0])
	require.Equal(t, itt, binary.BigEndian.Uint32(response[16:]))
	require.Equal(t, scsi.SamStatCheckCondition, response[3])
	sense := response[BasicHeaderSegmentSize+2:]
	require.Equal(t, key, sense[2])
	require.Equal(t, asc, scsi.AdditionalSenseCode(binary.BigEndian.Uint16(sense[12:14])))
}

func TestReadCapacityOverEngine(t *testing.T) {
	_, _, transport := newScsiTestConnection(t, nil)
	transport.feed(encodeAll(readCommand(0x10, 1, 8, []byte{byte(scsi.ReadCapacity10)})))

	sent := waitSent(t, transport, BasicHeaderSegmentSize+8)
	require.Equal(t, byte(OpSCSIIn), sent[0])
	require.Equal(t, flagFinal|dataInStatus, sent[1])
	require.Equal(t, scsi.SamStatGood, sent[3])
	require.Equal(t, uint32(0x10), binary.BigEndian.Uint32(sent[16:]))
	require.Equal(t, uint32(100), binary.BigEndian.Uint32(sent[24:]))
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(sent[36:]))
	require.Equal(t, []byte{0, 0, 0x07, 0xff, 0, 0, 0x02, 0x00}, sent[48:])
}

func TestWriteThenReadOverEngine(t *testing.T) {
	_, conn, transport := newScsiTestConnection(t, nil)
	block := bytes.Repeat([]byte("0123456789abcdef"), 32)
	transport.feed(encodeAll(writeCommand(0x20, 1, 512, rw10(scsi.Write10, 3, 1))))

	r2t := waitSent(t, transport, BasicHeaderSegmentSize)
	require.Equal(t, byte(OpReady), r2t[0])
	require.Equal(t, uint32(0x20), binary.BigEndian.Uint32(r2t[16:]))
	ttt := binary.BigEndian.Uint32(r2t[20:])
	require.NotEqual(t, ReservedTag, ttt)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(r2t[40:]))
	require.Equal(t, uint32(512), binary.BigEndian.Uint32(r2t[44:]))

	transport.feed(testPDU{opcode: OpSCSIOut, itt: 0x20, ttt: ttt, data: block}.encode(false, false))
	sent := waitSent(t, transport, 2*BasicHeaderSegmentSize)
	response := sent[BasicHeaderSegmentSize:]
	require.Equal(t, byte(OpSCSIResp), response[0])
	require.Equal(t, scsi.SamStatGood, response[3])
	require.Equal(t, uint32(100), binary.BigEndian.Uint32(response[24:]))

	transport.feed(encodeAll(readCommand(0x21, 2, 512, rw10(scsi.Read10, 3, 1))))
	sent = waitSent(t, transport, 3*BasicHeaderSegmentSize+512)
	dataIn := sent[2*BasicHeaderSegmentSize:]
	require.Equal(t, byte(OpSCSIIn), dataIn[0])
	require.Equal(t, uint32(101), binary.BigEndian.Uint32(dataIn[24:]))
	require.Equal(t, block, dataIn[BasicHeaderSegmentSize:])
	require.Equal(t, 0, len(conn.session.dataWait))
}

func TestDataInIsSplitAtMaxXmit(t *testing.T) {
	_, conn, transport := newScsiTestConnection(t, nil)
	conn.params.MaxXmitDataSegmentLength = 512
	transport.feed(encodeAll(readCommand(0x30, 1, 1024, rw10(scsi.Read10, 0, 2))))

	sent := waitSent(t, transport, 2*(BasicHeaderSegmentSize+512))
	first := sent[:BasicHeaderSegmentSize]
	second := sent[BasicHeaderSegmentSize+512 : 2*BasicHeaderSegmentSize+512]
	require.Equal(t, byte(0), first[1])
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(first[36:]))
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(first[40:]))
	require.Equal(t, flagFinal|dataInStatus, second[1])
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(second[36:]))
	require.Equal(t, uint32(512), binary.BigEndian.Uint32(second[40:]))
	// only the status carrying PDU takes a StatSN
	require.Equal(t, uint32(100), binary.BigEndian.Uint32(second[24:]))
}

func TestUnknownLunGetsCheckCondition(t *testing.T) {
	_, _, transport := newScsiTestConnection(t, nil)
	command := readCommand(0x40, 1, 8, []byte{byte(scsi.ReadCapacity10)})
	pdu := command.encode(false, false)
	pdu[9] = 5
	transport.feed(pdu)

	sent := waitSent(t, transport, checkConditionLength)
	requireCheckCondition(t, sent, 0x40, scsi.IllegalRequest, scsi.AscLunNotSupported)
	require.Equal(t, uint32(8), binary.BigEndian.Uint32(sent[44:]))
	require.NotZero(t, sent[1]&residualUnderflow)
}

func TestNopOutPing(t *testing.T) {
	_, _, transport := newScsiTestConnection(t, nil)
	transport.feed(encodeAll(nopOut(0x50, 1, "ping")))
	sent := waitSent(t, transport, BasicHeaderSegmentSize+4)
	require.Equal(t, byte(OpNoopIn), sent[0])
	require.Equal(t, uint32(0x50), binary.BigEndian.Uint32(sent[16:]))
	require.Equal(t, "ping", string(sent[48:]))
}

func TestUnsupportedOpcodeIsRejected(t *testing.T) {
	_, _, transport := newScsiTestConnection(t, nil)
	text := testPDU{opcode: OpTextReq, itt: 0x60, ttt: ReservedTag, cmdSN: 1}
	header := text.encode(false, false)
	transport.feed(header)
	sent := waitSent(t, transport, 2*BasicHeaderSegmentSize)
	require.Equal(t, byte(OpReject), sent[0])
	require.Equal(t, RejectCommandNotSupported, sent[2])
	require.Equal(t, header, sent[BasicHeaderSegmentSize:])
}

func TestAbortTaskWaitingForData(t *testing.T) {
	_, conn, transport := newScsiTestConnection(t, nil)
	transport.feed(encodeAll(writeCommand(0x70, 1, 512, rw10(scsi.Write10, 0, 1))))
	waitSent(t, transport, BasicHeaderSegmentSize)

	abort := testPDU{opcode: OpSCSITaskReq, immediate: true, flags: byte(TaskAbortTask), itt: 0x71, ttt: 0x70, cmdSN: 2}
	transport.feed(abort.encode(false, false))
	sent := waitSent(t, transport, 2*BasicHeaderSegmentSize)
	response := sent[BasicHeaderSegmentSize:]
	require.Equal(t, byte(OpSCSITaskResp), response[0])
	require.Equal(t, byte(TaskRspComplete), response[2])
	require.Equal(t, uint32(0x71), binary.BigEndian.Uint32(response[16:]))
	require.Eventually(t, func() bool { return !conn.isTMActive() }, eventually, tick)
	require.Empty(t, conn.session.dataWait)
}

func TestAbortUnknownTask(t *testing.T) {
	_, _, transport := newScsiTestConnection(t, nil)
	abort := testPDU{opcode: OpSCSITaskReq, immediate: true, flags: byte(TaskAbortTask), itt: 0x81, ttt: 0x99, cmdSN: 1}
	transport.feed(abort.encode(false, false))
	sent := waitSent(t, transport, BasicHeaderSegmentSize)
	require.Equal(t, byte(OpSCSITaskResp), sent[0])
	require.Equal(t, byte(TaskRspNoTask), sent[2])
}

func TestUnsupportedTaskFunction(t *testing.T) {
	_, _, transport := newScsiTestConnection(t, nil)
	reset := testPDU{opcode: OpSCSITaskReq, immediate: true, flags: byte(TaskLogicalUnitReset), itt: 0x82, ttt: ReservedTag, cmdSN: 1}
	transport.feed(reset.encode(false, false))
	sent := waitSent(t, transport, BasicHeaderSegmentSize)
	require.Equal(t, byte(TaskRspNotSupported), sent[2])
	require.Equal(t, "LOGICAL UNIT RESET", TaskLogicalUnitReset.String())
	require.Equal(t, "function 0x7f", TaskFunction(0x7f).String())
}

func TestLogoutClosesConnection(t *testing.T) {
	notifier := newCloseRecorder()
	driver, conn, transport := newScsiTestConnection(t, notifier)
	logout := testPDU{opcode: OpLogoutReq, immediate: true, itt: 0x90, ttt: ReservedTag, cmdSN: 1}
	transport.feed(logout.encode(false, false))

	closed := notifier.wait(t)
	require.Equal(t, uint16(1), closed.cid)
	sent := transport.sent()
	require.Len(t, sent, BasicHeaderSegmentSize)
	require.Equal(t, byte(OpLogoutResp), sent[0])
	require.Equal(t, LogoutClosedSuccessfully, sent[2])
	require.Equal(t, ShutdownRecv, transport.shutdownModes()[0])
	require.Empty(t, driver.List()[0].Sessions)
	require.False(t, conn.session.target.HasConnections())
}

func TestExpectedLengthBeyondTransferIsRejected(t *testing.T) {
	_, conn, transport := newScsiTestConnection(t, nil)
	transport.feed(encodeAll(readCommand(0xa0, 1, 0xffffffff, rw10(scsi.Read10, 0, 1))))
	sent := waitSent(t, transport, checkConditionLength)
	requireCheckCondition(t, sent, 0xa0, scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	require.Equal(t, uint32(0xffffffff), binary.BigEndian.Uint32(sent[44:]))

	// no R2T is sent for a write that could never fit the unit
	transport.feed(encodeAll(writeCommand(0xa1, 2, 1<<30, rw10(scsi.Write10, 0, 1))))
	sent = waitSent(t, transport, 2*checkConditionLength)
	requireCheckCondition(t, sent[checkConditionLength:], 0xa1, scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	require.Empty(t, conn.session.dataWait)

	transport.feed(encodeAll(nopOut(0xa2, 3, "")))
	sent = waitSent(t, transport, 2*checkConditionLength+BasicHeaderSegmentSize)
	require.Equal(t, byte(OpNoopIn), sent[2*checkConditionLength])
	require.False(t, conn.Closing())
}

func TestCorruptedImmediateDataFailsTheCommand(t *testing.T) {
	params := testConnectionParams(1)
	params.DataDigest = true
	_, conn, transport := newScsiConnectionWith(t, nil, params)
	payload := bytes.Repeat([]byte{0x5a}, 32*1024)
	write := writeCommand(0xb0, 1, uint32(len(payload)), rw10(scsi.Write10, 0, 64))
	write.data = payload
	corrupted := write.encode(false, true)
	corrupted[len(corrupted)-1] ^= 0xff
	transport.feed(corrupted)

	// sense data travels with its own data digest
	response := waitSent(t, transport, checkConditionLength+DigestSize)
	requireCheckCondition(t, response, 0xb0, scsi.AbortedCommand, scsi.AscProtocolServiceCRCError)
	require.False(t, conn.Closing())

	transport.feed(readCommand(0xb1, 2, 512, rw10(scsi.Read10, 0, 1)).encode(false, true))
	sent := waitSent(t, transport, len(response)+BasicHeaderSegmentSize+512+DigestSize)
	dataIn := sent[len(response):]
	require.Equal(t, byte(OpSCSIIn), dataIn[0])
	require.Equal(t, scsi.SamStatGood, dataIn[3])
	require.Equal(t, make([]byte, 512), dataIn[BasicHeaderSegmentSize:BasicHeaderSegmentSize+512])
}

func TestCorruptedDataOutFailsTheCommand(t *testing.T) {
	params := testConnectionParams(1)
	params.DataDigest = true
	_, conn, transport := newScsiConnectionWith(t, nil, params)
	transport.feed(writeCommand(0xc0, 1, 512, rw10(scsi.Write10, 2, 1)).encode(false, true))
	r2t := waitSent(t, transport, BasicHeaderSegmentSize)
	require.Equal(t, byte(OpReady), r2t[0])
	ttt := binary.BigEndian.Uint32(r2t[20:])

	dataOut := testPDU{opcode: OpSCSIOut, itt: 0xc0, ttt: ttt, data: bytes.Repeat([]byte{1}, 512)}
	corrupted := dataOut.encode(false, true)
	corrupted[len(corrupted)-1] ^= 0xff
	transport.feed(corrupted)

	sent := waitSent(t, transport, BasicHeaderSegmentSize+checkConditionLength+DigestSize)
	requireCheckCondition(t, sent[BasicHeaderSegmentSize:], 0xc0, scsi.AbortedCommand, scsi.AscProtocolServiceCRCError)
	require.Empty(t, conn.session.dataWait)
	require.False(t, conn.Closing())
}
