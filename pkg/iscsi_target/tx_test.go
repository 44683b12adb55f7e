// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransmitResumesAfterWouldBlock(t *testing.T) {
	backend := &recordingBackend{respond: true}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(10)
	conn := attach(t, driver, transport, 0x1, 1, testConnectionParams(1))
	conn.start()
	transport.feed(encodeAll(nopOut(7, 1, "thirteen byte")))

	require.Eventually(t, func() bool { return transport.sentLen() == 10 }, eventually, tick)
	require.Eventually(t, func() bool {
		transport.grant(7)
		return conn.pdusSent.Load() == 1
	}, eventually, tick)

	sent := transport.sent()
	require.Len(t, sent, BasicHeaderSegmentSize+16)
	require.Equal(t, byte(OpNoopIn), sent[0])
	require.Equal(t, flagFinal, sent[1])
	require.Equal(t, []byte{0, 0, 13}, sent[5:8])
	require.Equal(t, uint32(7), binary.BigEndian.Uint32(sent[16:]))
	require.Equal(t, ReservedTag, binary.BigEndian.Uint32(sent[20:]))
	require.Equal(t, uint32(100), binary.BigEndian.Uint32(sent[24:]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(sent[28:]))
	require.Equal(t, uint32(33), binary.BigEndian.Uint32(sent[32:]))
	require.Equal(t, "thirteen byte", string(sent[48:61]))
	require.Equal(t, []byte{0, 0, 0}, sent[61:64])
}

func TestTransmitAdvancesStatSN(t *testing.T) {
	backend := &recordingBackend{respond: true}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 1, testConnectionParams(1))
	conn.start()
	transport.feed(encodeAll(nopOut(1, 1, ""), nopOut(2, 2, "")))
	require.Eventually(t, func() bool { return conn.pdusSent.Load() == 2 }, eventually, tick)

	sent := transport.sent()
	require.Len(t, sent, 2*BasicHeaderSegmentSize)
	first, second := sent[:BasicHeaderSegmentSize], sent[BasicHeaderSegmentSize:]
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(first[16:]))
	require.Equal(t, uint32(100), binary.BigEndian.Uint32(first[24:]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(second[16:]))
	require.Equal(t, uint32(101), binary.BigEndian.Uint32(second[24:]))
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(second[28:]))
}

func TestTransmitAppendsDataDigest(t *testing.T) {
	backend := &recordingBackend{respond: true}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	params := testConnectionParams(1)
	params.DataDigest = true
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()
	transport.feed(nopOut(1, 1, "abcde").encode(false, true))
	require.Eventually(t, func() bool { return conn.pdusSent.Load() == 1 }, eventually, tick)

	sent := transport.sent()
	require.Len(t, sent, BasicHeaderSegmentSize+8+DigestSize)
	require.Equal(t, "abcde", string(sent[48:53]))
	expected := dataDigest([][]byte{[]byte("abcde")}, 3)
	require.Equal(t, expected, getDigest(sent[56:60]))
}

func TestTransmitHeaderDigest(t *testing.T) {
	backend := &recordingBackend{respond: true}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	params := testConnectionParams(1)
	params.HeaderDigest = true
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()
	transport.feed(nopOut(1, 1, "").encode(true, false))
	require.Eventually(t, func() bool { return conn.pdusSent.Load() == 1 }, eventually, tick)

	sent := transport.sent()
	require.Len(t, sent, BasicHeaderSegmentSize+DigestSize)
	require.Equal(t, headerDigest(sent[:BasicHeaderSegmentSize], nil), getDigest(sent[BasicHeaderSegmentSize:]))
}

// transmitEcho sends one NOP-In echo through a transport that first takes
// only budget bytes. A negative budget never blocks.
func transmitEcho(t *testing.T, budget int) []byte {
	t.Helper()
	backend := &recordingBackend{respond: true}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(budget)
	params := testConnectionParams(1)
	params.HeaderDigest = true
	params.DataDigest = true
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()
	transport.feed(nopOut(7, 1, "abcde").encode(true, true))
	if budget >= 0 {
		require.Eventually(t, func() bool { return transport.sentLen() == budget }, eventually, tick)
	}
	require.Eventually(t, func() bool {
		if budget >= 0 {
			transport.grant(BasicHeaderSegmentSize)
		}
		return conn.pdusSent.Load() == 1
	}, eventually, tick)
	return transport.sent()
}

func TestTransmitResumesAtEveryByte(t *testing.T) {
	whole := transmitEcho(t, -1)
	require.Len(t, whole, BasicHeaderSegmentSize+DigestSize+8+DigestSize)
	require.Equal(t, headerDigest(whole[:BasicHeaderSegmentSize], nil), getDigest(whole[BasicHeaderSegmentSize:]))
	require.Equal(t, "abcde\x00\x00\x00", string(whole[52:60]))
	require.Equal(t, dataDigest([][]byte{[]byte("abcde")}, 3), getDigest(whole[60:]))

	for budget := 1; budget < len(whole); budget++ {
		require.Equal(t, whole, transmitEcho(t, budget), "interrupted after %d bytes", budget)
	}
}
