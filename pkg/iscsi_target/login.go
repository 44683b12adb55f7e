// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"encoding/binary"
	"fmt"
	"io"
	"iscsitarget/pkg/config"
	"iscsitarget/pkg/logger"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type iSCSILoginStage byte

const (
	SecurityNegotiation         iSCSILoginStage = 0
	LoginOperationalNegotiation iSCSILoginStage = 1
	FullFeaturePhase            iSCSILoginStage = 3
)

func (s iSCSILoginStage) String() string {
	switch s {
	case SecurityNegotiation:
		return "Security Negotiation"
	case LoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case FullFeaturePhase:
		return "Full Feature Phase"
	}
	return "Unknown Stage"
}

type sessionType int

const (
	SessionNormal sessionType = iota
	SessionDiscovery
)

// Login status class and detail, RFC 7143 11.13.5.
const (
	loginStatusSuccess           = uint16(0x0000)
	loginStatusInitiatorError    = uint16(0x0200)
	loginStatusAuthFailed        = uint16(0x0201)
	loginStatusTargetNotFound    = uint16(0x0203)
	loginStatusMissingParameter  = uint16(0x0207)
	loginStatusSessionNotFound   = uint16(0x020a)
	loginStatusInvalidRequest    = uint16(0x020b)
	loginStatusTargetError       = uint16(0x0300)
	loginStatusServiceUnavailble = uint16(0x0301)
	loginStatusOutOfResources    = uint16(0x0302)
)

const (
	loginTimeout           = 30 * time.Second
	maxLoginDataLength     = 64 * 1024
	targetPortalGroupTag   = 1
	defaultMaxRecvDataSize = 8192
)

// LoginSettings are the target side limits offered during login.
type LoginSettings struct {
	MaxRecvDataSegmentLength uint32
	MaxBurstLength           uint32
	// accepted digests, "None" and "CRC32C"
	HeaderDigests []string
	DataDigests   []string
	Keepalive     KeepaliveParams
}

func DefaultLoginSettings() LoginSettings {
	return LoginSettings{
		MaxRecvDataSegmentLength: 65536,
		MaxBurstLength:           262144,
		HeaderDigests:            []string{"None", "CRC32C"},
		DataDigests:              []string{"None", "CRC32C"},
		Keepalive:                KeepaliveParams{Period: time.Minute, Interval: 5 * time.Second, Count: 2},
	}
}

func LoginSettingsFromConfig(cfg *config.Config) LoginSettings {
	return LoginSettings{
		MaxRecvDataSegmentLength: cfg.ISCSI.MaxRecvDataSegmentLength,
		MaxBurstLength:           cfg.ISCSI.MaxBurstLength,
		HeaderDigests:            cfg.ISCSI.HeaderDigest,
		DataDigests:              cfg.ISCSI.DataDigest,
		Keepalive: KeepaliveParams{
			Period:   cfg.ISCSI.KeepalivePeriod.Duration,
			Interval: cfg.ISCSI.KeepaliveInterval.Duration,
			Count:    cfg.ISCSI.KeepaliveCount,
		},
	}
}

type sessionParamIndex int

const (
	paramMaxRecvDataSegmentLength sessionParamIndex = iota
	paramMaxXmitDataSegmentLength
	paramHeaderDigest
	paramDataDigest
	paramInitialR2T
	paramMaxOutstandingR2T
	paramImmediateData
	paramFirstBurstLength
	paramMaxBurstLength
	paramDataPDUInOrder
	paramDataSequenceInOrder
	paramErrorRecoveryLevel
	paramIFMarker
	paramOFMarker
	paramDefaultTime2Wait
	paramDefaultTime2Retain
	paramMaxConnections
	paramCount
)

// iscsiSessionKeys describes one negotiated key. Constant keys are always
// answered with def, the others take result(offered, local).
type iscsiSessionKeys struct {
	idx        sessionParamIndex
	constValue bool
	def        uint
	min        uint
	max        uint
	result     func(offered, local uint) uint
	conv       func(string) (uint, bool)
	inConv     func(uint) string
}

func minimum(offered, local uint) uint {
	if offered < local {
		return offered
	}
	return local
}

func maximum(offered, local uint) uint {
	if offered > local {
		return offered
	}
	return local
}

func numberKeyConv(value string) (uint, bool) {
	number, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(number), true
}

func numberKeyInConv(value uint) string {
	return strconv.FormatUint(uint64(value), 10)
}

func boolKeyConv(value string) (uint, bool) {
	switch value {
	case "Yes":
		return 1, true
	case "No":
		return 0, true
	}
	return 0, false
}

func boolKeyInConv(value uint) string {
	if value != 0 {
		return "Yes"
	}
	return "No"
}

func numberKey(idx sessionParamIndex, def, min, max uint, result func(uint, uint) uint) *iscsiSessionKeys {
	return &iscsiSessionKeys{
		idx: idx, def: def, min: min, max: max, result: result,
		conv: numberKeyConv, inConv: numberKeyInConv,
	}
}

func constNumberKey(idx sessionParamIndex, def uint) *iscsiSessionKeys {
	return &iscsiSessionKeys{
		idx: idx, constValue: true, def: def, max: 1<<32 - 1,
		conv: numberKeyConv, inConv: numberKeyInConv,
	}
}

func constBoolKey(idx sessionParamIndex, def uint) *iscsiSessionKeys {
	return &iscsiSessionKeys{
		idx: idx, constValue: true, def: def, max: 1,
		conv: boolKeyConv, inConv: boolKeyInConv,
	}
}

// sessionKeys are the operational keys this target negotiates. Recovery
// levels above zero and markers are not supported, so their keys are fixed.
var sessionKeys = map[string]*iscsiSessionKeys{
	"InitialR2T":          constBoolKey(paramInitialR2T, 1),
	"MaxOutstandingR2T":   constNumberKey(paramMaxOutstandingR2T, 1),
	"DataPDUInOrder":      constBoolKey(paramDataPDUInOrder, 1),
	"DataSequenceInOrder": constBoolKey(paramDataSequenceInOrder, 1),
	"ErrorRecoveryLevel":  constNumberKey(paramErrorRecoveryLevel, 0),
	"IFMarker":            constBoolKey(paramIFMarker, 0),
	"OFMarker":            constBoolKey(paramOFMarker, 0),
	"MaxConnections":      constNumberKey(paramMaxConnections, 1),
	"ImmediateData": {
		idx: paramImmediateData, def: 1, max: 1, result: minimum,
		conv: boolKeyConv, inConv: boolKeyInConv,
	},
	"FirstBurstLength":   numberKey(paramFirstBurstLength, 65536, 512, 16777215, minimum),
	"MaxBurstLength":     numberKey(paramMaxBurstLength, 262144, 512, 16777215, minimum),
	"DefaultTime2Wait":   numberKey(paramDefaultTime2Wait, 2, 0, 3600, maximum),
	"DefaultTime2Retain": numberKey(paramDefaultTime2Retain, 20, 0, 3600, minimum),
}

// ignoredKeys are accepted without an answer.
var ignoredKeys = []string{"InitiatorName", "InitiatorAlias", "TargetName", "SessionType", "AuthMethod"}

var errLoginRejected = errors.New("login rejected")

type loginPDU struct {
	header []byte
	data   []byte
}

func (pdu *loginPDU) opcode() OpCode {
	return OpCode(pdu.header[0] & 0x3f)
}

func (pdu *loginPDU) transit() bool {
	return pdu.header[1]&0x80 != 0
}

func (pdu *loginPDU) cont() bool {
	return pdu.header[1]&0x40 != 0
}

func (pdu *loginPDU) currentStage() iSCSILoginStage {
	return iSCSILoginStage(pdu.header[1]>>2) & 0x3
}

func (pdu *loginPDU) nextStage() iSCSILoginStage {
	return iSCSILoginStage(pdu.header[1]) & 0x3
}

func (pdu *loginPDU) isid() uint64 {
	return binary.BigEndian.Uint64(pdu.header[8:16]) >> 16
}

func (pdu *loginPDU) tsih() uint16 {
	return binary.BigEndian.Uint16(pdu.header[14:16])
}

func (pdu *loginPDU) itt() uint32 {
	return binary.BigEndian.Uint32(pdu.header[16:20])
}

func (pdu *loginPDU) cid() uint16 {
	return binary.BigEndian.Uint16(pdu.header[20:22])
}

func (pdu *loginPDU) cmdSN() uint32 {
	return binary.BigEndian.Uint32(pdu.header[24:28])
}

func (pdu *loginPDU) expStatSN() uint32 {
	return binary.BigEndian.Uint32(pdu.header[28:32])
}

// loginResponder runs the login phase of one TCP connection with blocking
// I/O, then hands the socket to the engine.
type loginResponder struct {
	driver     *Driver
	connection *net.TCPConn
	settings   LoginSettings

	initiator      string
	initiatorAlias string
	targetName     string
	sessionType    sessionType
	isid           uint64
	tsih           uint16
	cid            uint16
	cmdSN          uint32
	statSN         uint32
	started        bool
	currentStage   iSCSILoginStage
	declared       bool
	pendingText    []byte

	values       [paramCount]uint
	headerDigest bool
	dataDigest   bool
}

func newLoginResponder(driver *Driver, connection *net.TCPConn) *loginResponder {
	responder := &loginResponder{
		driver:     driver,
		connection: connection,
		settings:   driver.login,
	}
	for _, key := range sessionKeys {
		responder.values[key.idx] = key.def
	}
	responder.values[paramMaxRecvDataSegmentLength] = uint(responder.settings.MaxRecvDataSegmentLength)
	responder.values[paramMaxXmitDataSegmentLength] = defaultMaxRecvDataSize
	responder.values[paramMaxBurstLength] = uint(responder.settings.MaxBurstLength)
	if responder.values[paramFirstBurstLength] > responder.values[paramMaxBurstLength] {
		responder.values[paramFirstBurstLength] = responder.values[paramMaxBurstLength]
	}
	return responder
}

func (responder *loginResponder) run() {
	log := logger.GetLogger()
	handedOver, err := responder.login()
	if err != nil {
		log.Warnf("login from %s failed: %v", responder.connection.RemoteAddr(), err)
	}
	if handedOver {
		return
	}
	if err := responder.connection.Close(); err != nil {
		log.Debugf("closing %s: %v", responder.connection.RemoteAddr(), err)
	}
}

func (responder *loginResponder) readPDU() (*loginPDU, error) {
	if err := responder.connection.SetReadDeadline(time.Now().Add(loginTimeout)); err != nil {
		return nil, err
	}
	pdu := &loginPDU{header: make([]byte, BasicHeaderSegmentSize)}
	if _, err := io.ReadFull(responder.connection, pdu.header); err != nil {
		return nil, err
	}
	ahsLength := int(pdu.header[4]) * 4
	dataLength := int(binary.BigEndian.Uint32(pdu.header[4:8]) & 0xffffff)
	if dataLength > maxLoginDataLength {
		return nil, fmt.Errorf("%d bytes of login data", dataLength)
	}
	if ahsLength > 0 {
		if _, err := io.CopyN(io.Discard, responder.connection, int64(ahsLength)); err != nil {
			return nil, err
		}
	}
	pdu.data = make([]byte, dataLength+pad4(dataLength))
	if _, err := io.ReadFull(responder.connection, pdu.data); err != nil {
		return nil, err
	}
	pdu.data = pdu.data[:dataLength]
	return pdu, nil
}

func (responder *loginResponder) writePDU(header []byte, data []byte) error {
	if err := responder.connection.SetWriteDeadline(time.Now().Add(loginTimeout)); err != nil {
		return err
	}
	header[4] = 0
	header[5] = byte(len(data) >> 16)
	header[6] = byte(len(data) >> 8)
	header[7] = byte(len(data))
	buffers := net.Buffers{header, data, zeroPadding[:pad4(len(data))]}
	_, err := buffers.WriteTo(responder.connection)
	return err
}

// loginResponseBytes lays out a login response header.
func (responder *loginResponder) loginResponseBytes(req *loginPDU, transit bool, nextStage iSCSILoginStage, status uint16) []byte {
	header := make([]byte, BasicHeaderSegmentSize)
	header[0] = byte(OpLoginResp)
	if transit {
		header[1] |= 0x80
		header[1] |= byte(nextStage)
	}
	header[1] |= byte(req.currentStage()) << 2
	binary.BigEndian.PutUint64(header[8:16], responder.isid<<16|uint64(responder.tsih))
	binary.BigEndian.PutUint32(header[16:20], req.itt())
	binary.BigEndian.PutUint32(header[24:28], responder.statSN)
	binary.BigEndian.PutUint32(header[28:32], responder.cmdSN)
	binary.BigEndian.PutUint32(header[32:36], responder.cmdSN+responder.driver.params.MaxQueueCommand-1)
	binary.BigEndian.PutUint16(header[36:38], status)
	return header
}

func (responder *loginResponder) reject(req *loginPDU, status uint16, reason error) error {
	header := responder.loginResponseBytes(req, false, 0, status)
	if err := responder.writePDU(header, nil); err != nil {
		return errors.Wrapf(err, "sending login reject 0x%04x", status)
	}
	return errors.Wrapf(errLoginRejected, "status 0x%04x: %v", status, reason)
}

// login returns true once the socket belongs to the engine.
func (responder *loginResponder) login() (bool, error) {
	for {
		req, err := responder.readPDU()
		if err != nil {
			return false, err
		}
		if req.opcode() != OpLoginReq {
			return false, responder.reject(req, loginStatusInvalidRequest,
				fmt.Errorf("%s during login", req.opcode()))
		}
		if !responder.started {
			responder.started = true
			responder.isid = req.isid()
			responder.tsih = req.tsih()
			responder.cid = req.cid()
			responder.cmdSN = req.cmdSN()
			responder.statSN = req.expStatSN()
			responder.currentStage = req.currentStage()
		}
		if req.cont() {
			responder.pendingText = append(responder.pendingText, req.data...)
			header := responder.loginResponseBytes(req, false, 0, loginStatusSuccess)
			if err := responder.writePDU(header, nil); err != nil {
				return false, err
			}
			continue
		}
		text := append(responder.pendingText, req.data...)
		responder.pendingText = nil

		answer, status, err := responder.negotiate(req, ParseIscsiKeyValue(text))
		if err != nil {
			return false, responder.reject(req, status, err)
		}
		transit := req.transit()
		nextStage := req.nextStage()
		if transit && nextStage == FullFeaturePhase {
			return responder.enterFullFeaturePhase(req, answer)
		}
		header := responder.loginResponseBytes(req, transit, nextStage, loginStatusSuccess)
		if err := responder.writePDU(header, UnparseIscsiKeyValue(answer)); err != nil {
			return false, err
		}
		responder.statSN += 1
		if transit {
			responder.currentStage = nextStage
		}
	}
}

// negotiate answers the keys of one login request.
func (responder *loginResponder) negotiate(req *loginPDU, keys map[string]string) (*KeyValueList, uint16, error) {
	answer := newKeyValueList()
	if name, ok := keys["InitiatorName"]; ok {
		responder.initiator = name
	}
	if alias, ok := keys["InitiatorAlias"]; ok {
		responder.initiatorAlias = alias
	}
	if name, ok := keys["TargetName"]; ok {
		responder.targetName = name
	}
	if kind, ok := keys["SessionType"]; ok {
		switch kind {
		case "Normal":
			responder.sessionType = SessionNormal
		case "Discovery":
			responder.sessionType = SessionDiscovery
		default:
			return nil, loginStatusInitiatorError, fmt.Errorf("unknown session type '%s'", kind)
		}
	}
	if responder.initiator == "" {
		return nil, loginStatusMissingParameter, fmt.Errorf("InitiatorName is missing")
	}
	if responder.sessionType == SessionNormal {
		if responder.targetName == "" {
			return nil, loginStatusMissingParameter, fmt.Errorf("TargetName is missing")
		}
		if _, err := responder.driver.target(responder.targetName); err != nil {
			return nil, loginStatusTargetNotFound, err
		}
	}

	switch req.currentStage() {
	case SecurityNegotiation:
		if methods, ok := keys["AuthMethod"]; ok {
			if !stringArrayContains(strings.Split(methods, ","), "None") {
				return nil, loginStatusAuthFailed, fmt.Errorf("initiator requires AuthMethod %s", methods)
			}
			answer.add("AuthMethod", "None")
		}
		responder.declare(answer)
	case LoginOperationalNegotiation:
		for key, value := range keys {
			responder.negotiateKey(answer, key, value)
		}
		responder.declare(answer)
	default:
		return nil, loginStatusInitiatorError, fmt.Errorf("login request in stage %s", req.currentStage())
	}
	return answer, loginStatusSuccess, nil
}

// declare adds the target's own declarative keys once.
func (responder *loginResponder) declare(answer *KeyValueList) {
	if responder.declared {
		return
	}
	responder.declared = true
	answer.add("TargetPortalGroupTag", strconv.Itoa(targetPortalGroupTag))
	if responder.sessionType == SessionNormal {
		answer.add("MaxRecvDataSegmentLength",
			numberKeyInConv(responder.values[paramMaxRecvDataSegmentLength]))
	}
}

func (responder *loginResponder) negotiateKey(answer *KeyValueList, key, value string) {
	switch key {
	case "MaxRecvDataSegmentLength":
		// the MaxRecvDataSegmentLength of the initiator is the
		// MaxXmitDataSegmentLength of the target
		if length, ok := numberKeyConv(value); ok && length >= 512 {
			responder.values[paramMaxXmitDataSegmentLength] = length
		}
		return
	case "HeaderDigest":
		selected := selectDigest(value, responder.settings.HeaderDigests)
		responder.headerDigest = selected == "CRC32C"
		answer.add(key, selected)
		return
	case "DataDigest":
		selected := selectDigest(value, responder.settings.DataDigests)
		responder.dataDigest = selected == "CRC32C"
		answer.add(key, selected)
		return
	}
	if stringArrayContains(ignoredKeys, key) {
		return
	}
	sessionKey, ok := sessionKeys[key]
	if !ok {
		answer.add(key, "NotUnderstood")
		return
	}
	offered, ok := sessionKey.conv(value)
	if !ok || offered < sessionKey.min || offered > sessionKey.max {
		answer.add(key, "Reject")
		return
	}
	if sessionKey.constValue {
		answer.add(key, sessionKey.inConv(sessionKey.def))
		return
	}
	result := sessionKey.result(offered, responder.values[sessionKey.idx])
	responder.values[sessionKey.idx] = result
	answer.add(key, sessionKey.inConv(result))
}

// selectDigest picks the first digest of the initiator's list the target
// accepts.
func selectDigest(offer string, accepted []string) string {
	for _, candidate := range strings.Split(offer, ",") {
		for _, digest := range accepted {
			if strings.EqualFold(candidate, digest) {
				return digest
			}
		}
	}
	return "Reject"
}

func (responder *loginResponder) connectionParams() ConnectionParams {
	firstBurst := responder.values[paramFirstBurstLength]
	if firstBurst > responder.values[paramMaxBurstLength] {
		firstBurst = responder.values[paramMaxBurstLength]
	}
	return ConnectionParams{
		CID:                      responder.cid,
		HeaderDigest:             responder.headerDigest,
		DataDigest:               responder.dataDigest,
		MaxRecvDataSegmentLength: uint32(responder.values[paramMaxRecvDataSegmentLength]),
		MaxXmitDataSegmentLength: uint32(responder.values[paramMaxXmitDataSegmentLength]),
		MaxBurstLength:           uint32(responder.values[paramMaxBurstLength]),
		FirstBurstLength:         uint32(firstBurst),
		InitialR2T:               responder.values[paramInitialR2T] != 0,
		ImmediateData:            responder.values[paramImmediateData] != 0,
		StatSN:                   responder.statSN + 1,
	}
}

func (responder *loginResponder) sessionParams() SessionParams {
	return SessionParams{
		TargetName:     responder.targetName,
		Initiator:      responder.initiator,
		InitiatorAlias: responder.initiatorAlias,
		ISID:           responder.isid,
		TSIH:           responder.tsih,
		CmdSN:          responder.cmdSN,
	}
}

func loginStatusFor(err error) uint16 {
	switch errors.Cause(err).(type) {
	case *ErrSessionNotFound:
		return loginStatusSessionNotFound
	case *ErrTargetNotFound:
		return loginStatusTargetNotFound
	}
	switch errors.Cause(err) {
	case ErrNoFreeTSIH:
		return loginStatusOutOfResources
	case ErrDriverStopping:
		return loginStatusServiceUnavailble
	case ErrInitiatorDiffer:
		return loginStatusInitiatorError
	}
	return loginStatusTargetError
}

func (responder *loginResponder) enterFullFeaturePhase(req *loginPDU, answer *KeyValueList) (bool, error) {
	if responder.sessionType == SessionDiscovery {
		tsih := responder.driver.AllocTSIH()
		if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler {
			return false, responder.reject(req, loginStatusOutOfResources, ErrNoFreeTSIH)
		}
		defer responder.driver.ReleaseTSIH(tsih)
		responder.tsih = tsih
		header := responder.loginResponseBytes(req, true, FullFeaturePhase, loginStatusSuccess)
		if err := responder.writePDU(header, UnparseIscsiKeyValue(answer)); err != nil {
			return false, err
		}
		responder.statSN += 1
		return false, responder.discovery()
	}

	if err := responder.connection.SetDeadline(time.Time{}); err != nil {
		return false, err
	}
	transport, err := newTCPTransport(responder.connection)
	if err != nil {
		return false, responder.reject(req, loginStatusTargetError, err)
	}
	conn, err := responder.driver.AttachConnection(transport, responder.sessionParams(), responder.connectionParams())
	if err != nil {
		_ = responder.reject(req, loginStatusFor(err), err)
		_ = transport.Close()
		return true, err
	}
	responder.tsih = conn.session.tsih
	header := responder.loginResponseBytes(req, true, FullFeaturePhase, loginStatusSuccess)
	writeErr := responder.writePDU(header, UnparseIscsiKeyValue(answer))
	if writeErr == nil {
		writeErr = responder.connection.SetDeadline(time.Time{})
	}
	if writeErr != nil {
		conn.Close(false)
	}
	conn.start()
	logger.GetLogger().Infof("%s logged into %s from %s, connection %s (cid %d)",
		responder.initiator, responder.targetName, conn.RemoteAddr(), conn.id, conn.cid)
	return true, errors.Wrap(writeErr, "sending final login response")
}

// discovery serves text requests of a discovery session until logout.
func (responder *loginResponder) discovery() error {
	for {
		req, err := responder.readPDU()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		responder.cmdSN = binary.BigEndian.Uint32(req.header[24:28])
		if req.header[0]&0x40 == 0 {
			responder.cmdSN += 1
		}
		switch req.opcode() {
		case OpTextReq:
			data := UnparseIscsiKeyValue(responder.sendTargets(ParseIscsiKeyValue(req.data)))
			if err := responder.writePDU(responder.statusHeader(req, OpTextResp, 0x80), data); err != nil {
				return err
			}
		case OpLogoutReq:
			return responder.writePDU(responder.logoutResponseBytes(req), nil)
		case OpNoopOut:
			if binary.BigEndian.Uint32(req.header[16:20]) == ReservedTag {
				continue
			}
			if err := responder.writePDU(responder.statusHeader(req, OpNoopIn, 0x80), req.data); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s in a discovery session", req.opcode())
		}
	}
}

func (responder *loginResponder) statusHeader(req *loginPDU, opcode OpCode, flags byte) []byte {
	header := make([]byte, BasicHeaderSegmentSize)
	header[0] = byte(opcode)
	header[1] = flags
	binary.BigEndian.PutUint32(header[16:20], req.itt())
	if opcode == OpTextResp || opcode == OpNoopIn {
		binary.BigEndian.PutUint32(header[20:24], ReservedTag)
	}
	binary.BigEndian.PutUint32(header[24:28], responder.statSN)
	binary.BigEndian.PutUint32(header[28:32], responder.cmdSN)
	binary.BigEndian.PutUint32(header[32:36], responder.cmdSN+responder.driver.params.MaxQueueCommand-1)
	responder.statSN += 1
	return header
}

// sendTargets lists targets and their portals for SendTargets=All or a
// single named target.
func (responder *loginResponder) sendTargets(keys map[string]string) *KeyValueList {
	log := logger.GetLogger()
	result := newKeyValueList()
	request, ok := keys["SendTargets"]
	if !ok {
		return result
	}
	portals, err := expandPortals(responder.driver.advertisedPortals())
	if err != nil {
		log.Warnf("expanding portals: %v", err)
	}
	if len(portals) == 0 {
		portals = []string{responder.connection.LocalAddr().String()}
	}
	for _, target := range responder.driver.targetList() {
		if request != "All" && request != target.Name {
			continue
		}
		log.Debugf("iscsi target: %v", target.Name)
		result.add("TargetName", target.Name)
		for _, portal := range portals {
			result.add("TargetAddress", fmt.Sprintf("%s,%d", portal, targetPortalGroupTag))
		}
	}
	return result
}
