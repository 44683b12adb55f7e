// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import "encoding/binary"

// logoutResponseBytes answers the logout that ends a discovery session.
// Time2Wait and Time2Retain stay zero, there is nothing to recover.
func (responder *loginResponder) logoutResponseBytes(req *loginPDU) []byte {
	header := make([]byte, BasicHeaderSegmentSize)
	header[0] = byte(OpLogoutResp)
	header[1] = flagFinal
	header[2] = LogoutClosedSuccessfully
	binary.BigEndian.PutUint32(header[16:20], req.itt())
	binary.BigEndian.PutUint32(header[24:28], responder.statSN)
	binary.BigEndian.PutUint32(header[28:32], responder.cmdSN)
	binary.BigEndian.PutUint32(header[32:36], responder.cmdSN+responder.driver.params.MaxQueueCommand-1)
	responder.statSN++
	return header
}
