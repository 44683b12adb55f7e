// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"iscsitarget/pkg/iscsi_target"
	"strings"
	"time"
)

type Response struct {
	Type   string          `json:"type"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

type AttachResponse struct {
	LogicalUnitId byte `json:"lun_id"`
}

func (response AttachResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("Successfully attached logical unit %d", response.LogicalUnitId)
}

type DetachLunResponse struct {
	Backing string `json:"backing"`
}

func (response DetachLunResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("Detached logical unit backed by '%s'", response.Backing)
}

type ClearTargetResponse struct {
	FreedBackings []string `json:"freed_backings"`
}

func (response ClearTargetResponse) ToCmdlineOutput() string {
	backings := make([]string, len(response.FreedBackings))
	for index, value := range response.FreedBackings {
		backings[index] = fmt.Sprintf("\t* %s", value)
	}
	return fmt.Sprintf(
		"While clearing target, detached:\n%s", strings.Join(backings, "\n"),
	)
}

type ListResponse []iscsi_target.TargetInfo

func (response ListResponse) ToCmdlineOutput() string {
	var builder strings.Builder
	builder.WriteString("Listed targets:\n")
	for _, target := range response {
		fmt.Fprintf(&builder, "  Target: %s\n", target.Name)
		fmt.Fprintf(&builder, "  Target ID: %d\n", target.Tid)
		builder.WriteString("  Luns:\n")
		for _, lun := range target.Luns {
			fmt.Fprintf(&builder, "    - Lun ID: %d\n", lun.Lun)
			fmt.Fprintf(&builder, "      Backing: %s (%d bytes)\n", lun.Backing, lun.Size)
		}
		builder.WriteString("  Sessions:\n")
		for _, session := range target.Sessions {
			fmt.Fprintf(&builder, "    - TSIH: %d ISID: %s\n", session.TSIH, session.ISID)
			fmt.Fprintf(&builder, "      Initiator: %s\n", session.Initiator)
			fmt.Fprintf(&builder, "      ExpCmdSN: %d, pending: %d\n", session.ExpCmdSN, session.Pending)
			for _, connection := range session.Connections {
				fmt.Fprintf(&builder, "      * Connection %s (cid %d) from %s, up %s\n",
					connection.ID, connection.CID, connection.RemoteAddr, connection.ConnectedTime)
				fmt.Fprintf(&builder, "        digests header=%t data=%t, pdus in=%d out=%d",
					connection.HeaderDigest, connection.DataDigest,
					connection.PdusReceived, connection.PdusSent)
				if connection.Closing {
					builder.WriteString(", closing")
				}
				builder.WriteString("\n")
			}
		}
	}
	return builder.String()
}

// ConnectionClosedEvent is sent to watchers once a connection has left the
// engine.
type ConnectionClosedEvent struct {
	TargetId  int       `json:"tid"`
	SessionId uint64    `json:"sid"`
	CID       uint16    `json:"cid"`
	Time      time.Time `json:"time"`
}

func (event ConnectionClosedEvent) ToCmdlineOutput() string {
	return fmt.Sprintf(
		"%s connection closed: tid %d sid 0x%x cid %d",
		event.Time.Format(time.RFC3339), event.TargetId, event.SessionId, event.CID,
	)
}
