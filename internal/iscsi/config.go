// Package iscsi implements the iSCSI target: the PDU state machine,
// login/text parameter negotiation, command sequencing, the
// immediate-data/R2T data-transfer path, and task management, sitting on
// top of internal/scsi's command layer.
package iscsi

import "strings"

// Session/queue sizing, driving pool capacity and the default negotiated
// parameter values.
const (
	ConfigTargetMaxSessions  = 256
	ConfigTargetMaxQueue     = 64
	ConfigTargetMaxImmediate = 262144
	ConfigDiskMaxBurst       = 262144
)

// ListenPort is the fixed, RFC-3720-conventional iSCSI port (§4.E, §6).
const ListenPort = 3260

// TargetPortalGroupTag is fixed at 1; this target never runs more than
// one portal group.
const TargetPortalGroupTag = 1

// TargetIQN builds the target's own IQN from the cluster name:
// "iqn.2004-05.com.seanodes:exanodes-<cluster>" with underscores replaced
// by dashes, since underscores are not valid in an IQN.
func TargetIQN(clusterName string) string {
	return "iqn.2004-05.com.seanodes:exanodes-" + strings.ReplaceAll(clusterName, "_", "-")
}
