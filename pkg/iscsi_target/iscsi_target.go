// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/scsi"
)

// iscsiTarget is a SCSI target as exposed through the iSCSI portal group.
type iscsiTarget struct {
	*scsi.Target
	Alias string
	TPG   *TargetPortGroup
}

func newISCSITarget(target *scsi.Target, alias string, tpg *TargetPortGroup) *iscsiTarget {
	return &iscsiTarget{
		Target: target,
		Alias:  alias,
		TPG:    tpg,
	}
}

// sendTargets renders the SendTargets record of the target: its name
// followed by one TargetAddress per portal.
func (target *iscsiTarget) sendTargets() negotiation.Pairs {
	pairs := negotiation.Pairs{{Key: negotiation.KeyTargetName, Value: target.Name}}
	for _, address := range target.TPG.Addresses() {
		pairs = append(pairs, negotiation.Pair{Key: negotiation.KeyTargetAddress, Value: address})
	}
	return pairs
}
