// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

type Response struct {
	Type   string
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

type AttachResponse struct {
	LogicalUnitId uint16 `json:"lun_id"`
	Size          uint64 `json:"size"`
}

func (response AttachResponse) ToCmdlineOutput() string {
	return fmt.Sprintf(
		"Successfully attached %s disk at lun %d",
		humanize.IBytes(response.Size),
		response.LogicalUnitId,
	)
}

type DetachLunResponse struct {
	FilePath string `json:"file_path"`
}

func (response DetachLunResponse) ToCmdlineOutput() string {
	return fmt.Sprintf("After detaching the logical unit, freed disk '%s'", response.FilePath)
}

type ClearTargetResponse struct {
	FreedLogicalUnitPaths []string `json:"freed_logical_unit_paths"`
}

func (response ClearTargetResponse) ToCmdlineOutput() string {
	paths := make([]string, len(response.FreedLogicalUnitPaths))
	for index, value := range response.FreedLogicalUnitPaths {
		paths[index] = fmt.Sprintf("\t* %s", value)
	}
	return fmt.Sprintf(
		"While clearing target, freed disks:\n%s", strings.Join(paths, "\n"),
	)
}

type LunRepresentation struct {
	LogicalUnitId uint16 `json:"logical_unit_id"`
	FilePath      string `json:"file_path"`
	Size          uint64 `json:"size"`
}

type TargetRepresentation struct {
	TargetId       int                 `json:"target_id"`
	LogicalUnits   []LunRepresentation `json:"logical_units"`
	HasConnections bool                `json:"has_connections"`
	ITNexus        []string            `json:"it_nexuses"`
}

type ListResponse map[string]TargetRepresentation

func (response ListResponse) ToCmdlineOutput() string {
	names := make([]string, 0, len(response))
	for targetName := range response {
		names = append(names, targetName)
	}
	sort.Strings(names)
	result := "Listed targets: \n"
	for _, targetName := range names {
		targetRepresentation := response[targetName]
		result += fmt.Sprintf("  Target: %s\n", targetName)
		result += fmt.Sprintf("  Target ID: %d\n", targetRepresentation.TargetId)
		result += fmt.Sprintf("  Has connections: %t\n", targetRepresentation.HasConnections)
		result += "  Luns: \n"
		for _, lu := range targetRepresentation.LogicalUnits {
			result += fmt.Sprintf("    - Lun ID: %d\n", lu.LogicalUnitId)
			result += fmt.Sprintf("      Lun path: %s\n", lu.FilePath)
			result += fmt.Sprintf("      Lun size: %s\n", humanize.IBytes(lu.Size))
		}
		result += "  IT Nexuses: \n"
		for _, nexus := range targetRepresentation.ITNexus {
			result += fmt.Sprintf("    - IT Nexus: %s\n", nexus)
		}
	}
	return result
}

type SessionRepresentation struct {
	TSIH           uint16   `json:"tsih"`
	ISID           string   `json:"isid"`
	InitiatorName  string   `json:"initiator_name"`
	InitiatorAlias string   `json:"initiator_alias,omitempty"`
	TargetName     string   `json:"target_name,omitempty"`
	Type           string   `json:"type"`
	Portal         string   `json:"portal"`
	Connections    []string `json:"connections"`
	ExpCmdSN       uint32   `json:"exp_cmd_sn"`
	HeaderDigest   bool     `json:"header_digest"`
	DataDigest     bool     `json:"data_digest"`
}

type SessionsResponse []SessionRepresentation

func (response SessionsResponse) ToCmdlineOutput() string {
	if len(response) == 0 {
		return "No sessions"
	}
	result := "Sessions: \n"
	for _, session := range response {
		result += fmt.Sprintf("  - TSIH: 0x%04x ISID: %s\n", session.TSIH, session.ISID)
		result += fmt.Sprintf("    Initiator: %s\n", session.InitiatorName)
		if session.TargetName != "" {
			result += fmt.Sprintf("    Target: %s\n", session.TargetName)
		}
		result += fmt.Sprintf("    Type: %s\n", session.Type)
		result += fmt.Sprintf("    Portal: %s\n", session.Portal)
		result += fmt.Sprintf("    Connections: %s\n", strings.Join(session.Connections, ", "))
		result += fmt.Sprintf("    Digests: header %t, data %t\n", session.HeaderDigest, session.DataDigest)
	}
	return result
}
