// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "encoding/json"

const (
	TypeEmptyResponse = "EMPTY"
	TypeAttach        = "ATTACH"
	TypeDetachLun     = "DETACHLUN"
	TypeAddTarget     = "ADDTARGET"
	TypeDeleteTarget  = "DELETETARGET"
	TypeClearTarget   = "CLEARTARGET"
	TypeList          = "LIST"
	TypeSessions      = "SESSIONS"
)

type Request struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type AttachRequest struct {
	DiskPath   string `json:"disk_path"`
	TargetName string `json:"target_name"`
	// Size in bytes of the disk to create when DiskPath does not exist.
	Size      uint64 `json:"size,omitempty"`
	BlockSize uint32 `json:"block_size,omitempty"`
}

type DetachLunRequest struct {
	LunId      uint16 `json:"lun_id"`
	TargetName string `json:"target_name"`
}

type AddTargetRequest struct {
	TargetName string `json:"target_name"`
	Alias      string `json:"alias,omitempty"`
}

type DeleteTargetRequest struct {
	TargetName string `json:"target_name"`
}

type ClearTargetRequest struct {
	TargetName string `json:"target_name"`
}

func ParseRequest(data []byte) (*Request, error) {
	request := &Request{}
	err := json.Unmarshal(data, request)
	if err != nil {
		return nil, err
	}
	if request.Type == "" {
		return nil, ErrInconsistentRequestParameters{}
	}
	return request, nil
}
