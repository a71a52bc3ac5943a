// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package initiator

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"iscsikit/pkg/pdu"
	"iscsikit/pkg/scsi"
	"iscsikit/pkg/serial"
)

// SCSIError is a command that finished with a status other than GOOD.
type SCSIError struct {
	Status byte
	// Sense is the parsed sense data, nil if the target sent none.
	Sense *scsi.CommandError
}

func (err *SCSIError) Error() string {
	if err.Sense != nil {
		return fmt.Sprintf("scsi status %s: %v", scsi.StatusName(err.Status), err.Sense)
	}
	return "scsi status " + scsi.StatusName(err.Status)
}

type InquiryData struct {
	DeviceType scsi.DeviceType
	Vendor     string
	Product    string
	Revision   string
}

type Capacity struct {
	// LastLBA is the address of the last block.
	LastLBA   uint64
	BlockSize uint32
}

func (capacity Capacity) Bytes() uint64 {
	return (capacity.LastLBA + 1) * uint64(capacity.BlockSize)
}

// commandRequest describes one SCSI command and its buffers.
type commandRequest struct {
	lun      uint16
	cdb      []byte
	readLen  uint32
	dataOut  []byte
	received []byte
	residual uint32
}

// execute runs a SCSI command through its data phases and returns the
// bytes read.
func (session *Session) execute(ctx context.Context, request *commandRequest) ([]byte, error) {
	parameters := session.parameters
	lun := scsi.EncodeLUN(request.lun)
	command := &pdu.SCSICommand{
		Final:     true,
		Attribute: pdu.TaskSimple,
		LUN:       lun,
	}
	copy(command.CDB[:], request.cdb)
	tag := session.nextTag()
	header := pdu.NewPDU(command, tag)

	var follow []*pdu.PDU
	if request.dataOut != nil {
		command.Write = true
		command.ExpectedDataTransferLength = uint32(len(request.dataOut))
		firstBurst := int(parameters.FirstBurstLength)
		if parameters.ImmediateData {
			immediate := min(len(request.dataOut), firstBurst, int(parameters.MaxXmitDataSegmentLength))
			header.Data = request.dataOut[:immediate]
		}
		if !parameters.InitialR2T && len(header.Data) < min(len(request.dataOut), firstBurst) {
			command.Final = false
			follow = session.dataOutSequence(lun, tag, pdu.ReservedTag, request.dataOut, uint32(len(header.Data)), uint32(min(len(request.dataOut), firstBurst)-len(header.Data)))
		}
	} else if request.readLen > 0 {
		command.Read = true
		command.ExpectedDataTransferLength = request.readLen
		request.received = make([]byte, request.readLen)
	}

	received := uint32(0)
	err := session.exchange(ctx, header, follow, func(reply *pdu.PDU) (bool, error) {
		switch message := reply.Message.(type) {
		case *pdu.ReadyToTransfer:
			offset, length := message.BufferOffset, message.DesiredDataTransferLength
			if uint64(offset)+uint64(length) > uint64(len(request.dataOut)) {
				return false, fmt.Errorf("R2T for %d bytes at offset %d exceeds the %d byte transfer", length, offset, len(request.dataOut))
			}
			for _, dataOut := range session.dataOutSequence(lun, tag, message.TargetTransferTag, request.dataOut, offset, length) {
				if err := session.send(ctx, dataOut); err != nil {
					return false, err
				}
			}
			return false, nil
		case *pdu.DataIn:
			end := uint64(message.BufferOffset) + uint64(len(reply.Data))
			if end > uint64(len(request.received)) {
				return false, fmt.Errorf("Data-In at offset %d overruns the %d byte buffer", message.BufferOffset, len(request.received))
			}
			copy(request.received[message.BufferOffset:], reply.Data)
			if uint32(end) > received {
				received = uint32(end)
			}
			if !message.HasStatus {
				return false, nil
			}
			request.residual = message.ResidualCount
			return true, statusError(message.Status, nil)
		case *pdu.SCSIResponse:
			if message.Response != pdu.CommandCompletedAtTarget {
				return false, fmt.Errorf("target failure 0x%02x", message.Response)
			}
			request.residual = message.ResidualCount
			return true, statusError(message.Status, reply.Data)
		}
		return false, fmt.Errorf("unexpected %s for a SCSI command", reply.Opcode())
	})
	if err != nil {
		return nil, err
	}
	if request.received == nil {
		return nil, nil
	}
	return request.received[:received], nil
}

func statusError(status byte, segment []byte) error {
	if status == scsi.StatusGood {
		return nil
	}
	failure := &SCSIError{Status: status}
	if sense, err := pdu.ParseSenseSegment(segment); err == nil && len(sense) > 0 {
		failure.Sense, _ = scsi.ParseFixedSense(sense)
	}
	return failure
}

// dataOutSequence cuts length bytes of data at offset into one Data-Out
// sequence.
func (session *Session) dataOutSequence(lun uint64, tag, transferTag uint32, data []byte, offset, length uint32) []*pdu.PDU {
	chunks := pdu.Split(data[offset:offset+length], int(session.parameters.MaxXmitDataSegmentLength))
	sequence := make([]*pdu.PDU, 0, len(chunks))
	for dataSN, chunk := range chunks {
		header := pdu.NewPDU(&pdu.DataOut{
			Final:             dataSN == len(chunks)-1,
			LUN:               lun,
			TargetTransferTag: transferTag,
			DataSN:            serial.Number(dataSN),
			BufferOffset:      offset,
		}, tag)
		header.Data = chunk
		sequence = append(sequence, header)
		offset += uint32(len(chunk))
	}
	return sequence
}

func (session *Session) Inquiry(ctx context.Context, lun uint16) (InquiryData, error) {
	data, err := session.execute(ctx, &commandRequest{lun: lun, cdb: scsi.InquiryCDB(false, 0, 96), readLen: 96})
	if err != nil {
		return InquiryData{}, err
	}
	if len(data) < 36 {
		return InquiryData{}, fmt.Errorf("short INQUIRY data: %d bytes", len(data))
	}
	return InquiryData{
		DeviceType: scsi.DeviceType(data[0] & 0x1f),
		Vendor:     strings.TrimSpace(string(data[8:16])),
		Product:    strings.TrimSpace(string(data[16:32])),
		Revision:   strings.TrimSpace(string(data[32:36])),
	}, nil
}

// ReadCapacity asks READ CAPACITY(10) and falls back to the 16 byte form
// for units with more than 2^32 blocks.
func (session *Session) ReadCapacity(ctx context.Context, lun uint16) (Capacity, error) {
	data, err := session.execute(ctx, &commandRequest{lun: lun, cdb: scsi.ReadCapacity10CDB(), readLen: 8})
	if err != nil {
		return Capacity{}, err
	}
	if len(data) < 8 {
		return Capacity{}, fmt.Errorf("short READ CAPACITY data: %d bytes", len(data))
	}
	capacity := Capacity{
		LastLBA:   uint64(binary.BigEndian.Uint32(data[0:4])),
		BlockSize: binary.BigEndian.Uint32(data[4:8]),
	}
	if capacity.LastLBA != 0xffffffff {
		return capacity, nil
	}
	data, err = session.execute(ctx, &commandRequest{lun: lun, cdb: scsi.ReadCapacity16CDB(32), readLen: 32})
	if err != nil {
		return Capacity{}, err
	}
	if len(data) < 12 {
		return Capacity{}, fmt.Errorf("short READ CAPACITY(16) data: %d bytes", len(data))
	}
	return Capacity{
		LastLBA:   binary.BigEndian.Uint64(data[0:8]),
		BlockSize: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// Read reads blocks starting at lba.
func (session *Session) Read(ctx context.Context, lun uint16, lba uint64, blocks uint32, blockSize uint32) ([]byte, error) {
	length := uint64(blocks) * uint64(blockSize)
	if length > 0xffffffff {
		return nil, fmt.Errorf("read of %d bytes is too large", length)
	}
	request := &commandRequest{lun: lun, cdb: scsi.Read16CDB(lba, blocks), readLen: uint32(length)}
	data, err := session.execute(ctx, request)
	if err != nil {
		return nil, err
	}
	if request.residual != 0 {
		return data, fmt.Errorf("read returned %d bytes less than requested", request.residual)
	}
	return data, nil
}

// Write writes data, a whole number of blocks, starting at lba.
func (session *Session) Write(ctx context.Context, lun uint16, lba uint64, blockSize uint32, data []byte) error {
	if blockSize == 0 || len(data)%int(blockSize) != 0 {
		return fmt.Errorf("%d bytes is not a multiple of the %d byte block", len(data), blockSize)
	}
	if len(data) == 0 {
		return nil
	}
	blocks := uint32(len(data) / int(blockSize))
	_, err := session.execute(ctx, &commandRequest{lun: lun, cdb: scsi.Write16CDB(lba, blocks), dataOut: data})
	return err
}

func (session *Session) TestUnitReady(ctx context.Context, lun uint16) error {
	_, err := session.execute(ctx, &commandRequest{lun: lun, cdb: scsi.TestUnitReadyCDB()})
	return err
}

func (session *Session) SynchronizeCache(ctx context.Context, lun uint16) error {
	_, err := session.execute(ctx, &commandRequest{lun: lun, cdb: scsi.SynchronizeCache10CDB()})
	return err
}

// ReportLuns lists the logical unit numbers of the target.
func (session *Session) ReportLuns(ctx context.Context) ([]uint16, error) {
	const allocation = 8 + 8*256
	data, err := session.execute(ctx, &commandRequest{cdb: scsi.ReportLunsCDB(allocation), readLen: allocation})
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("short REPORT LUNS data: %d bytes", len(data))
	}
	listLength := int(binary.BigEndian.Uint32(data[0:4]))
	var luns []uint16
	for offset := 8; offset+8 <= len(data) && offset < 8+listLength; offset += 8 {
		luns = append(luns, scsi.DecodeLUN(binary.BigEndian.Uint64(data[offset:offset+8])))
	}
	return luns, nil
}
