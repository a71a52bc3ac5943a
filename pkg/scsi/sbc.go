// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// Package scsi block command processing
package scsi

import (
	"encoding/binary"

	"iscsikit/pkg/logger"
	"iscsikit/pkg/metrics"
)

const (
	protectBitMask         = byte(0xe0)
	forceUnitAccessBitMask = byte(0x08)
)

// formatUnit implements FORMAT UNIT, SBC-2 5.2. Only the plain form
// without a parameter list is accepted; the medium is left as is.
func formatUnit(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	if err := unit.reserve(command.NexusID); err != nil {
		return nil, err
	}
	if !unit.Attrs.Online {
		return nil, checkCondition(NotReady, AscMediumNotPresent)
	}
	// FMTPINFO, FMTDATA and the defect list format
	if command.CDB[1]&(0x80|0x10|0x07) != 0 {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	return nil, nil
}

func startStop(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	return nil, unit.reserve(command.NexusID)
}

// checkBlocks validates that blocks starting at lba lie within the unit.
func (unit *LogicalUnit) checkBlocks(lba, blocks uint64) error {
	log := logger.GetLogger()
	size := unit.Blocks()
	end := lba + blocks
	if end < lba || end > size || blocks == 0 && lba >= size {
		log.Warnf("LBA out of range: lba %d, blocks %d, size %d", lba, blocks, size)
		return checkCondition(IllegalRequest, AscLbaOutOfRange)
	}
	return nil
}

func (unit *LogicalUnit) blockRange(command *Command) (offset, length uint64, err error) {
	if !unit.Attrs.Online {
		return 0, 0, checkCondition(NotReady, AscMediumNotPresent)
	}
	if command.CDB[1]&protectBitMask != 0 {
		return 0, 0, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	lba, blocks := lbaAndCount(command.CDB)
	if err := unit.checkBlocks(lba, uint64(blocks)); err != nil {
		return 0, 0, err
	}
	return lba << unit.BlockShift, uint64(blocks) << unit.BlockShift, nil
}

func read(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	offset, length, err := unit.blockRange(command)
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if err := unit.Store.ReadAt(data, offset); err != nil {
		logger.GetLogger().Errorf("read %d bytes at %d from %s: %v", length, offset, unit.Store.Path(), err)
		return nil, checkCondition(MediumError, AscReadError)
	}
	metrics.SCSIBytesCounter.WithLabelValues("read").Add(float64(length))
	return data, nil
}

func write(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	offset, length, err := unit.blockRange(command)
	if err != nil {
		return nil, err
	}
	if uint64(len(command.DataOut)) < length {
		return nil, checkCondition(IllegalRequest, AscParameterListLengthError)
	}
	if err := unit.Store.WriteAt(command.DataOut[:length], offset); err != nil {
		logger.GetLogger().Errorf("write %d bytes at %d to %s: %v", length, offset, unit.Store.Path(), err)
		return nil, checkCondition(MediumError, AscWriteError)
	}
	if command.CDB[1]&forceUnitAccessBitMask != 0 || !unit.ModePages.writeCacheEnabled() {
		if err := unit.Store.Sync(); err != nil {
			return nil, checkCondition(MediumError, AscWriteError)
		}
	}
	metrics.SCSIBytesCounter.WithLabelValues("write").Add(float64(length))
	return nil, nil
}

// writeSame16 implements WRITE SAME(16) without unmap support. A block
// count of zero is rejected instead of meaning "to the end".
func writeSame16(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	const (
		anchorBitMask = byte(0x10)
		unmapBitMask  = byte(0x08)
		lbDataBitMask = byte(0x04)
		pbDataBitMask = byte(0x02)
	)
	flags := command.CDB[1]
	if flags&(anchorBitMask|unmapBitMask) != 0 || flags&(lbDataBitMask|pbDataBitMask) == lbDataBitMask|pbDataBitMask {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	offset, length, err := unit.blockRange(command)
	if err != nil {
		return nil, err
	}
	blockSize := uint64(unit.BlockSize())
	if length == 0 {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	if uint64(len(command.DataOut)) < blockSize {
		return nil, checkCondition(IllegalRequest, AscParameterListLengthError)
	}
	block := command.DataOut[:blockSize]
	for end := offset + length; offset < end; offset += blockSize {
		if err := unit.Store.WriteAt(block, offset); err != nil {
			return nil, checkCondition(MediumError, AscWriteError)
		}
	}
	return nil, nil
}

// readCapacity10 implements READ CAPACITY(10), SBC-2 5.10.
func readCapacity10(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	// the LBA field is only meaningful with PMI
	if command.CDB[8]&0x1 == 0 && binary.BigEndian.Uint32(command.CDB[2:6]) != 0 {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	data := make([]byte, 8)
	last := unit.Blocks() - 1
	if unit.Blocks() == 0 {
		last = 0
	}
	if last>>32 != 0 {
		last = 0xffffffff
	}
	binary.BigEndian.PutUint32(data, uint32(last))
	binary.BigEndian.PutUint32(data[4:], unit.BlockSize())
	return data, nil
}

func serviceActionIn(unit *LogicalUnit, target *Target, command *Command) ([]byte, error) {
	if command.CDB[1]&0x1f != ServiceActionReadCapacity16 {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	return readCapacity16(unit, target, command)
}

// readCapacity16 implements READ CAPACITY(16), SBC-2 5.11.
func readCapacity16(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	allocationLength := int(binary.BigEndian.Uint32(command.CDB[10:14]))
	data := make([]byte, 32)
	last := unit.Blocks()
	if last > 0 {
		last--
	}
	binary.BigEndian.PutUint64(data, last)
	binary.BigEndian.PutUint32(data[8:], unit.BlockSize())
	data[13] = unit.Attrs.LogicalBlocksPerPhysicalBlockExponent & 0x0f
	binary.BigEndian.PutUint16(data[14:], unit.Attrs.LowestAlignedLBA&0x3fff)
	return truncate(data, allocationLength), nil
}

// synchronizeCache implements SYNCHRONIZE CACHE(10/16), SBC-2 5.18.
func synchronizeCache(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	lba, blocks := lbaAndCount(command.CDB)
	if err := unit.checkBlocks(lba, uint64(blocks)); err != nil && blocks != 0 {
		return nil, err
	}
	if err := unit.Store.Sync(); err != nil {
		return nil, checkCondition(MediumError, AscWriteError)
	}
	return nil, nil
}
