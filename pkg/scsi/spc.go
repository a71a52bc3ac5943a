// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// SCSI primary command processing
package scsi

import (
	"encoding/binary"
	"fmt"
)

const (
	protocolIdentifierISCSI = byte(0x05)
	versionSPC3             = byte(0x05)
)

// Code sets of the device identification descriptors.
const (
	codeSetBinary = byte(1)
	codeSetASCII  = byte(2)
	codeSetUTF8   = byte(3)
)

const (
	associatedLogicalUnit = byte(0x00)
	associatedTargetPort  = byte(0x01)
)

const (
	designatorVendor             = byte(0)
	designatorNAA                = byte(3)
	designatorRelativeTargetPort = byte(4)
	designatorTargetPortGroup    = byte(5)
	designatorSCSIName           = byte(8)
)

const naaLocal = uint64(0x3)

const (
	peripheralDeviceConnected    = byte(0x00)
	peripheralDeviceNotConnected = byte(0x01 << 5)
)

const (
	vpdSupportedPages             = byte(0x00)
	vpdUnitSerialNumber           = byte(0x80)
	vpdDeviceIdentification       = byte(0x83)
	vpdBlockLimits                = byte(0xb0)
	vpdBlockDeviceCharacteristics = byte(0xb1)
)

func truncate(data []byte, allocationLength int) []byte {
	if len(data) > allocationLength {
		return data[:allocationLength]
	}
	return data
}

// padded renders text left aligned in a field of width bytes.
func padded(text string, width int) []byte {
	return []byte(fmt.Sprintf("%-*.*s", width, width, text))
}

func testUnitReady(unit *LogicalUnit, _ *Target, _ *Command) ([]byte, error) {
	if !unit.Attrs.Online {
		return nil, checkCondition(NotReady, AscMediumNotPresent)
	}
	return nil, nil
}

// requestSense reports no pending sense: every CHECK CONDITION carries its
// sense data in the response already.
func requestSense(_ *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	return truncate(FixedSense(NoSense, NoAdditionalSense), int(command.CDB[4])), nil
}

func (unit *LogicalUnit) peripheral() byte {
	qualifier := peripheralDeviceConnected
	if !unit.Attrs.Online {
		qualifier = peripheralDeviceNotConnected
	}
	return qualifier | byte(unit.Attrs.DeviceType)
}

func vpdPage(unit *LogicalUnit, code byte, body []byte) []byte {
	page := []byte{unit.peripheral(), code, 0, 0}
	binary.BigEndian.PutUint16(page[2:], uint16(len(body)))
	return append(page, body...)
}

func (unit *LogicalUnit) serialNumber() string {
	return fmt.Sprintf("iscsikit-%016x", unit.SerialID)
}

func designator(codeSet, association, kind byte, value []byte) []byte {
	descriptor := []byte{
		protocolIdentifierISCSI<<4 | codeSet,
		0x80 | association<<4 | kind,
		0x00,
		byte(len(value)),
	}
	return append(descriptor, value...)
}

func deviceIdentification(unit *LogicalUnit, target *Target, command *Command) []byte {
	var body []byte
	body = append(body, designator(codeSetASCII, associatedTargetPort, designatorVendor, []byte(target.Name))...)
	naa := make([]byte, 8)
	binary.BigEndian.PutUint64(naa, naaLocal<<60|unit.SerialID&(1<<60-1))
	body = append(body, designator(codeSetBinary, associatedLogicalUnit, designatorNAA, naa)...)
	group := make([]byte, 4)
	binary.BigEndian.PutUint16(group[2:], command.PortGroup)
	body = append(body, designator(codeSetBinary, associatedTargetPort, designatorTargetPortGroup, group)...)
	port := make([]byte, 4)
	binary.BigEndian.PutUint16(port[2:], command.RelativePortID)
	body = append(body, designator(codeSetBinary, associatedTargetPort, designatorRelativeTargetPort, port)...)
	// SCSI name strings are NUL terminated and padded to 4 bytes.
	name := []byte(command.PortName)
	name = append(name, make([]byte, 4-len(name)%4)...)
	if len(name) > 252 {
		name = name[:252]
	}
	body = append(body, designator(codeSetUTF8, associatedTargetPort, designatorSCSIName, name)...)
	return body
}

func blockLimits(unit *LogicalUnit) []byte {
	body := make([]byte, 0x3c)
	// OPTIMAL TRANSFER LENGTH GRANULARITY in blocks
	binary.BigEndian.PutUint16(body[2:], uint16(1<<unit.Attrs.LogicalBlocksPerPhysicalBlockExponent))
	return body
}

func blockDeviceCharacteristics() []byte {
	body := make([]byte, 0x3c)
	// non-rotating medium
	binary.BigEndian.PutUint16(body, 0x0001)
	return body
}

func standardInquiry(unit *LogicalUnit) []byte {
	data := []byte{
		unit.peripheral(),
		0x00,
		versionSPC3,
		// HISUP, response data format 2
		0x10 | 0x02,
		0x00,
		// TPGS implicit
		0x10,
		0x00,
		// CMDQUE
		0x02,
	}
	data = append(data, padded(unit.Attrs.VendorID, 8)...)
	data = append(data, padded(unit.Attrs.ProductID, 16)...)
	data = append(data, padded(unit.Attrs.ProductRevision, 4)...)
	data = append(data, make([]byte, 22)...)
	for _, descriptor := range unit.Attrs.VersionDescriptors {
		data = binary.BigEndian.AppendUint16(data, descriptor)
	}
	data[4] = byte(len(data) - 5)
	return data
}

// inquiry implements INQUIRY, SPC-4 6.6.
func inquiry(unit *LogicalUnit, target *Target, command *Command) ([]byte, error) {
	cdb := command.CDB
	allocationLength := int(binary.BigEndian.Uint16(cdb[3:5]))
	pageCode := cdb[2]
	if cdb[1]&0x01 == 0 {
		if pageCode != 0 {
			return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
		}
		return truncate(standardInquiry(unit), allocationLength), nil
	}
	var data []byte
	switch pageCode {
	case vpdSupportedPages:
		data = vpdPage(unit, pageCode, []byte{
			vpdSupportedPages,
			vpdUnitSerialNumber,
			vpdDeviceIdentification,
			vpdBlockLimits,
			vpdBlockDeviceCharacteristics,
		})
	case vpdUnitSerialNumber:
		data = vpdPage(unit, pageCode, []byte(unit.serialNumber()))
	case vpdDeviceIdentification:
		data = vpdPage(unit, pageCode, deviceIdentification(unit, target, command))
	case vpdBlockLimits:
		data = vpdPage(unit, pageCode, blockLimits(unit))
	case vpdBlockDeviceCharacteristics:
		data = vpdPage(unit, pageCode, blockDeviceCharacteristics())
	default:
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	return truncate(data, allocationLength), nil
}

// modeSense implements MODE SENSE(6) and MODE SENSE(10).
func modeSense(unit *LogicalUnit, _ *Target, command *Command) ([]byte, error) {
	cdb := command.CDB
	disableBlockDescriptors := cdb[1]&0x08 != 0
	pageCode := cdb[2] & 0x3f
	pageControl := cdb[2] >> 6
	subPageCode := cdb[3]
	if pageControl == 3 {
		return nil, checkCondition(IllegalRequest, AscSavingParmsUnsup)
	}
	pages, err := unit.ModePages.render(pageCode, subPageCode, pageControl)
	if err != nil {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	var descriptor []byte
	if !disableBlockDescriptors {
		descriptor = unit.modeBlockDescriptor()
	}
	// DPOFUA set, no write protection
	const deviceSpecific = 0x10
	var data []byte
	var allocationLength int
	if command.OperationCode() == ModeSense6 {
		allocationLength = int(cdb[4])
		data = []byte{0, 0x00, deviceSpecific, byte(len(descriptor))}
		data = append(data, descriptor...)
		data = append(data, pages...)
		data[0] = byte(len(data) - 1)
	} else {
		allocationLength = int(binary.BigEndian.Uint16(cdb[7:9]))
		data = []byte{0, 0, 0x00, deviceSpecific, 0, 0, 0, byte(len(descriptor))}
		data = append(data, descriptor...)
		data = append(data, pages...)
		binary.BigEndian.PutUint16(data, uint16(len(data)-2))
	}
	return truncate(data, allocationLength), nil
}

// modeSelect accepts and ignores the parameter list; no mode page is
// changeable.
func modeSelect(_ *LogicalUnit, _ *Target, _ *Command) ([]byte, error) {
	return nil, nil
}

// reportLuns implements REPORT LUNS, SPC-4 6.33. LUN 0 is always listed.
func reportLuns(_ *LogicalUnit, target *Target, command *Command) ([]byte, error) {
	allocationLength := int(binary.BigEndian.Uint32(command.CDB[6:10]))
	if allocationLength < 16 {
		return nil, checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	}
	numbers := target.lunNumbers()
	if len(numbers) == 0 || numbers[0] != 0 {
		numbers = append([]uint16{0}, numbers...)
	}
	data := make([]byte, 8, 8+8*len(numbers))
	binary.BigEndian.PutUint32(data, uint32(8*len(numbers)))
	for _, number := range numbers {
		data = binary.BigEndian.AppendUint64(data, EncodeLUN(number))
	}
	return truncate(data, allocationLength), nil
}
