// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"iscsikit/pkg/logger"
)

var errReservationConflict = errors.New("reservation conflict")

type LogicalUnit struct {
	// Number is the LUN the unit is attached as.
	Number uint16
	// SerialID feeds the unit serial number and the NAA designator.
	SerialID   uint64
	BlockShift uint
	Attrs      Attributes
	ModePages  ModePages
	Store      BackingStore

	lock       sync.Mutex
	reservedBy uuid.UUID
}

type LunRepresentation struct {
	LogicalUnitId uint16
	FilePath      string
	Size          uint64
}

// NewLogicalUnit wraps store as a direct access block device. blockSize
// must be a power of two, zero selects 512 bytes.
func NewLogicalUnit(store BackingStore, blockSize uint32, serialID uint64) (*LogicalUnit, error) {
	blockShift := DefaultBlockShift
	if blockSize != 0 {
		if blockSize&(blockSize-1) != 0 || blockSize < 512 {
			return nil, fmt.Errorf("block size %d is not a power of two of at least 512", blockSize)
		}
		blockShift = uint(binaryLog(blockSize))
	}
	if store.Size()>>blockShift == 0 {
		return nil, fmt.Errorf("backing store %s is smaller than one block", store.Path())
	}
	unit := &LogicalUnit{
		SerialID:   serialID,
		BlockShift: blockShift,
		Store:      store,
		ModePages:  defaultModePages(),
		Attrs:      defaultAttributes(TypeDisk),
	}
	unit.Attrs.Online = true
	return unit, nil
}

// NewLUN0 answers for LUN 0 when a target has nothing attached there.
func NewLUN0() *LogicalUnit {
	return &LogicalUnit{
		BlockShift: DefaultBlockShift,
		Store:      NewNullBackingStore(),
		ModePages:  defaultModePages(),
		Attrs:      defaultAttributes(TypeUnknown),
	}
}

func defaultAttributes(deviceType DeviceType) Attributes {
	return Attributes{
		VendorID:        "ISCSIKIT",
		ProductID:       "VIRTUAL-DISK",
		ProductRevision: "0.1",
		// SBC-2, iSCSI, SPC-3, SAM-3
		VersionDescriptors:                    [8]uint16{0x0320, 0x0960, 0x0300, 0x0060},
		DeviceType:                            deviceType,
		LogicalBlocksPerPhysicalBlockExponent: 3,
	}
}

func binaryLog(value uint32) int {
	shift := 0
	for value > 1 {
		value >>= 1
		shift++
	}
	return shift
}

func (unit *LogicalUnit) BlockSize() uint32 {
	return 1 << unit.BlockShift
}

func (unit *LogicalUnit) Blocks() uint64 {
	return unit.Store.Size() >> unit.BlockShift
}

func (unit *LogicalUnit) Representation() LunRepresentation {
	return LunRepresentation{
		LogicalUnitId: unit.Number,
		FilePath:      unit.Store.Path(),
		Size:          unit.Store.Size(),
	}
}

func (unit *LogicalUnit) modeBlockDescriptor() []byte {
	descriptor := make([]byte, 8)
	blocks := unit.Blocks()
	if blocks>>32 != 0 {
		blocks = 0xffffffff
	}
	binary.BigEndian.PutUint32(descriptor, uint32(blocks))
	binary.BigEndian.PutUint32(descriptor[4:], unit.BlockSize())
	return descriptor
}

func (unit *LogicalUnit) reserve(nexus uuid.UUID) error {
	unit.lock.Lock()
	defer unit.lock.Unlock()
	if !uuid.Equal(unit.reservedBy, uuid.Nil) && !uuid.Equal(unit.reservedBy, nexus) {
		return errReservationConflict
	}
	unit.reservedBy = nexus
	return nil
}

// release drops a reservation held by nexus.
func (unit *LogicalUnit) release(nexus uuid.UUID) {
	unit.lock.Lock()
	defer unit.lock.Unlock()
	if uuid.Equal(unit.reservedBy, nexus) {
		unit.reservedBy = uuid.Nil
	}
}

// Reset drops any reservation, as a LOGICAL UNIT RESET does.
func (unit *LogicalUnit) Reset() {
	unit.lock.Lock()
	defer unit.lock.Unlock()
	unit.reservedBy = uuid.Nil
}

type commandHandler func(unit *LogicalUnit, target *Target, command *Command) ([]byte, error)

var handlers = map[CommandType]commandHandler{
	TestUnitReady:      testUnitReady,
	RequestSense:       requestSense,
	FormatUnit:         formatUnit,
	Inquiry:            inquiry,
	ModeSense6:         modeSense,
	ModeSense10:        modeSense,
	ModeSelect10:       modeSelect,
	StartStop:          startStop,
	ReadCapacity10:     readCapacity10,
	ServiceActionIn:    serviceActionIn,
	Read10:             read,
	Read16:             read,
	Write10:            write,
	Write16:            write,
	WriteSame16:        writeSame16,
	SynchronizeCache10: synchronizeCache,
	SynchronizeCache16: synchronizeCache,
	ReportLuns:         reportLuns,
}

// execute runs command and sets its status, sense and data-in.
func (unit *LogicalUnit) execute(target *Target, command *Command) {
	log := logger.GetLogger()
	opcode := command.OperationCode()
	handler, ok := handlers[opcode]
	var data []byte
	var err error
	switch {
	case !ok:
		err = checkCondition(IllegalRequest, AscInvalidOpCode)
	case len(command.CDB) < cdbLength(opcode):
		err = checkCondition(IllegalRequest, AscInvalidFieldInCdb)
	default:
		data, err = handler(unit, target, command)
	}
	var commandError *CommandError
	switch {
	case err == nil:
		command.Status = StatusGood
	case errors.As(err, &commandError):
		command.Status = StatusCheckCondition
		command.Sense = commandError.Sense()
		data = nil
		log.Debugf("%s on LUN %d: %v", opcode, unit.Number, err)
	case errors.Is(err, errReservationConflict):
		command.Status = StatusReservationConflict
		data = nil
	default:
		log.Warnf("%s on LUN %d: %v", opcode, unit.Number, err)
		command.Status = StatusBusy
		data = nil
	}
	command.produced = len(data)
	if len(command.DataOut) > 0 {
		command.produced = len(command.DataOut)
	}
	if len(data) > int(command.ExpectedLength) {
		data = data[:command.ExpectedLength]
	}
	command.DataIn = data
}
