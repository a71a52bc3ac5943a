// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
	"sort"
	"sync"

	uuid "github.com/satori/go.uuid"

	"iscsikit/pkg/logger"
	"iscsikit/pkg/metrics"
)

const maxLogicalUnits = 256

type ITNexus struct {
	ID uuid.UUID
	// Tag names the nexus in the transport's terms, e.g. initiator name and ISID.
	Tag string
}

// NewITNexus allocates a nexus with a time based UUID.
func NewITNexus(tag string) *ITNexus {
	return &ITNexus{ID: uuid.NewV1(), Tag: tag}
}

type Target struct {
	Name     string
	TargetId int

	devicesLock sync.RWMutex
	devices     map[uint16]*LogicalUnit
	lun0        *LogicalUnit

	nexusLock sync.Mutex
	nexuses   map[uuid.UUID]*ITNexus
}

type TargetRepresentation struct {
	TargetId       int
	Name           string
	LogicalUnits   []LunRepresentation
	HasConnections bool
	ITNexus        []string
}

func newTarget(tid int, name string) *Target {
	return &Target{
		Name:     name,
		TargetId: tid,
		devices:  make(map[uint16]*LogicalUnit),
		lun0:     NewLUN0(),
		nexuses:  make(map[uuid.UUID]*ITNexus),
	}
}

// AttachLun attaches unit under the lowest free LUN and returns it.
func (target *Target) AttachLun(unit *LogicalUnit) (uint16, error) {
	target.devicesLock.Lock()
	defer target.devicesLock.Unlock()
	for number := uint16(0); number < maxLogicalUnits; number++ {
		if _, used := target.devices[number]; used {
			continue
		}
		unit.Number = number
		target.devices[number] = unit
		return number, nil
	}
	return 0, fmt.Errorf("can't have more than %d logical units allocated to a single target", maxLogicalUnits)
}

// DetachLun closes the backing store of the unit and returns its path.
func (target *Target) DetachLun(number uint16) (string, error) {
	target.devicesLock.Lock()
	defer target.devicesLock.Unlock()
	unit, ok := target.devices[number]
	if !ok {
		return "", fmt.Errorf("logical unit %d not found", number)
	}
	path := unit.Store.Path()
	if err := unit.Store.Close(); err != nil {
		return "", err
	}
	delete(target.devices, number)
	return path, nil
}

// Clear detaches every logical unit of a target without connections.
func (target *Target) Clear() ([]string, error) {
	if target.HasConnections() {
		return nil, fmt.Errorf("target %s has active iSCSI connections", target.Name)
	}
	paths := make([]string, 0, len(target.devices))
	for _, number := range target.lunNumbers() {
		path, err := target.DetachLun(number)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (target *Target) lunNumbers() []uint16 {
	target.devicesLock.RLock()
	defer target.devicesLock.RUnlock()
	numbers := make([]uint16, 0, len(target.devices))
	for number := range target.devices {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// LogicalUnit returns the unit attached as number.
func (target *Target) LogicalUnit(number uint16) (*LogicalUnit, bool) {
	target.devicesLock.RLock()
	defer target.devicesLock.RUnlock()
	unit, ok := target.devices[number]
	return unit, ok
}

func (target *Target) hasLogicalUnits() bool {
	target.devicesLock.RLock()
	defer target.devicesLock.RUnlock()
	return len(target.devices) > 0
}

func (target *Target) HasConnections() bool {
	target.nexusLock.Lock()
	defer target.nexusLock.Unlock()
	return len(target.nexuses) > 0
}

// AddITNexus registers nexus and reports false if it is already known.
func (target *Target) AddITNexus(nexus *ITNexus) bool {
	target.nexusLock.Lock()
	defer target.nexusLock.Unlock()
	if _, ok := target.nexuses[nexus.ID]; ok {
		return false
	}
	target.nexuses[nexus.ID] = nexus
	return true
}

// RemoveITNexus forgets nexus and drops its reservations.
func (target *Target) RemoveITNexus(nexus *ITNexus) {
	target.nexusLock.Lock()
	delete(target.nexuses, nexus.ID)
	target.nexusLock.Unlock()
	target.devicesLock.RLock()
	defer target.devicesLock.RUnlock()
	for _, unit := range target.devices {
		unit.release(nexus.ID)
	}
}

func (target *Target) Representation() TargetRepresentation {
	representation := TargetRepresentation{
		TargetId:       target.TargetId,
		Name:           target.Name,
		LogicalUnits:   make([]LunRepresentation, 0, len(target.devices)),
		HasConnections: target.HasConnections(),
	}
	for _, number := range target.lunNumbers() {
		if unit, ok := target.LogicalUnit(number); ok {
			representation.LogicalUnits = append(representation.LogicalUnits, unit.Representation())
		}
	}
	target.nexusLock.Lock()
	for _, nexus := range target.nexuses {
		representation.ITNexus = append(representation.ITNexus, nexus.Tag)
	}
	target.nexusLock.Unlock()
	sort.Strings(representation.ITNexus)
	return representation
}

// Execute runs command against the addressed logical unit. Commands to
// LUN 0 of a target without one are served by a placeholder; other
// unknown LUNs fail with LOGICAL UNIT NOT SUPPORTED.
func (target *Target) Execute(command *Command) {
	log := logger.GetLogger()
	number := DecodeLUN(command.LUN)
	unit, ok := target.LogicalUnit(number)
	if !ok {
		if number != 0 && command.OperationCode() != ReportLuns && command.OperationCode() != Inquiry {
			command.Status = StatusCheckCondition
			command.Sense = FixedSense(IllegalRequest, AscLogicalUnitNotSupported)
			command.DataIn = nil
			command.produced = 0
			metrics.SCSICommandCounter.WithLabelValues(command.OperationCode().String(), StatusName(command.Status)).Inc()
			return
		}
		unit = target.lun0
	}
	log.Debugf("scsi opcode: %s, LUN: %d", command.OperationCode(), number)
	unit.execute(target, command)
	metrics.SCSICommandCounter.WithLabelValues(command.OperationCode().String(), StatusName(command.Status)).Inc()
}

type TargetService struct {
	mutex        sync.RWMutex
	nextTid      int
	nextSerialID uint64
	targetByName map[string]*Target
	targetByTid  map[int]*Target
}

func NewTargetService() *TargetService {
	return &TargetService{
		nextTid:      1,
		nextSerialID: 1000,
		targetByName: make(map[string]*Target),
		targetByTid:  make(map[int]*Target),
	}
}

// NewTarget creates a target named name with the next free target id.
func (service *TargetService) NewTarget(name string) (*Target, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if _, ok := service.targetByName[name]; ok {
		return nil, fmt.Errorf("target %s already exists", name)
	}
	target := newTarget(service.nextTid, name)
	service.nextTid++
	service.targetByTid[target.TargetId] = target
	service.targetByName[name] = target
	return target, nil
}

func (service *TargetService) DeleteTarget(name string) error {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	target, ok := service.targetByName[name]
	if !ok {
		return fmt.Errorf("target %s not present", name)
	}
	if target.hasLogicalUnits() {
		return fmt.Errorf("can't remove target which has logical units attached")
	}
	if target.HasConnections() {
		return fmt.Errorf("can't remove target which has active connections")
	}
	delete(service.targetByName, name)
	delete(service.targetByTid, target.TargetId)
	return nil
}

func (service *TargetService) Target(name string) (*Target, bool) {
	service.mutex.RLock()
	defer service.mutex.RUnlock()
	target, ok := service.targetByName[name]
	return target, ok
}

func (service *TargetService) TargetByID(tid int) (*Target, bool) {
	service.mutex.RLock()
	defer service.mutex.RUnlock()
	target, ok := service.targetByTid[tid]
	return target, ok
}

// Targets returns all targets ordered by id.
func (service *TargetService) Targets() []*Target {
	service.mutex.RLock()
	defer service.mutex.RUnlock()
	targets := make([]*Target, 0, len(service.targetByTid))
	for _, target := range service.targetByTid {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].TargetId < targets[j].TargetId })
	return targets
}

// NewLogicalUnit opens a backing store and wraps it in a logical unit
// with a service-wide unique serial id.
func (service *TargetService) NewLogicalUnit(path string, size uint64, blockSize uint32) (*LogicalUnit, error) {
	store, err := OpenBackingStore(path, size)
	if err != nil {
		return nil, err
	}
	service.mutex.Lock()
	serialID := service.nextSerialID
	service.nextSerialID++
	service.mutex.Unlock()
	unit, err := NewLogicalUnit(store, blockSize, serialID)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return unit, nil
}
