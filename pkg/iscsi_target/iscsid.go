// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package iscsi_target serves SCSI targets over iSCSI: login and
// parameter negotiation, discovery, command sequencing, data transfer and
// task management.
package iscsi_target

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"iscsikit/pkg/logger"
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/scsi"
)

const (
	IscsiMaxTargetSessionIdentifierHandler         = uint16(0xffff)
	IscsiUnspecifiedTargetSessionIdentifierHandler = uint16(0)
	defaultPortalGroupTag                          = uint16(1)
)

// Options configure the driver.
type Options struct {
	Portals []string
	// Negotiation holds the values the target offers for operational keys.
	Negotiation *negotiation.Settings
	// NopInterval is the idle time after which the target pings the
	// initiator, zero disables pings.
	NopInterval      time.Duration
	NopTimeout       time.Duration
	MaxQueueCommands uint32
}

func DefaultOptions() Options {
	return Options{
		Portals:          []string{"0.0.0.0:3260"},
		Negotiation:      negotiation.NewSettings(),
		NopInterval:      30 * time.Second,
		NopTimeout:       10 * time.Second,
		MaxQueueCommands: 128,
	}
}

type ISCSITargetDriver struct {
	SCSI    *scsi.TargetService
	options Options

	targetPortGroup *TargetPortGroup

	targetsLock  sync.RWMutex
	iSCSITargets map[string]*iscsiTarget

	sessionsLock sync.RWMutex
	sessions     map[uint16]*session

	TargetSessionIdentifierHandlePool      map[uint16]bool
	TargetSessionIdentifierHandlePoolMutex sync.Mutex

	connectionIds *atomic.Uint32
	transferTags  *atomic.Uint32
	connections   sync.WaitGroup
}

func NewISCSITargetDriver(base *scsi.TargetService, options Options) *ISCSITargetDriver {
	if options.Negotiation == nil {
		options.Negotiation = negotiation.NewSettings()
	}
	if options.MaxQueueCommands == 0 {
		options.MaxQueueCommands = DefaultOptions().MaxQueueCommands
	}
	return &ISCSITargetDriver{
		SCSI:                              base,
		options:                           options,
		targetPortGroup:                   newTargetPortGroup(defaultPortalGroupTag),
		iSCSITargets:                      map[string]*iscsiTarget{},
		sessions:                          map[uint16]*session{},
		TargetSessionIdentifierHandlePool: map[uint16]bool{0: true, 65535: true},
		connectionIds:                     atomic.NewUint32(0),
		transferTags:                      atomic.NewUint32(0),
	}
}

func (targetDriver *ISCSITargetDriver) AllocTSIH() uint16 {
	targetDriver.TargetSessionIdentifierHandlePoolMutex.Lock()
	defer targetDriver.TargetSessionIdentifierHandlePoolMutex.Unlock()
	for i := uint16(1); i < IscsiMaxTargetSessionIdentifierHandler; i++ {
		if !targetDriver.TargetSessionIdentifierHandlePool[i] {
			targetDriver.TargetSessionIdentifierHandlePool[i] = true
			return i
		}
	}
	return IscsiUnspecifiedTargetSessionIdentifierHandler
}

func (targetDriver *ISCSITargetDriver) ReleaseTSIH(tsih uint16) {
	if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler || tsih == IscsiMaxTargetSessionIdentifierHandler {
		return
	}
	targetDriver.TargetSessionIdentifierHandlePoolMutex.Lock()
	delete(targetDriver.TargetSessionIdentifierHandlePool, tsih)
	targetDriver.TargetSessionIdentifierHandlePoolMutex.Unlock()
}

// nextTransferTag hands out target transfer tags, never the reserved one.
func (targetDriver *ISCSITargetDriver) nextTransferTag() uint32 {
	for {
		if tag := targetDriver.transferTags.Inc(); tag != pdu.ReservedTag {
			return tag
		}
	}
}

func (targetDriver *ISCSITargetDriver) NewTarget(targetName, alias string) error {
	targetDriver.targetsLock.Lock()
	defer targetDriver.targetsLock.Unlock()
	if _, ok := targetDriver.iSCSITargets[targetName]; ok {
		return fmt.Errorf("target %s already exists", targetName)
	}
	scsiTarget, err := targetDriver.SCSI.NewTarget(targetName)
	if err != nil {
		return err
	}
	targetDriver.iSCSITargets[targetName] = newISCSITarget(scsiTarget, alias, targetDriver.targetPortGroup)
	return nil
}

func (targetDriver *ISCSITargetDriver) DeleteTarget(targetName string) error {
	targetDriver.targetsLock.Lock()
	defer targetDriver.targetsLock.Unlock()
	if _, ok := targetDriver.iSCSITargets[targetName]; !ok {
		return fmt.Errorf("target %s does not exist", targetName)
	}
	if err := targetDriver.SCSI.DeleteTarget(targetName); err != nil {
		return err
	}
	delete(targetDriver.iSCSITargets, targetName)
	return nil
}

func (targetDriver *ISCSITargetDriver) target(targetName string) (*iscsiTarget, bool) {
	targetDriver.targetsLock.RLock()
	defer targetDriver.targetsLock.RUnlock()
	target, ok := targetDriver.iSCSITargets[targetName]
	return target, ok
}

func (targetDriver *ISCSITargetDriver) CheckTargetExists(targetName string) error {
	if _, ok := targetDriver.target(targetName); !ok {
		return fmt.Errorf("target %s does not exist", targetName)
	}
	return nil
}

// targets returns every target ordered by name.
func (targetDriver *ISCSITargetDriver) targets() []*iscsiTarget {
	targetDriver.targetsLock.RLock()
	defer targetDriver.targetsLock.RUnlock()
	result := make([]*iscsiTarget, 0, len(targetDriver.iSCSITargets))
	for _, target := range targetDriver.iSCSITargets {
		result = append(result, target)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// AddLun opens diskPath, creating it with size bytes when it is missing,
// and attaches it under the lowest free LUN.
func (targetDriver *ISCSITargetDriver) AddLun(targetName, diskPath string, size uint64, blockSize uint32) (uint16, error) {
	target, ok := targetDriver.target(targetName)
	if !ok {
		return 0, fmt.Errorf("target %s does not exist", targetName)
	}
	lun, err := targetDriver.SCSI.NewLogicalUnit(diskPath, size, blockSize)
	if err != nil {
		return 0, err
	}
	lunId, err := target.AttachLun(lun)
	if err != nil {
		_ = lun.Store.Close()
		return 0, err
	}
	return lunId, nil
}

func (targetDriver *ISCSITargetDriver) RemoveLun(targetName string, logicalUnitId uint16) (string, error) {
	target, ok := targetDriver.target(targetName)
	if !ok {
		return "", fmt.Errorf("target %s does not exist", targetName)
	}
	return target.DetachLun(logicalUnitId)
}

func (targetDriver *ISCSITargetDriver) Clear(targetName string) ([]string, error) {
	target, ok := targetDriver.target(targetName)
	if !ok {
		return nil, fmt.Errorf("target %s does not exist", targetName)
	}
	return target.Clear()
}

func (targetDriver *ISCSITargetDriver) List() map[string]scsi.TargetRepresentation {
	result := make(map[string]scsi.TargetRepresentation)
	for _, target := range targetDriver.targets() {
		result[target.Name] = target.Representation()
	}
	return result
}

// Sessions describes the logged in sessions ordered by TSIH.
func (targetDriver *ISCSITargetDriver) Sessions() []SessionRepresentation {
	targetDriver.sessionsLock.RLock()
	sessions := make([]*session, 0, len(targetDriver.sessions))
	for _, s := range targetDriver.sessions {
		sessions = append(sessions, s)
	}
	targetDriver.sessionsLock.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].tsih < sessions[j].tsih })
	result := make([]SessionRepresentation, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.Representation())
	}
	return result
}

// ListenAndServe listens on every configured portal until ctx is done.
func (targetDriver *ISCSITargetDriver) ListenAndServe(ctx context.Context) error {
	listeners := make([]net.Listener, 0, len(targetDriver.options.Portals))
	for _, portal := range targetDriver.options.Portals {
		listener, err := net.Listen("tcp", portal)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return err
		}
		listeners = append(listeners, listener)
	}
	group, groupContext := errgroup.WithContext(ctx)
	for _, listener := range listeners {
		group.Go(func() error {
			return targetDriver.Serve(groupContext, listener)
		})
	}
	return group.Wait()
}

// Serve accepts iSCSI connections on listener until ctx is done, then
// waits for the connections it started to finish.
func (targetDriver *ISCSITargetDriver) Serve(ctx context.Context, listener net.Listener) error {
	if err := targetDriver.targetPortGroup.AddTargetPorts([]string{listener.Addr().String()}); err != nil {
		_ = listener.Close()
		return err
	}
	err := serveListener(ctx, listener, func(connection net.Conn) {
		targetDriver.connections.Add(1)
		go func() {
			defer targetDriver.connections.Done()
			targetDriver.ServeConn(ctx, connection)
		}()
	})
	targetDriver.connections.Wait()
	return err
}

// ServeConn runs the iSCSI protocol on an accepted connection and returns
// when the connection is closed.
func (targetDriver *ISCSITargetDriver) ServeConn(ctx context.Context, networkConnection net.Conn) {
	connection := newISCSIConnection(targetDriver, networkConnection)
	connection.serve(ctx)
}

func (targetDriver *ISCSITargetDriver) lookupSession(tsih uint16) *session {
	targetDriver.sessionsLock.RLock()
	defer targetDriver.sessionsLock.RUnlock()
	return targetDriver.sessions[tsih]
}

// findSession returns the session an initiator holds with ISID on a
// target, which a login with TSIH 0 reinstates.
func (targetDriver *ISCSITargetDriver) findSession(initiatorName string, isid uint64, targetName string) *session {
	targetDriver.sessionsLock.RLock()
	defer targetDriver.sessionsLock.RUnlock()
	for _, s := range targetDriver.sessions {
		if s.initiatorName == initiatorName && s.isid == isid && s.targetName() == targetName {
			return s
		}
	}
	return nil
}

func (targetDriver *ISCSITargetDriver) registerSession(s *session) {
	targetDriver.sessionsLock.Lock()
	targetDriver.sessions[s.tsih] = s
	targetDriver.sessionsLock.Unlock()
	s.opened()
}

// UnBindISCSISession forgets a session and releases its TSIH and I_T
// nexus. Repeated calls are harmless.
func (targetDriver *ISCSITargetDriver) UnBindISCSISession(s *session) {
	targetDriver.sessionsLock.Lock()
	registered, ok := targetDriver.sessions[s.tsih]
	if !ok || registered != s {
		targetDriver.sessionsLock.Unlock()
		return
	}
	delete(targetDriver.sessions, s.tsih)
	targetDriver.sessionsLock.Unlock()
	logger.GetLogger().Infof("session 0x%04x of %s closed", s.tsih, s.initiatorName)
	s.closed()
	targetDriver.ReleaseTSIH(s.tsih)
}
