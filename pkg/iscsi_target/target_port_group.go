// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

type TargetPort struct {
	RelativeTargetPortID uint16
	TargetPortName       string
}

// TargetPortGroup is the single portal group every target is reachable
// through. Its tag is reported as TargetPortalGroupTag.
type TargetPortGroup struct {
	groupTag          uint16
	lock              sync.RWMutex
	nextId            uint16
	targetPorts       []TargetPort
	targetPortsByName map[string]int
	targetPortsById   map[uint16]int
}

func newTargetPortGroup(tag uint16) *TargetPortGroup {
	return &TargetPortGroup{
		groupTag:          tag,
		nextId:            1,
		targetPorts:       make([]TargetPort, 0, 10),
		targetPortsByName: make(map[string]int),
		targetPortsById:   make(map[uint16]int),
	}
}

func (tpg *TargetPortGroup) addTargetPort(targetPortName string) TargetPort {
	if index, ok := tpg.targetPortsByName[targetPortName]; ok {
		return tpg.targetPorts[index]
	}
	targetPort := TargetPort{
		RelativeTargetPortID: tpg.nextId,
		TargetPortName:       targetPortName,
	}
	index := len(tpg.targetPorts)
	tpg.targetPorts = append(tpg.targetPorts, targetPort)
	tpg.targetPortsByName[targetPortName] = index
	tpg.targetPortsById[tpg.nextId] = index
	tpg.nextId += 1
	return targetPort
}

func isWildcard(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

func localAddresses() ([]string, error) {
	result := make([]string, 0, 10)
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, netInterface := range interfaces {
		addresses, err := netInterface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			if ipAddress, ok := address.(*net.IPNet); ok {
				if ip := ipAddress.IP.To4(); ip != nil {
					result = append(result, ip.String())
				}
			}
		}
	}
	return result, nil
}

// AddTargetPorts registers listening portals. A wildcard address is
// expanded into every local IPv4 address with the same port.
func (tpg *TargetPortGroup) AddTargetPorts(portals []string) error {
	names := make([]string, 0, len(portals))
	for _, portal := range portals {
		host, port, err := net.SplitHostPort(portal)
		if err != nil {
			return fmt.Errorf("invalid portal %q: %w", portal, err)
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return fmt.Errorf("invalid portal %q: bad port", portal)
		}
		if !isWildcard(host) {
			names = append(names, net.JoinHostPort(host, port))
			continue
		}
		addresses, err := localAddresses()
		if err != nil {
			return err
		}
		for _, address := range addresses {
			names = append(names, net.JoinHostPort(address, port))
		}
	}
	tpg.lock.Lock()
	defer tpg.lock.Unlock()
	for _, name := range names {
		tpg.addTargetPort(name)
	}
	return nil
}

// Resolve returns the port a connection arrived on, registering local
// addresses that were not known when the listener started.
func (tpg *TargetPortGroup) Resolve(localAddress string) TargetPort {
	tpg.lock.RLock()
	index, ok := tpg.targetPortsByName[localAddress]
	if ok {
		port := tpg.targetPorts[index]
		tpg.lock.RUnlock()
		return port
	}
	tpg.lock.RUnlock()
	tpg.lock.Lock()
	defer tpg.lock.Unlock()
	return tpg.addTargetPort(localAddress)
}

func (tpg *TargetPortGroup) FindTargetPortName(relPortID uint16) (string, error) {
	tpg.lock.RLock()
	defer tpg.lock.RUnlock()
	if id, ok := tpg.targetPortsById[relPortID]; ok {
		return tpg.targetPorts[id].TargetPortName, nil
	}
	return "", fmt.Errorf("no target port with relative port id (%d)", relPortID)
}

func (tpg *TargetPortGroup) Tag() uint16 {
	return tpg.groupTag
}

// Addresses lists the portals in TargetAddress form, address:port,tag.
func (tpg *TargetPortGroup) Addresses() []string {
	tpg.lock.RLock()
	defer tpg.lock.RUnlock()
	result := make([]string, 0, len(tpg.targetPorts))
	for _, port := range tpg.targetPorts {
		result = append(result, fmt.Sprintf("%s,%d", port.TargetPortName, tpg.groupTag))
	}
	sort.Strings(result)
	return result
}
