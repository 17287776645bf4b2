/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// iSCSI Target
package iscsit

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/scsi"
)

// ISCSITarget is one target node: a name, the portal group it is reached
// through and the LUNs behind it.
type ISCSITarget struct {
	Name     string
	Alias    string
	TPGT     uint16
	Portals  []string
	Registry *scsi.Registry

	mutex sync.RWMutex
	luns  map[uint64]api.LUN
}

func NewISCSITarget(name, alias string, tpgt uint16, portals []string) *ISCSITarget {
	return &ISCSITarget{
		Name:     name,
		Alias:    alias,
		TPGT:     tpgt,
		Portals:  portals,
		Registry: scsi.NewRegistry(),
		luns:     map[uint64]api.LUN{},
	}
}

// AddLUN creates a handler of class and maps it at lun.
func (t *ISCSITarget) AddLUN(lun uint64, class string, opts scsi.LUNOptions) error {
	if t.Registry.HasLUN(lun) {
		return fmt.Errorf("target %s: LUN %d already mapped", t.Name, lun)
	}
	h, err := scsi.NewHandler(class, lun, opts)
	if err != nil {
		return fmt.Errorf("target %s: LUN %d: %v", t.Name, lun, err)
	}
	t.Registry.HandleLUN(lun, h)
	t.mutex.Lock()
	t.luns[lun] = api.LUN{LUN: lun, Class: class, Store: opts.Store, Path: opts.Path}
	t.mutex.Unlock()
	return nil
}

func (t *ISCSITarget) RemoveLUN(lun uint64) {
	t.Registry.RemoveLUN(lun)
	t.mutex.Lock()
	delete(t.luns, lun)
	t.mutex.Unlock()
}

func (t *ISCSITarget) Close() {
	t.Registry.Close()
}

func splitPortal(portal string) (net.IP, int, bool) {
	host, port, err := net.SplitHostPort(portal)
	if err != nil {
		return nil, 0, false
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, 0, false
	}
	if host == "" {
		return nil, p, true
	}
	ip := net.ParseIP(host)
	return ip, p, ip != nil
}

// portalFor returns the configured portal that local was reached
// through, with a wildcard host replaced by the local address.
func (t *ISCSITarget) portalFor(local net.Addr) (string, bool) {
	tcp, ok := local.(*net.TCPAddr)
	if !ok {
		// non TCP transports, e.g. in-memory pipes, match any portal
		return local.String(), true
	}
	for _, portal := range t.Portals {
		ip, port, ok := splitPortal(portal)
		if !ok || port != tcp.Port {
			continue
		}
		if ip == nil || ip.IsUnspecified() {
			return net.JoinHostPort(tcp.IP.String(), strconv.Itoa(port)), true
		}
		if ip.Equal(tcp.IP) {
			return portal, true
		}
	}
	return "", false
}

// allowed reports whether the target may be logged into through local.
// A target without portals is served everywhere.
func (t *ISCSITarget) allowed(local net.Addr) bool {
	if len(t.Portals) == 0 {
		return true
	}
	_, ok := t.portalFor(local)
	return ok
}

// addresses returns the TargetAddress values announced by SendTargets.
func (t *ISCSITarget) addresses(local net.Addr) []string {
	tag := strconv.Itoa(int(t.TPGT))
	var addrs []string
	if len(t.Portals) == 0 {
		return []string{local.String() + "," + tag}
	}
	tcp, _ := local.(*net.TCPAddr)
	for _, portal := range t.Portals {
		ip, port, ok := splitPortal(portal)
		if !ok {
			continue
		}
		if (ip == nil || ip.IsUnspecified()) && tcp != nil {
			portal = net.JoinHostPort(tcp.IP.String(), strconv.Itoa(port))
		}
		addrs = append(addrs, portal+","+tag)
	}
	return addrs
}

func (t *ISCSITarget) Info() api.Target {
	info := api.Target{
		Name:    t.Name,
		Alias:   t.Alias,
		TPGT:    t.TPGT,
		Portals: append([]string{}, t.Portals...),
	}
	t.mutex.RLock()
	for _, lun := range t.luns {
		info.LUNs = append(info.LUNs, lun)
	}
	t.mutex.RUnlock()
	sort.Slice(info.LUNs, func(i, j int) bool { return info.LUNs[i].LUN < info.LUNs[j].LUN })
	return info
}
