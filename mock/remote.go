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

// Package mock runs an embedded iSCSI target over an in-memory volume,
// for tests of initiators and of the daemon wiring.
package mock

import (
	"errors"
	"fmt"
	"net"
	"sync"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/port/iscsit"
	"github.com/gostor/goiscsi/pkg/scsi"
)

var errNotUp = errors.New("volume is not up")

// remoteBs is a volume kept in memory and served as LUN 0 of its own target.
type remoteBs struct {
	Volume     string
	VolumeSize int64
	SectorSize int

	mu   sync.RWMutex
	data []byte
	isUp bool

	tgtName      string
	portal       net.Addr
	targetDriver *iscsit.ISCSITargetDriver
}

var _ scsi.BackingStore = (*remoteBs)(nil)

func (r *remoteBs) Open(path string, size uint64) error {
	r.mu.Lock()
	r.data = make([]byte, size)
	r.mu.Unlock()
	return nil
}

func (r *remoteBs) Close() error {
	return nil
}

func (r *remoteBs) Size() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.data))
}

func (r *remoteBs) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(r.data)) {
		return 0, fmt.Errorf("read of %d bytes at %d beyond %d", len(p), off, len(r.data))
	}
	return copy(p, r.data[off:]), nil
}

func (r *remoteBs) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(r.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d beyond %d", len(p), off, len(r.data))
	}
	return copy(r.data[off:], p), nil
}

func (r *remoteBs) DataSync() error {
	return nil
}

// Startup starts the iSCSI target of volume name on frontendIP, on a
// kernel chosen port.
func (r *remoteBs) Startup(name string, frontendIP string, size, sectorSize int64) error {
	if r.isUp {
		return fmt.Errorf("volume %s is already up", r.Volume)
	}
	if frontendIP == "" {
		frontendIP = "127.0.0.1"
	}
	shift := uint(0)
	for int64(1)<<shift < sectorSize {
		shift++
	}
	if sectorSize <= 0 || int64(1)<<shift != sectorSize {
		return fmt.Errorf("sector size %d is not a power of two", sectorSize)
	}

	r.Volume = name
	r.VolumeSize = size
	r.SectorSize = int(sectorSize)
	r.tgtName = "iqn.2016-09.com.gostor.mock:" + name
	if err := r.Open("", uint64(size)); err != nil {
		return err
	}

	log.Info("Start SCSI target")
	if err := r.startScsiTarget(frontendIP, shift); err != nil {
		return err
	}
	r.isUp = true
	return nil
}

// Shutdown stops the target. Shutting down a volume that is not up is
// an error.
func (r *remoteBs) Shutdown() error {
	if !r.isUp {
		return fmt.Errorf("Failed to stop scsi target, err: %v", errNotUp)
	}
	if err := r.stopScsiTarget(); err != nil {
		return fmt.Errorf("Failed to stop scsi target, err: %v", err)
	}
	r.Volume = ""
	r.isUp = false
	return nil
}

// State provides info whether scsi target is up or down
func (r *remoteBs) State() string {
	if r.isUp {
		return "Up"
	}
	return "Down"
}

// Portal returns the address initiators log in to.
func (r *remoteBs) Portal() string {
	if !r.isUp {
		return ""
	}
	return r.portal.String()
}

// TargetName returns the iSCSI name of the volume's target.
func (r *remoteBs) TargetName() string {
	return r.tgtName
}

// Stats sums the counters of the sessions on the volume.
func (r *remoteBs) Stats() api.SessionStats {
	var stats api.SessionStats
	if !r.isUp {
		return stats
	}
	for _, s := range r.targetDriver.Sessions() {
		stats.Commands += s.Stats.Commands
		stats.ReadBytes += s.Stats.ReadBytes
		stats.WrittenBytes += s.Stats.WrittenBytes
		stats.Rejects += s.Stats.Rejects
		stats.Aborts += s.Stats.Aborts
	}
	return stats
}

// Resize grows or shrinks the volume, keeping the data that still fits.
func (r *remoteBs) Resize(size uint64) error {
	if !r.isUp {
		return errNotUp
	}
	if size%uint64(r.SectorSize) != 0 {
		return fmt.Errorf("size %d is not a multiple of the sector size %d", size, r.SectorSize)
	}
	r.mu.Lock()
	data := make([]byte, size)
	copy(data, r.data)
	r.data = data
	r.mu.Unlock()
	r.VolumeSize = int64(size)
	return nil
}

func (r *remoteBs) startScsiTarget(frontendIP string, blockShift uint) error {
	r.targetDriver = iscsit.NewISCSITargetDriver(iscsit.Options{})
	target := iscsit.NewISCSITarget(r.tgtName, r.Volume, 1, nil)
	id := uuid.NewV4()
	target.Registry.HandleLUN(0, scsi.NewDisk(0, r, scsi.LUNOptions{
		BlockShift: blockShift,
		Vendor:     "GOSTOR",
		Product:    "MOCK",
		Serial:     id.String()[:8],
	}))
	if err := r.targetDriver.AddTarget(target); err != nil {
		return err
	}
	addr, err := r.targetDriver.Listen(net.JoinHostPort(frontendIP, "0"))
	if err != nil {
		r.targetDriver.Close()
		r.targetDriver = nil
		return err
	}
	r.portal = addr
	log.Infof("SCSI device created, portal %s", addr)
	return nil
}

func (r *remoteBs) stopScsiTarget() error {
	if r.targetDriver == nil {
		return nil
	}
	log.Infof("Stopping target %v ...", r.tgtName)
	if err := r.targetDriver.Close(); err != nil {
		return err
	}
	r.targetDriver = nil
	log.Infof("Target %v stopped", r.tgtName)
	return nil
}
