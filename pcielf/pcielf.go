// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package pcielf is the rshim backend for BlueField devices in live-fish
// mode, before the target firmware has booted. Register access goes through
// a hidden PCI capability pair, the TRIO CR gateway, and the rshim byte
// access widget rather than the device's normal BAR.
package pcielf

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/platinasystems/log"

	"github.com/platinasystems/rshim"
	"github.com/platinasystems/rshim/pci"
)

const (
	// PCI IDs of a BlueField exposing the live-fish gateway.
	VendorID = 0x15b3
	DeviceID = 0x0211
)

// maxPostedWrites is how many 8-byte word writes the link absorbs before a
// register read must drain the posted-write queue. Boot-stream pushes cost
// two 4-byte writes each, which is why the cap sits below the link's raw
// 15-word limit.
const maxPostedWrites = 6

// Backend drives one live-fish PCIe device.
type Backend struct {
	rshim.Base

	gw  gateway
	reg *rshim.Registry

	// writeCount tracks consecutive word writes since the last drain.
	writeCount int
}

// New builds a backend over an open config space. Callers normally go
// through Probe; New is the seam tests use to substitute a fake gateway.
func New(name string, cs ConfigSpace, reg *rshim.Registry, n rshim.Notifier) *Backend {
	bd := &Backend{gw: gateway{cs: cs}, reg: reg}
	bd.DevName = name
	bd.Notifier = n
	bd.Init(func() { bd.Close() })
	return bd
}

// rshimAddr encodes (channel, addr) into the CR-space address of the
// register: fixed base plus addr|channel<<16. Widget accesses additionally
// carry the address in big-endian wire order; boot-FIFO writes do not.
func rshimAddr(channel, addr int, swap bool) uint32 {
	a := uint32(rshBaseAddr + (addr | channel<<16))
	if swap {
		a = bits.ReverseBytes32(a)
	}
	return a
}

// ReadRegister reads one 64-bit rshim register. Any read drains the posted
// write queue, so the throttle counter resets.
func (bd *Backend) ReadRegister(channel, addr int) (uint64, error) {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()
	return bd.readLocked(channel, addr)
}

func (bd *Backend) readLocked(channel, addr int) (uint64, error) {
	if !bd.HasRshim {
		return 0, rshim.ErrNotReady
	}
	bd.writeCount = 0
	v, err := bd.gw.byteAccRead(rshimAddr(channel, addr, true))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", bd.DevName, err)
	}
	return v, nil
}

// WriteRegister writes one 64-bit rshim register. Boot-FIFO data bypasses
// the byte-access widget. A burst of writes with no intervening read is
// capped: the write that would exceed it first forces a scratchpad read to
// flush the link's posted writes.
func (bd *Backend) WriteRegister(channel, addr int, value uint64) error {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()
	return bd.writeLocked(channel, addr, value)
}

func (bd *Backend) writeLocked(channel, addr int, value uint64) error {
	if !bd.HasRshim {
		return rshim.ErrNotReady
	}

	if bd.writeCount == maxPostedWrites {
		// The config-space syscall below is a full barrier; the read
		// cannot be reordered ahead of the writes it drains.
		if _, err := bd.readLocked(channel, regScratchpad); err != nil {
			return err
		}
	}
	bd.writeCount++

	var err error
	if addr == regBootFifoData {
		err = bd.gw.bootFifoWrite(rshimAddr(channel, addr, false), value)
	} else {
		err = bd.gw.byteAccWrite(rshimAddr(channel, addr, true), value)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", bd.DevName, err)
	}
	return nil
}

// Read is unsupported: the live-fish transport has no inbound stream; the
// upper layer polls the tile-monitor FIFO through register reads.
func (bd *Backend) Read(dt rshim.DevType, b []byte) error {
	return fmt.Errorf("%s read %s: %w", bd.DevName, dt, rshim.ErrInvalidArgument)
}

// Write pushes boot-stream bytes synchronously, one 64-bit word per
// boot-FIFO register write. Other stream types go through register access.
func (bd *Backend) Write(dt rshim.DevType, b []byte) error {
	if dt != rshim.DevTypeBoot {
		return fmt.Errorf("%s write %s: %w", bd.DevName, dt, rshim.ErrInvalidArgument)
	}
	for len(b) >= 8 {
		word := binary.LittleEndian.Uint64(b)
		if err := bd.WriteRegister(0, regBootFifoData, word); err != nil {
			return err
		}
		b = b[8:]
	}
	if len(b) > 0 {
		var pad [8]byte
		copy(pad[:], b)
		if err := bd.WriteRegister(0, regBootFifoData, binary.LittleEndian.Uint64(pad[:])); err != nil {
			return err
		}
	}
	bd.Mutex.Lock()
	bd.Notify(rshim.EventFifoOutput, nil)
	bd.Mutex.Unlock()
	return nil
}

// Cancel is a no-op: every live-fish operation is synchronous, so nothing
// is ever in flight here.
func (bd *Backend) Cancel(dt rshim.DevType, isWrite bool) {}

// Close deregisters the instance. Call only once the reference count has
// dropped to zero.
func (bd *Backend) Close() error {
	bd.reg.Deregister(bd)
	return nil
}

// Detach clears the capability flags and tells the upper layer the device
// is gone. The instance itself lives on until its references drop.
func (bd *Backend) Detach() {
	bd.Mutex.Lock()
	bd.HasRshim = false
	bd.HasTm = false
	bd.Mutex.Unlock()
	bd.Notify(rshim.EventDetach, nil)
	bd.Unref()
}

// DeviceName derives the stable name for a PCI function.
func DeviceName(a pci.BusAddress) string {
	return fmt.Sprintf("pcie-%d-%d-%d-%d", a.Domain, a.Bus, a.Slot, a.Fn)
}

// Probe scans the bus for live-fish devices and attaches any that the
// policy admits. A failed probe aborts only that device.
func Probe(reg *rshim.Registry, n rshim.Notifier) {
	devs, err := pci.Scan(VendorID, DeviceID)
	if err != nil {
		log.Print("rshim", "err", "pci scan: ", err)
		return
	}
	for _, dev := range devs {
		if err := probeOne(dev, reg, n); err != nil {
			log.Print("rshim", "err", DeviceName(dev.Addr), ": ", err)
		}
	}
}

func probeOne(dev *pci.Device, reg *rshim.Registry, n rshim.Notifier) error {
	name := DeviceName(dev.Addr)
	if !reg.Allowed(name) {
		return nil
	}

	if bd := reg.FindByName(name); bd != nil {
		// Already attached through this or another transport.
		return nil
	}
	log.Print("rshim", "info", "probing ", name)

	bd := New(name, dev, reg, n)
	bd.HasRshim = true
	bd.HasTm = true
	// Take the probe reference only once the instance is registered; an
	// instance that lost the registration race is simply dropped.
	if !reg.Register(bd) {
		return nil
	}
	bd.Ref()

	bd.Mutex.Lock()
	bd.Notify(rshim.EventAttach, nil)
	bd.Mutex.Unlock()
	return nil
}
