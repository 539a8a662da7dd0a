// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package pcielf

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/jpillora/backoff"

	"github.com/platinasystems/rshim"
)

// Mellanox address/data capability pair. Writing a target offset to the
// address capability (LSB set for a read) exposes a 32-bit window at that
// offset through the data capability.
const (
	mlxCapAddr = 0x58
	mlxCapData = 0x5c
	mlxCapRead = 0x1
)

// TRIO CR gateway register group, reached through the capability pair. The
// gateway exposes the chip's control-register space behind a hardware lock.
const (
	crGwLock      = 0xe38a0
	crGwLockCpy   = 0xe38a4
	crGwDataUpper = 0xe38ac
	crGwDataLower = 0xe38b0
	crGwCtl       = 0xe38b4
	crGwAddrUpper = 0xe38b8
	crGwAddrLower = 0xe38bc

	crGwLockAcquired = 0x80000000
	crGwLockRelease  = 0x0
	crGwBusy         = 0x60000000
	crGwTrigger      = 0xe0000000
	crGwRead4Byte    = 0x6
	crGwWrite4Byte   = 0x2
)

// Byte-access widget registers, addressed within CR space relative to the
// rshim channel-1 base. The widget turns two 4-byte gateway operations into
// one 8-byte rshim register access.
const (
	rshBaseAddr     = 0x80000000
	rshChannel1Base = 0x80010000

	byteAccCtl  = rshChannel1Base + 0x490
	byteAccWdat = rshChannel1Base + 0x498
	byteAccRdat = rshChannel1Base + 0x4a0
	byteAccAddr = rshChannel1Base + 0x4a8

	byteAccSize4Byte   = 0x10000000
	byteAccPending     = 0x20000000
	byteAccReadTrigger = 0x50000000
)

// Rshim registers used directly by this backend.
const (
	regBootFifoData = 0x408
	regScratchpad   = 0xc20
)

// pollBudget bounds the gateway lock and pending-bit waits. The hardware
// normally answers within a handful of config reads; a lock that stays held
// or a pending bit that never clears past this window means a wedged device.
const pollBudget = 100 * time.Millisecond

// ConfigSpace is the 32-bit PCI configuration access the gateway runs on.
// *pci.Device implements it; tests substitute an instrumented fake.
type ConfigSpace interface {
	ReadConfigUint32(offset uint) (uint32, error)
	WriteConfigUint32(offset uint, v uint32) error
}

// gateway drives the capability pair and the CR gateway protocol for one
// device. It is not safe for concurrent use; the owning backend's instance
// mutex serializes access.
type gateway struct {
	cs ConfigSpace
}

func (g *gateway) capRead(offset uint32) (uint32, error) {
	// Target offset to the address capability, LSB set for a read.
	err := g.cs.WriteConfigUint32(mlxCapAddr, offset|mlxCapRead)
	if err != nil {
		return 0, err
	}
	return g.cs.ReadConfigUint32(mlxCapData)
}

func (g *gateway) capWrite(offset, value uint32) error {
	if err := g.cs.WriteConfigUint32(mlxCapData, value); err != nil {
		return err
	}
	// LSB clear indicates a write.
	return g.cs.WriteConfigUint32(mlxCapAddr, offset)
}

// poll retries cond with backoff pacing until it holds, errors, or the
// budget lapses.
func (g *gateway) poll(what string, cond func() (bool, error)) error {
	b := &backoff.Backoff{
		Min:    10 * time.Microsecond,
		Max:    1 * time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(pollBudget)
	for {
		ok, err := cond()
		if err != nil || ok {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", what, rshim.ErrProtocolTimeout)
		}
		time.Sleep(b.Duration())
	}
}

// lockAcquire claims the gateway lock: wait for the acquired bit to clear,
// then set it. The lock is per device, not per operation class; callers must
// never nest acquisitions.
func (g *gateway) lockAcquire() error {
	err := g.poll("cr gateway lock", func() (bool, error) {
		v, err := g.capRead(crGwLock)
		return v&crGwLockAcquired == 0, err
	})
	if err != nil {
		return err
	}
	return g.capWrite(crGwLock, crGwLockAcquired)
}

func (g *gateway) lockRelease() error {
	return g.capWrite(crGwLock, crGwLockRelease)
}

// readWord reads a 32-bit CR-space word. The lock is released on every exit
// path; an early-return that kept it held would deadlock all later accesses.
func (g *gateway) readWord(addr uint32) (v uint32, err error) {
	if err = g.lockAcquire(); err != nil {
		return
	}
	defer g.lockRelease()

	if err = g.capWrite(crGwAddrLower, addr); err != nil {
		return
	}
	if err = g.capWrite(crGwCtl, crGwRead4Byte); err != nil {
		return
	}
	if err = g.capWrite(crGwLock, crGwTrigger); err != nil {
		return
	}
	return g.capRead(crGwDataLower)
}

// writeWord writes a 32-bit CR-space word.
func (g *gateway) writeWord(addr, value uint32) (err error) {
	if err = g.lockAcquire(); err != nil {
		return
	}
	defer g.lockRelease()

	if err = g.capWrite(crGwDataLower, value); err != nil {
		return
	}
	if err = g.capWrite(crGwAddrLower, addr); err != nil {
		return
	}
	if err = g.capWrite(crGwCtl, crGwWrite4Byte); err != nil {
		return
	}
	return g.capWrite(crGwLock, crGwTrigger)
}

// pendingWait blocks until the byte-access widget has retired its current
// operation.
func (g *gateway) pendingWait() error {
	return g.poll("byte access pending", func() (bool, error) {
		v, err := g.readWord(byteAccCtl)
		return v&byteAccPending == 0, err
	})
}

// byteAccRead performs one 8-byte rshim register read through the widget:
// size select, address, read trigger, then two data fetches concatenated
// big-endian and converted to host order.
func (g *gateway) byteAccRead(addr uint32) (uint64, error) {
	if err := g.pendingWait(); err != nil {
		return 0, err
	}
	if err := g.writeWord(byteAccCtl, byteAccSize4Byte); err != nil {
		return 0, err
	}
	if err := g.writeWord(byteAccAddr, addr); err != nil {
		return 0, err
	}
	if err := g.writeWord(byteAccCtl, byteAccReadTrigger); err != nil {
		return 0, err
	}
	if err := g.pendingWait(); err != nil {
		return 0, err
	}
	hi, err := g.readWord(byteAccRdat)
	if err != nil {
		return 0, err
	}
	if err = g.pendingWait(); err != nil {
		return 0, err
	}
	lo, err := g.readWord(byteAccRdat)
	if err != nil {
		return 0, err
	}
	// The two fetches form the big-endian wire image of the register.
	return bits.ReverseBytes64(uint64(hi)<<32 | uint64(lo)), nil
}

// byteAccWrite performs one 8-byte rshim register write: upper wire half
// first, then lower, each behind a pending wait and a size-select rewrite.
func (g *gateway) byteAccWrite(addr uint32, value uint64) error {
	wire := bits.ReverseBytes64(value)

	if err := g.pendingWait(); err != nil {
		return err
	}
	if err := g.writeWord(byteAccCtl, byteAccSize4Byte); err != nil {
		return err
	}
	if err := g.writeWord(byteAccAddr, addr); err != nil {
		return err
	}
	if err := g.writeWord(byteAccCtl, byteAccSize4Byte); err != nil {
		return err
	}
	if err := g.writeWord(byteAccWdat, uint32(wire>>32)); err != nil {
		return err
	}
	if err := g.pendingWait(); err != nil {
		return err
	}
	return g.writeWord(byteAccWdat, uint32(wire))
}

// bootFifoWrite pushes one 64-bit word into the boot FIFO. The FIFO input
// register coalesces two consecutive 4-byte writes into a single 8-byte
// push, so the widget and its pending handshake are bypassed.
func (g *gateway) bootFifoWrite(addr uint32, value uint64) error {
	wire := bits.ReverseBytes64(value)
	if err := g.writeWord(addr, uint32(wire>>32)); err != nil {
		return err
	}
	return g.writeWord(addr, uint32(wire))
}
