// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package usb is the rshim backend for BlueField devices on USB. Register
// access is one vendor control transfer per operation; the tile-monitor
// FIFO runs on asynchronous bulk and interrupt transfers with bounded
// retry, driven by the stack's poll loop.
package usb

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/gousb"
	"github.com/platinasystems/log"

	"github.com/platinasystems/rshim"
)

const (
	// USB IDs of the rshim function.
	VendorID            = 0x22dc
	BlueField1ProductID = 0x0004
	BlueField2ProductID = 0x0214
)

// Hardware generations, recorded in Base.VerID.
const (
	BlueField1 = iota + 1
	BlueField2
)

var productIDs = []gousb.ID{BlueField1ProductID, BlueField2ProductID}

// Backend drives one BlueField rshim exposed over USB.
type Backend struct {
	rshim.Base

	stack *Stack
	dev   usbDevice
	cfg   usbConfig

	bootIntf usbInterface
	fifoIntf usbInterface

	// Endpoints discovered at probe time. The FIFO endpoints are listed
	// by the device in unspecified order and identified by direction
	// and transfer-type bits, not index.
	bootOut  usbOutEndpoint
	fifoIn   usbInEndpoint
	fifoOut  usbOutEndpoint
	fifoIntr usbInEndpoint

	// ctrlBuf is the one-shot scratch buffer for register transfers;
	// intrBuf receives the interrupt endpoint's available-byte count.
	ctrlBuf [8]byte
	intrBuf [8]byte

	// avail is the available-byte count carried from the last interrupt
	// completion; readBytes the residual of the last bulk read. Either
	// being nonzero selects bulk-read mode for the next submission.
	avail     int
	readBytes int

	readSlot  slot
	writeSlot slot
}

// ReadRegister does a blocking vendor control read. The rshim hardware
// puts bytes on the wire in little-endian order regardless of host or ARM
// endianness.
func (bd *Backend) ReadRegister(channel, addr int) (uint64, error) {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()

	if !bd.HasRshim {
		return 0, rshim.ErrNotReady
	}
	n, err := bd.dev.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlEndpoint,
		0, uint16(channel), uint16(addr), bd.ctrlBuf[:])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", bd.DevName, err)
	}
	if err = screenCount(n); err != nil {
		return 0, fmt.Errorf("%s: %w", bd.DevName, err)
	}
	return binary.LittleEndian.Uint64(bd.ctrlBuf[:]), nil
}

// WriteRegister does a blocking vendor control write of the little-endian
// wire image.
func (bd *Backend) WriteRegister(channel, addr int, value uint64) error {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()

	if !bd.HasRshim {
		return rshim.ErrNotReady
	}
	binary.LittleEndian.PutUint64(bd.ctrlBuf[:], value)
	n, err := bd.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlEndpoint,
		0, uint16(channel), uint16(addr), bd.ctrlBuf[:])
	if err != nil {
		return fmt.Errorf("%s: %w", bd.DevName, err)
	}
	if err = screenCount(n); err != nil {
		return fmt.Errorf("%s: %w", bd.DevName, err)
	}
	return nil
}

// screenCount distinguishes long from short register transfers so upper
// layers can tell garbage from a short read.
func screenCount(n int) error {
	switch {
	case n == 8:
		return nil
	case n > 8:
		return rshim.ErrLongTransfer
	default:
		return rshim.ErrShortTransfer
	}
}

// deviceName derives the stable name from bus number and port chain, e.g.
// bus 1 ports [2 3 4] -> "usb-1-2-3.4".
func deviceName(desc *gousb.DeviceDesc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "usb-%x", desc.Bus)
	for i, port := range desc.Path {
		sep := byte('-')
		if i == len(desc.Path)-1 {
			sep = '.'
		}
		fmt.Fprintf(&b, "%c%x", sep, port)
	}
	return b.String()
}

// claimEndpoints classifies the device's interfaces and opens their
// endpoints: subclass 0 is the register/boot interface with a single bulk
// out endpoint, subclass 1 the FIFO interface with bulk in, bulk out and
// interrupt in. A malformed topology fails the probe of this device only.
func (bd *Backend) claimEndpoints() error {
	num, err := bd.dev.ActiveConfigNum()
	if err != nil {
		return err
	}
	cfgDesc, found := bd.dev.Desc().Configs[num]
	if !found {
		return fmt.Errorf("no descriptor for active config %d", num)
	}
	if bd.cfg, err = bd.dev.Config(num); err != nil {
		return err
	}

	for _, intf := range cfgDesc.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		switch alt.SubClass {
		case 0:
			ep, err := singleBulkOut(alt)
			if err != nil {
				return err
			}
			if bd.bootIntf, err = bd.cfg.Interface(intf.Number, 0); err != nil {
				return err
			}
			if bd.bootOut, err = bd.bootIntf.OutEndpoint(ep.Number); err != nil {
				return err
			}
			bd.HasRshim = true
		case 1:
			in, out, intr, err := fifoEndpoints(alt)
			if err != nil {
				return err
			}
			if bd.fifoIntf, err = bd.cfg.Interface(intf.Number, 0); err != nil {
				return err
			}
			if bd.fifoIn, err = bd.fifoIntf.InEndpoint(in.Number); err != nil {
				return err
			}
			if bd.fifoOut, err = bd.fifoIntf.OutEndpoint(out.Number); err != nil {
				return err
			}
			if bd.fifoIntr, err = bd.fifoIntf.InEndpoint(intr.Number); err != nil {
				return err
			}
			bd.HasTm = true
		default:
			return fmt.Errorf("unexpected interface subclass %d", alt.SubClass)
		}
	}
	return nil
}

func singleBulkOut(alt gousb.InterfaceSetting) (gousb.EndpointDesc, error) {
	if len(alt.Endpoints) != 1 {
		return gousb.EndpointDesc{}, fmt.Errorf(
			"rshim interface has %d endpoints, want 1", len(alt.Endpoints))
	}
	for _, ep := range alt.Endpoints {
		if ep.Direction != gousb.EndpointDirectionOut ||
			ep.TransferType != gousb.TransferTypeBulk {
			return gousb.EndpointDesc{}, fmt.Errorf(
				"rshim interface endpoint %v is not bulk out", ep.Address)
		}
		return ep, nil
	}
	panic("unreachable")
}

func fifoEndpoints(alt gousb.InterfaceSetting) (in, out, intr gousb.EndpointDesc, err error) {
	if len(alt.Endpoints) != 3 {
		err = fmt.Errorf("tm interface has %d endpoints, want 3", len(alt.Endpoints))
		return
	}
	var haveIn, haveOut, haveIntr bool
	for _, ep := range alt.Endpoints {
		switch {
		case ep.Direction == gousb.EndpointDirectionIn &&
			ep.TransferType == gousb.TransferTypeBulk:
			in, haveIn = ep, true
		case ep.Direction == gousb.EndpointDirectionIn &&
			ep.TransferType == gousb.TransferTypeInterrupt:
			intr, haveIntr = ep, true
		case ep.Direction == gousb.EndpointDirectionOut &&
			ep.TransferType == gousb.TransferTypeBulk:
			out, haveOut = ep, true
		}
	}
	if !haveIn || !haveOut || !haveIntr {
		err = fmt.Errorf("tm interface is missing required endpoints")
	}
	return
}

// release drops the transport resources, leaving the instance itself to
// its reference holders.
func (bd *Backend) release() {
	if bd.bootIntf != nil {
		bd.bootIntf.Close()
		bd.bootIntf = nil
	}
	if bd.fifoIntf != nil {
		bd.fifoIntf.Close()
		bd.fifoIntf = nil
	}
	if bd.cfg != nil {
		bd.cfg.Close()
		bd.cfg = nil
	}
	if bd.dev != nil {
		bd.dev.Close()
		bd.dev = nil
	}
	bd.bootOut = nil
	bd.fifoIn = nil
	bd.fifoOut = nil
	bd.fifoIntr = nil
}

// disconnect handles device removal: notify, cancel both in-flight slots,
// clear the capability flags before releasing the handle, and drop the
// probe reference. Destruction waits for the remaining holders.
func (bd *Backend) disconnect() {
	bd.Notify(rshim.EventDetach, nil)

	bd.Mutex.Lock()
	bd.HasRshim = false
	bd.HasTm = false
	bd.readSlot.cancelInflight()
	bd.writeSlot.cancelInflight()
	bd.release()
	bd.Mutex.Unlock()

	log.Print("rshim", "info", bd.DevName, " disconnected")
	bd.Unref()
}

// Close deregisters the instance. Call only once the reference count has
// dropped to zero.
func (bd *Backend) Close() error {
	bd.stack.reg.Deregister(bd)
	bd.Mutex.Lock()
	bd.release()
	bd.Mutex.Unlock()
	return nil
}
