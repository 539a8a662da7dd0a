// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package usb

import (
	"fmt"
	"sync/atomic"

	"github.com/google/gousb"
	"github.com/platinasystems/log"

	"github.com/platinasystems/rshim"
)

// Stack owns the USB context, the registry hookup and the deferred-probe
// signal. It replaces the process-wide globals of older drivers with state
// that is created at startup and torn down at shutdown.
type Stack struct {
	ctx      usbContext
	reg      *rshim.Registry
	notifier rshim.Notifier

	// needProbe is the single-producer/single-consumer hotplug signal:
	// arrival handlers set it, only Poll consumes it. Probing involves
	// control transfers, which are unsafe from a callback context.
	needProbe int32
}

// NewStack opens the USB stack. Call Close when done.
func NewStack(reg *rshim.Registry, n rshim.Notifier) *Stack {
	s := &Stack{ctx: newGousbContext(), reg: reg, notifier: n}
	s.RequestProbe()
	return s
}

// RequestProbe schedules a discovery pass for the next Poll call.
func (s *Stack) RequestProbe() {
	atomic.StoreInt32(&s.needProbe, 1)
}

// Poll is the non-blocking pump: it runs a deferred discovery pass when
// one was requested. Transfer completions themselves are driven by the
// USB stack's own event handling and need no pumping here.
func (s *Stack) Poll() {
	if atomic.CompareAndSwapInt32(&s.needProbe, 1, 0) {
		s.probe()
	}
}

// Close releases the USB context. Live backends were released through
// their own lifecycle.
func (s *Stack) Close() error {
	return s.ctx.Close()
}

func match(desc *gousb.DeviceDesc) bool {
	if desc.Vendor != VendorID {
		return false
	}
	for _, id := range productIDs {
		if desc.Product == id {
			return true
		}
	}
	return false
}

// probe enumerates rshim devices, attaches new ones, and detects removal
// of known ones by their absence from the enumeration.
func (s *Stack) probe() {
	devs, err := s.ctx.OpenDevices(match)
	if err != nil {
		log.Print("rshim", "err", "usb enumeration: ", err)
	}

	seen := make(map[string]bool, len(devs))
	for _, dev := range devs {
		name := deviceName(dev.Desc())
		seen[name] = true
		if err := s.probeOne(name, dev); err != nil {
			log.Print("rshim", "err", name, ": ", err)
		}
	}

	// A failed enumeration says nothing about the devices it failed to
	// list; treating its gaps as unplugs would tear down every live
	// session on one transient stack error.
	if err != nil {
		return
	}

	// A registered USB backend whose device no longer enumerates has
	// been unplugged; removal is handled synchronously, here.
	for _, name := range s.reg.Names() {
		if seen[name] {
			continue
		}
		if bd, ok := s.reg.FindByName(name).(*Backend); ok && bd.attached() {
			bd.disconnect()
		}
	}
}

func (bd *Backend) attached() bool {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()
	return bd.dev != nil
}

// probeOne attaches one enumerated device, reusing the backend instance if
// the stable name is already registered. Failures abort only this
// device's probe.
func (s *Stack) probeOne(name string, dev usbDevice) error {
	if !s.reg.Allowed(name) {
		dev.Close()
		return nil
	}

	var bd *Backend
	if found := s.reg.FindByName(name); found != nil {
		var ok bool
		if bd, ok = found.(*Backend); !ok || bd.attached() {
			// Attached through another transport, or this handle
			// is a duplicate of a live one.
			dev.Close()
			return nil
		}
	} else {
		bd = &Backend{stack: s}
		bd.DevName = name
		bd.Notifier = s.notifier
		bd.Init(func() { bd.Close() })
	}
	log.Print("rshim", "info", "probing ", name)

	bd.Ref()
	bd.Mutex.Lock()
	err := bd.attach(dev)
	if err == nil && s.reg.FindByName(name) == nil {
		if !s.reg.Register(bd) {
			err = fmt.Errorf("lost registration race")
		}
	}
	if err == nil {
		bd.Notify(rshim.EventAttach, nil)
	}
	bd.Mutex.Unlock()

	if err != nil {
		bd.Mutex.Lock()
		bd.release()
		bd.HasRshim = false
		bd.HasTm = false
		bd.Mutex.Unlock()
		bd.Unref()
		return err
	}
	return nil
}

// attach binds an open device handle to the instance and discovers its
// interfaces and endpoints. Caller holds the instance mutex.
func (bd *Backend) attach(dev usbDevice) error {
	bd.dev = dev
	desc := dev.Desc()

	switch desc.Product {
	case gousb.ID(BlueField2ProductID):
		bd.VerID = BlueField2
	default:
		bd.VerID = BlueField1
	}
	bd.RevID = int(uint16(desc.Device))

	// A kernel rshim driver bound to the interfaces would make every
	// claim fail; have the stack detach it first.
	if err := dev.SetAutoDetach(true); err != nil {
		return err
	}
	return bd.claimEndpoints()
}
