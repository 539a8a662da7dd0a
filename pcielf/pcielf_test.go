// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package pcielf

import (
	"testing"

	"github.com/platinasystems/rshim"
	"github.com/platinasystems/rshim/pci"
)

func TestProbeLifecycle(t *testing.T) {
	reg := rshim.NewRegistry()
	var events []rshim.Event
	n := rshim.NotifierFunc(func(e rshim.Event) { events = append(events, e) })
	dev := &pci.Device{
		Addr:   pci.BusAddress{Bus: 1},
		Vendor: VendorID,
		ID:     DeviceID,
	}

	if err := probeOne(dev, reg, n); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != rshim.EventAttach {
		t.Fatalf("events %v, want one attach", events)
	}
	bd, found := reg.FindByName("pcie-0-1-0-0").(*Backend)
	if !found {
		t.Fatal("backend not registered")
	}
	if bd.Refs() != 1 {
		t.Errorf("refs = %d after probe, want exactly the probe reference", bd.Refs())
	}

	// A second discovery pass over the same function reuses the instance
	// and holds no extra reference.
	if err := probeOne(dev, reg, n); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Error("re-probe of a registered name produced a second attach")
	}
	if bd.Refs() != 1 {
		t.Errorf("refs = %d after re-probe, want 1", bd.Refs())
	}

	bd.Detach()
	if len(events) != 2 || events[1].Kind != rshim.EventDetach {
		t.Fatalf("events %v, want attach then detach", events)
	}
	if reg.FindByName("pcie-0-1-0-0") != nil {
		t.Error("backend still registered after last reference dropped")
	}
}

func TestProbeRespectsDevicePolicy(t *testing.T) {
	reg := rshim.NewRegistry()
	reg.AllowDevice = func(name string) bool { return false }
	var events []rshim.Event
	n := rshim.NotifierFunc(func(e rshim.Event) { events = append(events, e) })
	dev := &pci.Device{Addr: pci.BusAddress{Bus: 1}, Vendor: VendorID, ID: DeviceID}

	if err := probeOne(dev, reg, n); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 || len(reg.Names()) != 0 {
		t.Error("filtered device was probed")
	}
}
