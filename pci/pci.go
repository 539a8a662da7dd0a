// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package pci provides the little of the Linux sysfs PCI interface the
// rshim transport needs: bus enumeration by vendor/device ID and 32-bit
// configuration-space access.
package pci

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"
)

var sysBusPciPath = "/sys/bus/pci/devices"

// BusAddress locates a function on the PCI bus.
type BusAddress struct {
	Domain        uint16
	Bus, Slot, Fn uint8
}

func (a BusAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", a.Domain, a.Bus, a.Slot, a.Fn)
}

// Device is one PCI function, accessed through its sysfs node.
type Device struct {
	Addr   BusAddress
	Vendor uint16
	ID     uint16
}

func (d *Device) String() string {
	return fmt.Sprintf("%s 0x%04x:0x%04x", d.Addr, d.Vendor, d.ID)
}

func (d *Device) sysfsPath(name string) string {
	return filepath.Join(sysBusPciPath, d.Addr.String(), name)
}

func (d *Device) sysfsReadHex(name string) (v uint, err error) {
	f, err := os.Open(d.sysfsPath(name))
	if err != nil {
		return
	}
	defer f.Close()
	if _, err = fmt.Fscanf(f, "0x%x", &v); err != nil {
		err = fmt.Errorf("%s %s: %v", d.Addr, name, err)
	}
	return
}

func (d *Device) configRw(offset uint, v uint32, isWrite bool) (uint32, error) {
	f, err := os.OpenFile(d.sysfsPath("config"), os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err = f.Seek(int64(offset), 0); err != nil {
		return 0, err
	}
	var b [4]byte
	if isWrite {
		for i := range b {
			b[i] = byte(v >> (8 * uint(i)))
		}
		_, err = f.Write(b[:])
		return v, err
	}
	if _, err = f.Read(b[:]); err != nil {
		return 0, err
	}
	v = 0
	for i := range b {
		v |= uint32(b[i]) << (8 * uint(i))
	}
	return v, nil
}

// ReadConfigUint32 reads a 32-bit little-endian value from configuration
// space at offset.
func (d *Device) ReadConfigUint32(offset uint) (uint32, error) {
	return d.configRw(offset, 0, false)
}

// WriteConfigUint32 writes a 32-bit value to configuration space at offset.
func (d *Device) WriteConfigUint32(offset uint, v uint32) error {
	_, err := d.configRw(offset, v, true)
	return err
}

// Scan enumerates the PCI bus and returns the devices matching the given
// vendor and device ID. A missing sysfs tree scans as empty, not an error.
func Scan(vendor, id uint16) (devs []*Device, err error) {
	fis, err := ioutil.ReadDir(sysBusPciPath)
	if perr, ok := err.(*os.PathError); ok && perr.Err == syscall.ENOENT {
		return nil, nil
	}
	if err != nil {
		return
	}
	for _, fi := range fis {
		d := &Device{}
		n := fi.Name()
		if _, err = fmt.Sscanf(n, "%x:%x:%x.%x",
			&d.Addr.Domain, &d.Addr.Bus, &d.Addr.Slot, &d.Addr.Fn); err != nil {
			return nil, fmt.Errorf("%s: %v", n, err)
		}
		var v [2]uint
		if v[0], err = d.sysfsReadHex("vendor"); err != nil {
			return
		}
		if v[1], err = d.sysfsReadHex("device"); err != nil {
			return
		}
		d.Vendor = uint16(v[0])
		d.ID = uint16(v[1])
		if d.Vendor == vendor && d.ID == id {
			devs = append(devs, d)
		}
	}
	return
}
