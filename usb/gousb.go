// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package usb

import (
	"context"
	"time"

	"github.com/google/gousb"
)

// The gousb types are wrapped in narrow interfaces so the FIFO state
// machine and register paths can run against fakes in tests.

type usbContext interface {
	OpenDevices(match func(*gousb.DeviceDesc) bool) ([]usbDevice, error)
	Close() error
}

type usbDevice interface {
	Desc() *gousb.DeviceDesc
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ActiveConfigNum() (int, error)
	Config(num int) (usbConfig, error)
	SetAutoDetach(autodetach bool) error
	Close() error
}

type usbConfig interface {
	Interface(num, alt int) (usbInterface, error)
	Close() error
}

type usbInterface interface {
	InEndpoint(num int) (usbInEndpoint, error)
	OutEndpoint(num int) (usbOutEndpoint, error)
	Close()
}

type usbInEndpoint interface {
	ReadContext(ctx context.Context, b []byte) (int, error)
}

type usbOutEndpoint interface {
	WriteContext(ctx context.Context, b []byte) (int, error)
}

type gousbContext struct{ ctx *gousb.Context }

func newGousbContext() usbContext {
	return &gousbContext{ctx: gousb.NewContext()}
}

func (c *gousbContext) OpenDevices(match func(*gousb.DeviceDesc) bool) ([]usbDevice, error) {
	devs, err := c.ctx.OpenDevices(match)
	out := make([]usbDevice, 0, len(devs))
	for _, d := range devs {
		d.ControlTimeout = ctrlTimeout
		out = append(out, &gousbDevice{dev: d})
	}
	return out, err
}

func (c *gousbContext) Close() error { return c.ctx.Close() }

type gousbDevice struct{ dev *gousb.Device }

func (d *gousbDevice) Desc() *gousb.DeviceDesc { return d.dev.Desc }

func (d *gousbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return d.dev.Control(rType, request, val, idx, data)
}

func (d *gousbDevice) ActiveConfigNum() (int, error) { return d.dev.ActiveConfigNum() }

func (d *gousbDevice) Config(num int) (usbConfig, error) {
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, err
	}
	return &gousbConfig{cfg: cfg}, nil
}

func (d *gousbDevice) SetAutoDetach(autodetach bool) error {
	return d.dev.SetAutoDetach(autodetach)
}

func (d *gousbDevice) Close() error { return d.dev.Close() }

type gousbConfig struct{ cfg *gousb.Config }

func (c *gousbConfig) Interface(num, alt int) (usbInterface, error) {
	intf, err := c.cfg.Interface(num, alt)
	if err != nil {
		return nil, err
	}
	return &gousbInterface{intf: intf}, nil
}

func (c *gousbConfig) Close() error { return c.cfg.Close() }

type gousbInterface struct{ intf *gousb.Interface }

func (i *gousbInterface) InEndpoint(num int) (usbInEndpoint, error) {
	return i.intf.InEndpoint(num)
}

func (i *gousbInterface) OutEndpoint(num int) (usbOutEndpoint, error) {
	return i.intf.OutEndpoint(num)
}

func (i *gousbInterface) Close() { i.intf.Close() }

const ctrlTimeout = 20 * time.Second
