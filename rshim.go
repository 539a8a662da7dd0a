// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package rshim defines the transport contract between the rshim hardware
// backends (USB, PCIe live-fish) and the upper FIFO/console multiplexer.
// A backend exposes 64-bit register access plus a byte-stream interface and
// reports progress through a Notifier; the upper layers never see the
// underlying hardware protocol.
package rshim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DevType selects which stream a Read/Write/Cancel call refers to.
type DevType int

const (
	// DevTypeBoot is the write-only boot push interface.
	DevTypeBoot DevType = iota
	// DevTypeTmFifo is the bidirectional tile-monitor FIFO byte stream.
	DevTypeTmFifo
)

func (t DevType) String() string {
	switch t {
	case DevTypeBoot:
		return "boot"
	case DevTypeTmFifo:
		return "tmfifo"
	}
	return fmt.Sprintf("devtype(%d)", int(t))
}

// EventKind identifies a backend notification.
type EventKind int

const (
	EventAttach EventKind = iota
	EventDetach
	EventFifoInput
	EventFifoOutput
	EventFifoError
)

func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventFifoInput:
		return "fifo-input"
	case EventFifoOutput:
		return "fifo-output"
	case EventFifoError:
		return "fifo-error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered synchronously from the mutex-holding context that
// detected it. Err is set for EventFifoError only.
type Event struct {
	Kind EventKind
	Name string
	Err  error
}

// Notifier receives backend events. Implementations must not call back into
// the originating backend from Notify; they run under its instance mutex.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

var (
	// ErrNotReady means the capability flag for the requested space is
	// unset; the device is not (fully) attached.
	ErrNotReady = errors.New("device not ready")

	// ErrShortTransfer and ErrLongTransfer report a register transfer
	// that moved other than exactly 8 bytes. They are distinct so upper
	// layers can tell a short read from garbage.
	ErrShortTransfer = errors.New("short register transfer")
	ErrLongTransfer  = errors.New("long register transfer")

	// ErrInvalidArgument reports an unknown stream device type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCanceled marks a voluntarily canceled transfer. It is benign
	// and never surfaced as a FIFO error event.
	ErrCanceled = errors.New("transfer canceled")

	// ErrProtocolTimeout means a hardware handshake (gateway lock,
	// byte-access pending bit) never completed within its budget.
	ErrProtocolTimeout = errors.New("hardware protocol timeout")
)

// Backend is the polymorphic transport surface consumed by the upper layers.
// All register and stream entry points on one instance serialize through its
// instance mutex; callers never observe interleaved protocol steps.
type Backend interface {
	// Name returns the stable device name derived from bus topology.
	Name() string

	// ReadRegister and WriteRegister perform blocking, ordered 64-bit
	// register access addressed by (channel, addr).
	ReadRegister(channel, addr int) (uint64, error)
	WriteRegister(channel, addr int, value uint64) error

	// Read and Write move stream bytes for the given device type. On
	// asynchronous transports they only arm an in-flight operation;
	// completion arrives later through the Notifier.
	Read(dt DevType, b []byte) error
	Write(dt DevType, b []byte) error

	// Cancel requests cancellation of any in-flight operation of the
	// given type and direction. It is idempotent; canceling with
	// nothing in flight is a no-op.
	Cancel(dt DevType, isWrite bool)

	// Close deregisters the instance and releases transport resources.
	// It must only be called once the reference count reached zero.
	Close() error
}

// Base carries the state shared by every backend instance. Concrete
// backends embed it and the registry manipulates it through these methods.
type Base struct {
	// Mutex serializes all register and control operations against the
	// device, including async completion handling.
	Mutex sync.Mutex

	// WriteDone signals blocking writers waiting for an outstanding
	// FIFO write to drain. It must be initialized with Mutex as its
	// Locker (see Init).
	WriteDone *sync.Cond

	// DevName is the stable bus-topology name, e.g. "usb-1-1.2" or
	// "pcie-0-3-0-0".
	DevName string

	// HasRshim and HasTm are the capability flags: register space and
	// tile-monitor FIFO present. A detach clears them without
	// necessarily destroying the instance.
	HasRshim bool
	HasTm    bool

	// VerID and RevID identify the hardware generation and revision.
	VerID int
	RevID int

	// Notifier receives this instance's events. Nil is allowed and
	// drops them.
	Notifier Notifier

	refs    int32
	destroy func()
}

// Init prepares the condition variable and destroy hook. The hook runs when
// the reference count drops to zero.
func (b *Base) Init(destroy func()) {
	b.WriteDone = sync.NewCond(&b.Mutex)
	b.destroy = destroy
}

func (b *Base) Name() string { return b.DevName }

// Notify forwards an event to the upper layer. Callers hold the instance
// mutex; the Notifier contract preserves that.
func (b *Base) Notify(kind EventKind, err error) {
	if b.Notifier != nil {
		b.Notifier.Notify(Event{Kind: kind, Name: b.DevName, Err: err})
	}
}

// Ref takes a reference on the instance.
func (b *Base) Ref() { atomic.AddInt32(&b.refs, 1) }

// Unref drops a reference. The destroy hook runs on the last drop, so
// upper-layer references may outlive a physical disconnect.
func (b *Base) Unref() {
	if atomic.AddInt32(&b.refs, -1) == 0 && b.destroy != nil {
		b.destroy()
	}
}

// Refs reports the current reference count.
func (b *Base) Refs() int { return int(atomic.LoadInt32(&b.refs)) }
