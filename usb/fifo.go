// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/platinasystems/log"

	"github.com/platinasystems/rshim"
)

const (
	// maxRetries bounds resubmission of a transfer that failed with a
	// transient status and moved no bytes. Partial transfers are not
	// recovered piecemeal; the whole operation is resubmitted or fails.
	maxRetries = 5

	fifoTimeout = 20 * time.Second
)

// slot is one reusable in-flight asynchronous operation. Exactly one
// read-or-interrupt slot and one write slot exist per device; no second
// submission is issued until the prior completion ran.
type slot struct {
	inflight bool
	isIntr   bool
	retries  int
	buf      []byte
	cancel   context.CancelFunc
}

func (s *slot) cancelInflight() {
	if s.cancel != nil {
		s.cancel()
	}
}

// completion status classes.
type status int

const (
	statusCompleted status = iota
	statusBenign
	statusTransient
	statusFailed
)

func classify(err error) status {
	switch {
	case err == nil:
		return statusCompleted
	case errors.Is(err, context.Canceled),
		errors.Is(err, gousb.TransferCancelled),
		errors.Is(err, gousb.TransferNoDevice):
		// Explicit cancellation, e.g. stream close or disconnect.
		// Reporting an error here would break resumable sessions.
		return statusBenign
	case errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferStall),
		errors.Is(err, gousb.TransferOverflow):
		return statusTransient
	default:
		return statusFailed
	}
}

// Read arms an asynchronous FIFO read and returns immediately; completion
// arrives through the Notifier once the stack's poll loop lets the
// transfer finish.
func (bd *Backend) Read(dt rshim.DevType, b []byte) error {
	if dt != rshim.DevTypeTmFifo {
		return fmt.Errorf("%s read %s: %w", bd.DevName, dt, rshim.ErrInvalidArgument)
	}

	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()

	if !bd.HasRshim || !bd.HasTm {
		return rshim.ErrNotReady
	}
	if bd.readSlot.inflight {
		return nil
	}
	if bd.avail > 0 || bd.readBytes > 0 {
		// Data is known to be waiting: bulk read it.
		bd.readSlot = slot{buf: b}
	} else {
		// Ask the interrupt endpoint for the next available count.
		bd.readSlot = slot{buf: bd.intrBuf[:], isIntr: true}
	}
	return bd.submitRead()
}

func (bd *Backend) submitRead() error {
	s := &bd.readSlot
	ep := bd.fifoIn
	timeout := fifoTimeout
	if s.isIntr {
		ep = bd.fifoIntr
		timeout = 0 // interrupt waits indefinitely for the device
	}
	if ep == nil {
		return rshim.ErrNotReady
	}
	s.inflight = true
	bd.spawn(s, func(ctx context.Context) (int, error) {
		return ep.ReadContext(ctx, s.buf)
	}, timeout, bd.readComplete)
	return nil
}

// Write arms an asynchronous FIFO write, or pushes boot-stream bytes with
// a blocking bulk transfer.
func (bd *Backend) Write(dt rshim.DevType, b []byte) error {
	switch dt {
	case rshim.DevTypeTmFifo:
		return bd.fifoWrite(b)
	case rshim.DevTypeBoot:
		return bd.bootWrite(b)
	}
	return fmt.Errorf("%s write %s: %w", bd.DevName, dt, rshim.ErrInvalidArgument)
}

func (bd *Backend) fifoWrite(b []byte) error {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()

	if !bd.HasRshim || !bd.HasTm {
		return rshim.ErrNotReady
	}
	if bd.writeSlot.inflight {
		return nil
	}
	if len(b)%8 != 0 {
		log.Print("rshim", "warn", bd.DevName,
			": fifo write of ", len(b), " bytes is not a multiple of 8")
	}
	bd.writeSlot = slot{buf: b}
	return bd.submitWrite()
}

func (bd *Backend) submitWrite() error {
	s := &bd.writeSlot
	ep := bd.fifoOut
	if ep == nil {
		return rshim.ErrNotReady
	}
	s.inflight = true
	bd.spawn(s, func(ctx context.Context) (int, error) {
		return ep.WriteContext(ctx, s.buf)
	}, fifoTimeout, bd.writeComplete)
	return nil
}

func (bd *Backend) bootWrite(b []byte) error {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()

	if !bd.HasRshim {
		return rshim.ErrNotReady
	}
	ctx, cancel := context.WithTimeout(context.Background(), fifoTimeout)
	defer cancel()
	if _, err := bd.bootOut.WriteContext(ctx, b); err != nil {
		return fmt.Errorf("%s boot write: %w", bd.DevName, err)
	}
	return nil
}

// spawn runs one transfer off the instance mutex and funnels its
// completion back under it, so completion bodies never race a concurrent
// cancel or submit on the same instance.
func (bd *Backend) spawn(s *slot, xfer func(context.Context) (int, error),
	timeout time.Duration, complete func(int, error)) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.cancel = cancel
	go func() {
		n, err := xfer(ctx)
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			err = gousb.TransferTimedOut
		}
		cancel()
		bd.Mutex.Lock()
		complete(n, err)
		bd.Mutex.Unlock()
	}()
}

func (bd *Backend) readComplete(n int, err error) {
	s := &bd.readSlot
	s.inflight = false

	switch classify(err) {
	case statusCompleted:
		if s.isIntr {
			// The payload already carries the new available-byte
			// count; the notification triggers the bulk read.
			bd.avail = intrCount(bd.intrBuf[:n])
		} else {
			bd.avail = 0
			bd.readBytes = n
		}
		bd.Notify(rshim.EventFifoInput, nil)

	case statusBenign:

	case statusTransient:
		if s.retries < maxRetries && n == 0 {
			s.retries++
			if rerr := bd.submitRead(); rerr != nil {
				bd.Notify(rshim.EventFifoError,
					fmt.Errorf("%s read resubmit: %w", bd.DevName, rerr))
			}
			return
		}
		bd.Notify(rshim.EventFifoError,
			fmt.Errorf("%s read: %w", bd.DevName, err))

	default:
		bd.Notify(rshim.EventFifoError,
			fmt.Errorf("%s read: %w", bd.DevName, err))
	}
}

func (bd *Backend) writeComplete(n int, err error) {
	s := &bd.writeSlot
	s.inflight = false

	switch classify(err) {
	case statusCompleted:
		bd.WriteDone.Broadcast()
		bd.Notify(rshim.EventFifoOutput, nil)

	case statusBenign:

	case statusTransient:
		if s.retries < maxRetries && n == 0 {
			s.retries++
			if rerr := bd.submitWrite(); rerr != nil {
				bd.Notify(rshim.EventFifoError,
					fmt.Errorf("%s write resubmit: %w", bd.DevName, rerr))
			}
			return
		}
		bd.Notify(rshim.EventFifoError,
			fmt.Errorf("%s write: %w", bd.DevName, err))

	default:
		bd.Notify(rshim.EventFifoError,
			fmt.Errorf("%s write: %w", bd.DevName, err))
	}
}

// intrCount decodes the little-endian available-byte count from however
// much of the interrupt payload arrived.
func intrCount(b []byte) int {
	var c uint64
	for i := 0; i < len(b) && i < 8; i++ {
		c |= uint64(b[i]) << (8 * uint(i))
	}
	return int(c)
}

// Cancel requests cancellation of the in-flight FIFO operation of the
// given direction. Canceling with nothing in flight is a no-op.
func (bd *Backend) Cancel(dt rshim.DevType, isWrite bool) {
	if dt != rshim.DevTypeTmFifo {
		log.Print("rshim", "err", bd.DevName, ": cancel of bad devtype ", dt)
		return
	}
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()
	if isWrite {
		bd.writeSlot.cancelInflight()
	} else {
		bd.readSlot.cancelInflight()
	}
}

// TakeInput consumes the byte count delivered by the last completed bulk
// read. The upper layer calls it while draining its buffer after an input
// notification.
func (bd *Backend) TakeInput() int {
	bd.Mutex.Lock()
	defer bd.Mutex.Unlock()
	n := bd.readBytes
	bd.readBytes = 0
	return n
}
