// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package usb

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/platinasystems/rshim"
)

// fakeResult scripts one transfer completion. A wait entry blocks until
// the transfer context is cancelled before returning, emulating a
// transfer that is in flight when Cancel or disconnect hits it.
type fakeResult struct {
	n    int
	err  error
	wait bool
	fill []byte
}

type fakeInEndpoint struct {
	mu     sync.Mutex
	script []fakeResult
	calls  int
}

func (e *fakeInEndpoint) ReadContext(ctx context.Context, b []byte) (int, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	r := fakeResult{err: gousb.TransferCancelled}
	if i < len(e.script) {
		r = e.script[i]
	}
	e.mu.Unlock()
	if r.wait {
		<-ctx.Done()
	}
	copy(b, r.fill)
	return r.n, r.err
}

func (e *fakeInEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeOutEndpoint struct {
	mu     sync.Mutex
	script []fakeResult
	calls  int
	wrote  [][]byte
}

func (e *fakeOutEndpoint) WriteContext(ctx context.Context, b []byte) (int, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	e.wrote = append(e.wrote, append([]byte(nil), b...))
	r := fakeResult{n: len(b)}
	if i < len(e.script) {
		r = e.script[i]
	}
	e.mu.Unlock()
	if r.wait {
		<-ctx.Done()
	}
	return r.n, r.err
}

func (e *fakeOutEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func fifoBackend() (*Backend, *fakeInEndpoint, *fakeOutEndpoint, *fakeInEndpoint, chan rshim.Event) {
	events := make(chan rshim.Event, 16)
	in := &fakeInEndpoint{}
	out := &fakeOutEndpoint{}
	intr := &fakeInEndpoint{}

	bd := &Backend{}
	bd.DevName = "usb-1.2"
	bd.Init(nil)
	bd.Notifier = rshim.NotifierFunc(func(e rshim.Event) { events <- e })
	bd.HasRshim = true
	bd.HasTm = true
	bd.fifoIn = in
	bd.fifoOut = out
	bd.fifoIntr = intr
	return bd, in, out, intr, events
}

func waitEvent(t *testing.T, events chan rshim.Event) rshim.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return rshim.Event{}
}

func wantNoEvent(t *testing.T, events chan rshim.Event) {
	t.Helper()
	select {
	case e := <-events:
		t.Errorf("unexpected event %v err %v", e.Kind, e.Err)
	default:
	}
}

// waitIdle spins until the given slot's completion has run.
func waitIdle(t *testing.T, bd *Backend, write bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bd.Mutex.Lock()
		inflight := bd.readSlot.inflight
		if write {
			inflight = bd.writeSlot.inflight
		}
		bd.Mutex.Unlock()
		if !inflight {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("transfer never completed")
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

func TestReadArmsInterruptWhenIdle(t *testing.T) {
	bd, in, _, intr, events := fifoBackend()
	intr.script = []fakeResult{{n: 8, fill: le64(96)}}

	if err := bd.Read(rshim.DevTypeTmFifo, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Kind != rshim.EventFifoInput {
		t.Fatalf("event %v, want fifo input", e.Kind)
	}
	bd.Mutex.Lock()
	avail := bd.avail
	bd.Mutex.Unlock()
	if avail != 96 {
		t.Errorf("avail = %d, want 96", avail)
	}
	if in.count() != 0 {
		t.Errorf("bulk endpoint used with no data available")
	}
}

func TestReadUsesBulkWhenDataAvailable(t *testing.T) {
	bd, in, _, intr, events := fifoBackend()
	payload := []byte("tmfifo console bytes\n")
	in.script = []fakeResult{{n: len(payload), fill: payload}}
	bd.avail = len(payload)

	buf := make([]byte, 64)
	if err := bd.Read(rshim.DevTypeTmFifo, buf); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Kind != rshim.EventFifoInput {
		t.Fatalf("event %v, want fifo input", e.Kind)
	}
	if n := bd.TakeInput(); n != len(payload) {
		t.Fatalf("TakeInput = %d, want %d", n, len(payload))
	}
	if bd.TakeInput() != 0 {
		t.Error("TakeInput did not consume the count")
	}
	if !bytes.Equal(buf[:len(payload)], payload) {
		t.Error("payload not delivered to caller buffer")
	}
	if intr.count() != 0 {
		t.Error("interrupt endpoint polled while data was available")
	}
}

func TestReadRetriesTransientStall(t *testing.T) {
	bd, in, _, _, events := fifoBackend()
	in.script = []fakeResult{
		{err: gousb.TransferStall},
		{err: gousb.TransferStall},
		{err: gousb.TransferStall},
		{err: gousb.TransferStall},
		{err: gousb.TransferStall},
		{n: 16, fill: make([]byte, 16)},
	}
	bd.avail = 16

	if err := bd.Read(rshim.DevTypeTmFifo, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Kind != rshim.EventFifoInput {
		t.Fatalf("event %v err %v, want fifo input", e.Kind, e.Err)
	}
	if in.count() != 6 {
		t.Errorf("endpoint saw %d submissions, want 6", in.count())
	}
	wantNoEvent(t, events)
}

func TestReadRetriesExhaust(t *testing.T) {
	bd, in, _, _, events := fifoBackend()
	stall := fakeResult{err: gousb.TransferStall}
	in.script = []fakeResult{stall, stall, stall, stall, stall, stall}
	bd.avail = 16

	if err := bd.Read(rshim.DevTypeTmFifo, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, events)
	if e.Kind != rshim.EventFifoError {
		t.Fatalf("event %v, want fifo error", e.Kind)
	}
	if !errors.Is(e.Err, gousb.TransferStall) {
		t.Errorf("error event carries %v, want the stall", e.Err)
	}
	if in.count() != 6 {
		t.Errorf("endpoint saw %d submissions, want 6", in.count())
	}
	wantNoEvent(t, events)
}

func TestReadPartialTransientNotRetried(t *testing.T) {
	bd, in, _, _, events := fifoBackend()
	in.script = []fakeResult{{n: 4, err: gousb.TransferOverflow, fill: make([]byte, 4)}}
	bd.avail = 16

	if err := bd.Read(rshim.DevTypeTmFifo, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Kind != rshim.EventFifoError {
		t.Fatalf("event %v, want fifo error", e.Kind)
	}
	if in.count() != 1 {
		t.Errorf("partial transfer resubmitted %d times", in.count()-1)
	}
}

func TestCancelIsQuiet(t *testing.T) {
	bd, in, _, _, events := fifoBackend()
	in.script = []fakeResult{{wait: true, err: gousb.TransferCancelled}}
	bd.avail = 16

	if err := bd.Read(rshim.DevTypeTmFifo, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	bd.Cancel(rshim.DevTypeTmFifo, false)
	waitIdle(t, bd, false)
	wantNoEvent(t, events)
}

func TestReadWhileInflightIsNoop(t *testing.T) {
	bd, in, _, _, _ := fifoBackend()
	in.script = []fakeResult{{wait: true, err: gousb.TransferCancelled}}
	bd.avail = 16

	buf := make([]byte, 64)
	if err := bd.Read(rshim.DevTypeTmFifo, buf); err != nil {
		t.Fatal(err)
	}
	if err := bd.Read(rshim.DevTypeTmFifo, buf); err != nil {
		t.Fatal(err)
	}
	if in.count() != 1 {
		t.Errorf("second read armed a second transfer")
	}
	bd.Cancel(rshim.DevTypeTmFifo, false)
	waitIdle(t, bd, false)
}

func TestWriteCompletion(t *testing.T) {
	bd, _, out, _, events := fifoBackend()

	if err := bd.Write(rshim.DevTypeTmFifo, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Kind != rshim.EventFifoOutput {
		t.Fatalf("event %v, want fifo output", e.Kind)
	}
	if out.count() != 1 {
		t.Errorf("endpoint saw %d submissions, want 1", out.count())
	}
}

func TestWriteRetriesTransientStall(t *testing.T) {
	bd, _, out, _, events := fifoBackend()
	out.script = []fakeResult{
		{err: gousb.TransferStall},
		{err: gousb.TransferStall},
		{n: 16},
	}

	if err := bd.Write(rshim.DevTypeTmFifo, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Kind != rshim.EventFifoOutput {
		t.Fatalf("event %v err %v, want fifo output", e.Kind, e.Err)
	}
	if out.count() != 3 {
		t.Errorf("endpoint saw %d submissions, want 3", out.count())
	}
	wantNoEvent(t, events)
}

func TestWriteRetriesExhaust(t *testing.T) {
	bd, _, out, _, events := fifoBackend()
	stall := fakeResult{err: gousb.TransferStall}
	out.script = []fakeResult{stall, stall, stall, stall, stall, stall}

	if err := bd.Write(rshim.DevTypeTmFifo, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, events)
	if e.Kind != rshim.EventFifoError {
		t.Fatalf("event %v, want fifo error", e.Kind)
	}
	if !errors.Is(e.Err, gousb.TransferStall) {
		t.Errorf("error event carries %v, want the stall", e.Err)
	}
	if out.count() != 6 {
		t.Errorf("endpoint saw %d submissions, want 6", out.count())
	}
	wantNoEvent(t, events)
}

func TestBootWriteBlocks(t *testing.T) {
	bd, _, _, _, events := fifoBackend()
	boot := &fakeOutEndpoint{}
	bd.bootOut = boot

	img := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := bd.Write(rshim.DevTypeBoot, img); err != nil {
		t.Fatal(err)
	}
	if boot.count() != 1 {
		t.Fatalf("boot endpoint saw %d writes, want 1", boot.count())
	}
	if !bytes.Equal(boot.wrote[0], img) {
		t.Error("boot stream bytes mangled")
	}
	wantNoEvent(t, events)
}

func TestStreamArgumentScreening(t *testing.T) {
	bd, _, _, _, _ := fifoBackend()
	if err := bd.Read(rshim.DevTypeBoot, nil); !errors.Is(err, rshim.ErrInvalidArgument) {
		t.Errorf("boot read error = %v, want ErrInvalidArgument", err)
	}
	if err := bd.Write(rshim.DevType(99), nil); !errors.Is(err, rshim.ErrInvalidArgument) {
		t.Errorf("bad devtype write error = %v, want ErrInvalidArgument", err)
	}
}

func TestStreamNotReady(t *testing.T) {
	bd, _, _, _, _ := fifoBackend()
	bd.HasTm = false
	if err := bd.Read(rshim.DevTypeTmFifo, nil); !errors.Is(err, rshim.ErrNotReady) {
		t.Errorf("read error = %v, want ErrNotReady", err)
	}
	if err := bd.Write(rshim.DevTypeTmFifo, nil); !errors.Is(err, rshim.ErrNotReady) {
		t.Errorf("write error = %v, want ErrNotReady", err)
	}
}
