// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Rshimd attaches BlueField rshim devices over USB or PCIe (live-fish)
// and reports their transport events.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"

	"github.com/platinasystems/rshim"
	"github.com/platinasystems/rshim/pcielf"
	"github.com/platinasystems/rshim/usb"
)

const usage = `usage: rshimd [-no-usb] [-no-pcie] [-allow DEV[,DEV...]] [-poll DURATION]`

func main() {
	if err := Main(os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, "rshimd: ", err)
		os.Exit(1)
	}
}

func Main(args ...string) error {
	flag, args := flags.New(args, "-h", "-no-usb", "-no-pcie")
	parm, args := parms.New(args, "-allow", "-poll")
	if flag.ByName["-h"] || len(args) > 0 {
		fmt.Println(usage)
		return nil
	}

	poll := 10 * time.Millisecond
	if s := parm.ByName["-poll"]; len(s) > 0 {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("-poll %q: %v", s, err)
		}
		poll = d
	}

	reg := rshim.NewRegistry()
	if s := parm.ByName["-allow"]; len(s) > 0 {
		allowed := make(map[string]bool)
		for _, name := range strings.Split(s, ",") {
			allowed[name] = true
		}
		reg.AllowDevice = func(name string) bool { return allowed[name] }
	}

	// Events arrive from mutex-holding backend contexts; buffer them
	// for the main loop rather than handling inline.
	events := make(chan rshim.Event, 64)
	notifier := rshim.NotifierFunc(func(e rshim.Event) {
		select {
		case events <- e:
		default:
			log.Print("rshimd", "warn", "event queue overflow, dropped ", e.Kind)
		}
	})

	var stack *usb.Stack
	if !flag.ByName["-no-usb"] {
		stack = usb.NewStack(reg, notifier)
		defer stack.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	pump := time.NewTicker(poll)
	defer pump.Stop()
	rescan := time.NewTicker(time.Second)
	defer rescan.Stop()

	log.Print("rshimd", "info", "started")
	for {
		select {
		case <-sig:
			log.Print("rshimd", "info", "stopping")
			return nil
		case e := <-events:
			handle(e)
		case <-pump.C:
			if stack != nil {
				stack.Poll()
			}
		case <-rescan.C:
			if stack != nil {
				stack.RequestProbe()
			}
			if !flag.ByName["-no-pcie"] {
				pcielf.Probe(reg, notifier)
			}
		}
	}
}

func handle(e rshim.Event) {
	switch e.Kind {
	case rshim.EventAttach:
		log.Print("rshimd", "info", e.Name, " attached")
	case rshim.EventDetach:
		log.Print("rshimd", "info", e.Name, " detached")
	case rshim.EventFifoError:
		log.Print("rshimd", "err", e.Name, ": ", e.Err)
	}
}
