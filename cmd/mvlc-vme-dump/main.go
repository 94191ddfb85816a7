// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// mvlc-vme-dump is a thin single-action CLI exercising the dialog layer's
// register and stack-slot operations, in the style of cmd/smartctl's
// flag-driven, one-shot-action shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"

	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/dialog"
	"github.com/mvlc-go/mvlc/eth"
	"github.com/mvlc-go/mvlc/usb"
)

func main() {
	var (
		ethHost   string
		usbSerial string
		action    string
		addrFlag  string
		valueFlag string
	)

	flag.StringVar(&ethHost, "eth", "", "connect to an ETH MVLC at this host/IP instead of USB")
	flag.StringVar(&usbSerial, "usb-serial", "MVLC", "USB FT60x serial substring to match")
	flag.StringVar(&action, "action", "read", "read|write|stacks|clear-triggers")
	flag.StringVar(&addrFlag, "addr", "0x2000", "register address (read/write)")
	flag.StringVar(&valueFlag, "value", "0x0", "value to write (write)")
	flag.Parse()

	var t mvlc.Transport
	if ethHost != "" {
		t = eth.NewTransport(ethHost)
	} else {
		t = usb.New(usbSerial)
	}

	if err := t.Connect(context.Background()); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer t.Disconnect()

	d := dialog.New(t)

	switch action {
	case "read":
		addr, err := parseUint16(addrFlag)
		if err != nil {
			log.Fatalf("bad -addr: %v", err)
		}
		val, err := d.ReadRegister(addr)
		if err != nil {
			log.Fatalf("read register 0x%04x: %v", addr, err)
		}
		fmt.Printf("0x%04x = 0x%08x\n", addr, val)

	case "write":
		addr, err := parseUint16(addrFlag)
		if err != nil {
			log.Fatalf("bad -addr: %v", err)
		}
		val, err := parseUint32(valueFlag)
		if err != nil {
			log.Fatalf("bad -value: %v", err)
		}
		if err := d.WriteRegister(addr, val); err != nil {
			log.Fatalf("write register 0x%04x: %v", addr, err)
		}
		fmt.Printf("0x%04x <- 0x%08x\n", addr, val)

	case "stacks":
		infos, err := dialog.ReadAllStackInfo(d)
		if err != nil {
			log.Fatalf("read stack info: %v", err)
		}
		for _, si := range infos {
			fmt.Printf("stack %d: offset=0x%04x trigger=%+v\n", si.StackID, si.Offset, si.Trigger)
		}

	case "clear-triggers":
		if err := dialog.ClearAllStackTriggers(d); err != nil {
			log.Fatalf("clear stack triggers: %v", err)
		}
		fmt.Println("all stack triggers cleared, DAQ mode disabled")

	default:
		log.Fatalf("unknown -action %q", action)
	}
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	return uint16(v), err
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}
