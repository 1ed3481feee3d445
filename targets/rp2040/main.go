//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"

	"picoswitch/firmware"
)

func main() {
	// Disable watchdog on boot to clear any previous state
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()

	// Let USB enumerate so the banner has a chance to reach an open host port
	time.Sleep(100 * time.Millisecond)

	proto := GetProtocol()
	if err := proto.Validate(); err != nil {
		// Misconfigured build: stay alive, BOOTSEL button still works
		for {
			time.Sleep(time.Second)
		}
	}

	input := firmware.NewFifoBuffer(64)
	go usbReaderLoop(input)

	m := firmware.NewMachine(proto, &usbBoard{input: input}, firmware.DefaultTiming())
	m.Run()

	// EnterBootloader does not return; if it ever does, spin
	for {
		time.Sleep(time.Second)
	}
}
