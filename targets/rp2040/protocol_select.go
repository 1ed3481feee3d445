//go:build (rp2040 || rp2350) && !singlekey

package main

import "picoswitch/firmware"

// GetProtocol returns the trigger protocol compiled into this image.
// The host must be configured with the same keys (native-keys: "ru").
//
// To build the single-key variant instead:
//
//	tinygo build -target=pico -tags singlekey ./targets/rp2040
func GetProtocol() firmware.Protocol {
	return firmware.NativeProtocol
}
