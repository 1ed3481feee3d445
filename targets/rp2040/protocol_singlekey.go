//go:build (rp2040 || rp2350) && singlekey

package main

import "picoswitch/firmware"

// GetProtocol returns the single-key protocol (host: native-keys: "b")
func GetProtocol() firmware.Protocol {
	return firmware.SingleKeyProtocol
}
