package firmware

import (
	"errors"
	"time"
)

// Default timing for the trigger loop
const (
	// IdlePoll is how long the loop sleeps when no input is buffered.
	// Keeps the CPU from spinning while still reacting within ~10ms.
	IdlePoll = 10 * time.Millisecond

	// RebootGrace gives the host time to read the reboot notice before USB drops.
	RebootGrace = 100 * time.Millisecond
)

// Banner tags printed once at boot. The host matches these exact substrings.
const (
	RuntimeBanner = "FW:PY"
	NativeBanner  = "FW:CPP"
)

var (
	errNoKeys       = errors.New("trigger protocol needs at least one key")
	errTooManyKeys  = errors.New("trigger protocol supports at most two keys")
	errEmptyBanner  = errors.New("trigger protocol needs a banner")
	errDuplicateKey = errors.New("two-key trigger needs distinct keys")
)

// Protocol is the trigger configuration shared by the firmware image and the
// host dispatcher. KeyCount is len(Keys): 1 for the single-key variant, 2 for
// the arm-then-confirm variant.
type Protocol struct {
	// Banner is emitted once at boot and prefixes every diagnostic echo
	Banner string

	// Keys is the trigger sequence
	Keys []byte
}

// NativeProtocol is the default two-key protocol: 'r' (reboot) then 'u' (uf2).
var NativeProtocol = Protocol{
	Banner: NativeBanner,
	Keys:   []byte{'r', 'u'},
}

// SingleKeyProtocol reboots on a single 'b'.
var SingleKeyProtocol = Protocol{
	Banner: NativeBanner,
	Keys:   []byte{'b'},
}

// KeyCount returns the number of keys in the trigger sequence
func (p Protocol) KeyCount() int {
	return len(p.Keys)
}

// Validate checks that the protocol is one of the supported versions
func (p Protocol) Validate() error {
	if p.Banner == "" {
		return errEmptyBanner
	}
	switch len(p.Keys) {
	case 0:
		return errNoKeys
	case 1:
		return nil
	case 2:
		// With equal keys a stray repeat of the first key would reboot
		if p.Keys[0] == p.Keys[1] {
			return errDuplicateKey
		}
		return nil
	default:
		return errTooManyKeys
	}
}

// Signal returns the bytes a host must send to trigger a reboot
func (p Protocol) Signal() []byte {
	out := make([]byte, len(p.Keys))
	copy(out, p.Keys)
	return out
}
