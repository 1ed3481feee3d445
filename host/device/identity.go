package device

import (
	"fmt"
	"os"
	"strings"

	"picoswitch/firmware"
)

// Identity is which firmware image (or the bootloader) is active on the board.
// It is always derived from live observation and never cached across sessions.
type Identity int

const (
	// Unknown means no banner was recognized
	Unknown Identity = iota
	// RuntimeImage is the interpreted runtime (MicroPython)
	RuntimeImage
	// NativeImage is the natively compiled trigger firmware
	NativeImage
	// BootloaderMode means the RPI-RP2 mass-storage volume is exposed
	BootloaderMode
)

// String returns the short name used on the command line
func (i Identity) String() string {
	switch i {
	case RuntimeImage:
		return "py"
	case NativeImage:
		return "cpp"
	case BootloaderMode:
		return "bootsel"
	default:
		return "unknown"
	}
}

// Description returns a human-readable name
func (i Identity) Description() string {
	switch i {
	case RuntimeImage:
		return "MicroPython"
	case NativeImage:
		return "C++"
	case BootloaderMode:
		return "BOOTSEL"
	default:
		return "unknown firmware"
	}
}

// IsImage reports whether the identity is a flashable target
func (i Identity) IsImage() bool {
	return i == RuntimeImage || i == NativeImage
}

// ParseIdentity parses a command-line identity name
func ParseIdentity(s string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "py", "runtime", "micropython":
		return RuntimeImage, nil
	case "cpp", "c++", "native":
		return NativeImage, nil
	case "bootsel", "bootloader":
		return BootloaderMode, nil
	case "unknown":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("%w: unknown firmware identity %q", ErrMisuse, s)
	}
}

// Tag maps a banner token to the identity it announces
type Tag struct {
	Token    string
	Identity Identity
}

// DefaultTags are the banner tokens printed by the two images
var DefaultTags = []Tag{
	{Token: firmware.RuntimeBanner, Identity: RuntimeImage},
	{Token: firmware.NativeBanner, Identity: NativeImage},
}

// ClassifyBanner returns the identity whose token appears in line.
// When several match, the longest token wins.
func ClassifyBanner(line string, tags []Tag) Identity {
	best := Unknown
	bestLen := 0
	for _, t := range tags {
		if t.Token != "" && len(t.Token) > bestLen && strings.Contains(line, t.Token) {
			best = t.Identity
			bestLen = len(t.Token)
		}
	}
	return best
}

// Image is a firmware file and the identity it boots into
type Image struct {
	Path string
	Role Identity
}

// Name returns the file name used on the target volume
func (img Image) Name() string {
	idx := strings.LastIndexAny(img.Path, `/\`)
	return img.Path[idx+1:]
}

// Validate checks the role and that the file exists and is a regular file.
// Unknown is accepted as the role of a raw image flashed without switching.
func (img Image) Validate() error {
	if img.Role != Unknown && !img.Role.IsImage() {
		return fmt.Errorf("%w: image role must be py or cpp, got %s", ErrMisuse, img.Role)
	}
	if img.Path == "" {
		return fmt.Errorf("%w: no image configured for %s", ErrMisuse, img.Role)
	}
	info, err := os.Stat(img.Path)
	if err != nil {
		return fmt.Errorf("%w: UF2 file not found: %s", ErrMisuse, img.Path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: UF2 path is not a regular file: %s", ErrMisuse, img.Path)
	}
	return nil
}
