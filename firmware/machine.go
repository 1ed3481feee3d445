package firmware

import "time"

// State is the trigger state machine state
type State uint8

const (
	// StateRunning is the power-up state before the banner is printed
	StateRunning State = iota
	// StateAwaitingTrigger waits for the first (or only) key
	StateAwaitingTrigger
	// StateConfirm has seen the first key of a two-key sequence.
	// There is no timeout back to StateAwaitingTrigger; the operator may pause.
	StateConfirm
	// StateRebooting is terminal: the bootloader entry primitive is next
	StateRebooting
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAwaitingTrigger:
		return "awaiting-trigger"
	case StateConfirm:
		return "confirm"
	case StateRebooting:
		return "rebooting"
	default:
		return "invalid"
	}
}

// Console is the byte channel to the host (USB CDC on target)
type Console interface {
	// Buffered returns the number of bytes ready to read without blocking
	Buffered() int

	// ReadByte reads one buffered byte
	ReadByte() (byte, error)

	// Write writes output to the host
	Write(p []byte) (int, error)
}

// Board is everything the state machine needs from the platform
type Board interface {
	Console

	// Sleep suspends the loop. Not cancelable.
	Sleep(d time.Duration)

	// EnterBootloader reboots into the mass-storage bootloader.
	// On hardware it never returns.
	EnterBootloader()
}

// Flusher is implemented by consoles that buffer output
type Flusher interface {
	Flush() error
}

// Timing overrides the loop delays (tests use shorter values)
type Timing struct {
	IdlePoll    time.Duration
	RebootGrace time.Duration
}

// DefaultTiming returns the delays used on hardware
func DefaultTiming() Timing {
	return Timing{
		IdlePoll:    IdlePoll,
		RebootGrace: RebootGrace,
	}
}

// Machine runs the trigger protocol for one firmware image
type Machine struct {
	proto  Protocol
	board  Board
	timing Timing
	state  State
}

// NewMachine creates a machine in StateRunning
func NewMachine(proto Protocol, board Board, timing Timing) *Machine {
	if timing.IdlePoll <= 0 {
		timing.IdlePoll = IdlePoll
	}
	if timing.RebootGrace <= 0 {
		timing.RebootGrace = RebootGrace
	}
	return &Machine{
		proto:  proto,
		board:  board,
		timing: timing,
		state:  StateRunning,
	}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Boot prints the banner once, then the key prompt, and starts listening
func (m *Machine) Boot() {
	if m.state != StateRunning {
		return
	}
	m.println(m.proto.Banner)
	m.println(m.prompt())
	m.state = StateAwaitingTrigger
}

// Feed processes one input byte and returns the new state
func (m *Machine) Feed(c byte) State {
	switch m.state {
	case StateAwaitingTrigger:
		if c != m.proto.Keys[0] {
			m.println(m.proto.Banner + " ignored " + quoteKey(c))
			return m.state
		}
		if m.proto.KeyCount() == 1 {
			m.state = StateRebooting
			return m.state
		}
		m.println("Now press " + quoteKey(m.proto.Keys[1]) + " to confirm reboot.")
		m.state = StateConfirm

	case StateConfirm:
		if c == m.proto.Keys[1] {
			m.state = StateRebooting
			return m.state
		}
		m.println(m.proto.Banner + " ignored " + quoteKey(c) + ", start over.")
		m.state = StateAwaitingTrigger
	}

	return m.state
}

// Poll consumes at most one buffered byte. Returns false when nothing was read.
func (m *Machine) Poll() bool {
	if m.state == StateRebooting || m.board.Buffered() == 0 {
		return false
	}
	c, err := m.board.ReadByte()
	if err != nil {
		return false
	}
	m.Feed(c)
	return true
}

// Reboot flushes output, waits the grace period and enters the bootloader
func (m *Machine) Reboot() {
	m.state = StateRebooting
	m.println("Rebooting into UF2 bootloader mode...")
	if f, ok := m.board.(Flusher); ok {
		_ = f.Flush()
	}
	m.board.Sleep(m.timing.RebootGrace)
	m.board.EnterBootloader()
}

// Run boots and polls until a trigger is received, then reboots.
// Returns only if the platform's EnterBootloader returns.
func (m *Machine) Run() {
	m.Boot()
	for m.state != StateRebooting {
		if !m.Poll() {
			m.board.Sleep(m.timing.IdlePoll)
		}
	}
	m.Reboot()
}

func (m *Machine) prompt() string {
	if m.proto.KeyCount() == 1 {
		return "Press " + quoteKey(m.proto.Keys[0]) + " to reboot into UF2 bootloader mode."
	}
	return "Press " + quoteKey(m.proto.Keys[0]) + " then " + quoteKey(m.proto.Keys[1]) +
		" to reboot into UF2 bootloader mode."
}

func (m *Machine) println(s string) {
	// Output errors are ignored: a disconnected host must not stop the loop
	_, _ = m.board.Write([]byte(s + "\n"))
}

const hexDigits = "0123456789abcdef"

// quoteKey formats a key without fmt/strconv (keeps the TinyGo image small)
func quoteKey(c byte) string {
	if c >= 0x20 && c < 0x7f {
		return "'" + string(c) + "'"
	}
	return "0x" + string([]byte{hexDigits[c>>4], hexDigits[c&0x0f]})
}
