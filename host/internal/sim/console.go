package sim

import (
	"errors"
	"io"
	"sync"
	"time"

	"picoswitch/firmware"
)

var (
	errDisconnected = errors.New("device disconnected")
	errPortClosed   = errors.New("port closed")
)

// console is the USB CDC link of one boot. It dies when the board reboots.
type console struct {
	mu   sync.Mutex
	out  []byte
	in   *firmware.FifoBuffer
	repl *repl
	gone bool

	// reboot is invoked after a REPL command asks for the bootloader
	reboot func()
}

func newConsole() *console {
	return &console{in: firmware.NewFifoBuffer(256)}
}

// emit queues board output for the host
func (c *console) emit(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gone {
		c.out = append(c.out, p...)
	}
}

func (c *console) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
	c.out = nil
}

func (c *console) disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone
}

// port is one host-side open of a console
type port struct {
	c           *console
	readTimeout time.Duration
	closed      bool
}

// Read waits up to the read timeout and returns (0, io.EOF) when idle, like
// tarm/serial
func (p *port) Read(b []byte) (int, error) {
	if p.closed {
		return 0, errPortClosed
	}
	deadline := time.Now().Add(p.readTimeout)
	for {
		p.c.mu.Lock()
		if p.c.gone {
			p.c.mu.Unlock()
			return 0, errDisconnected
		}
		if len(p.c.out) > 0 {
			n := copy(b, p.c.out)
			p.c.out = p.c.out[n:]
			p.c.mu.Unlock()
			return n, nil
		}
		p.c.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, io.EOF
		}
		time.Sleep(500 * time.Microsecond)
	}
}

func (p *port) Write(b []byte) (int, error) {
	if p.closed {
		return 0, errPortClosed
	}

	p.c.mu.Lock()
	if p.c.gone {
		p.c.mu.Unlock()
		return 0, errDisconnected
	}
	if p.c.repl == nil {
		p.c.mu.Unlock()
		p.c.in.Write(b)
		return len(b), nil
	}
	out, reboot := p.c.repl.feed(b)
	p.c.out = append(p.c.out, out...)
	hook := p.c.reboot
	p.c.mu.Unlock()

	if reboot && hook != nil {
		hook()
	}
	return len(b), nil
}

// Flush discards pending output, like tcflush on a real port
func (p *port) Flush() error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.c.out = nil
	return nil
}

func (p *port) Close() error {
	p.closed = true
	return nil
}
