package devices

import (
	"bytes"
	"io"
	"sync"

	"github.com/tinyrange/vtx/internal/hv"
)

const (
	// DebugPort is the Bochs/QEMU debug console port.
	DebugPort = 0xE9
	// COM1 is the base of the first legacy UART.
	COM1 = 0x3F8

	uartRegisterCount = 8

	lcrDLAB = 1 << 7

	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6

	mcrLoop = 1 << 4
)

// Console collects guest output from the debug port and from the transmit
// side of a 16550-compatible UART. The UART never has receive data and
// never raises interrupts.
type Console struct {
	mu sync.Mutex

	debugPort uint16
	uartBase  uint16
	out       io.Writer
	captured  bytes.Buffer

	dll, dlm byte
	ier      byte
	lcr      byte
	mcr      byte
	scr      byte
}

var _ hv.X86IOPortDevice = (*Console)(nil)

// NewConsole writes guest output to out, which may be nil. A zero port
// disables that interface.
func NewConsole(debugPort, uartBase uint16, out io.Writer) *Console {
	return &Console{debugPort: debugPort, uartBase: uartBase, out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) IOPorts() []uint16 {
	var ports []uint16
	if c.debugPort != 0 {
		ports = append(ports, c.debugPort)
	}
	if c.uartBase != 0 {
		for i := range uint16(uartRegisterCount) {
			ports = append(ports, c.uartBase+i)
		}
	}
	return ports
}

// Output returns everything the guest has written so far.
func (c *Console) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.captured.Bytes())
}

func (c *Console) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		data[i] = c.readLocked(port)
	}
	return nil
}

func (c *Console) WriteIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port == c.debugPort {
		// Only the low byte of a wider OUT is a character.
		return c.emitLocked(data[0])
	}
	for _, v := range data {
		if err := c.writeLocked(port, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) emitLocked(b byte) error {
	c.captured.WriteByte(b)
	if c.out == nil {
		return nil
	}
	_, err := c.out.Write([]byte{b})
	return err
}

func (c *Console) readLocked(port uint16) byte {
	if port == c.debugPort {
		// Reading the debug port returns its number when it is present.
		return DebugPort
	}
	switch port - c.uartBase {
	case 0:
		if c.lcr&lcrDLAB != 0 {
			return c.dll
		}
		return 0
	case 1:
		if c.lcr&lcrDLAB != 0 {
			return c.dlm
		}
		return c.ier
	case 2:
		// No interrupt pending.
		return 0x01
	case 3:
		return c.lcr
	case 4:
		return c.mcr
	case 5:
		return lsrTHRE | lsrTEMT
	case 7:
		return c.scr
	default:
		return 0
	}
}

func (c *Console) writeLocked(port uint16, v byte) error {
	switch port - c.uartBase {
	case 0:
		if c.lcr&lcrDLAB != 0 {
			c.dll = v
			return nil
		}
		if c.mcr&mcrLoop != 0 {
			return nil
		}
		return c.emitLocked(v)
	case 1:
		if c.lcr&lcrDLAB != 0 {
			c.dlm = v
		} else {
			c.ier = v & 0x0F
		}
	case 3:
		c.lcr = v
	case 4:
		c.mcr = v
	case 7:
		c.scr = v
	}
	return nil
}
