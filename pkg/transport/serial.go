package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// SerialDialer opens a local serial port (USB CDC or UART bridge).
type SerialDialer struct {
	path string
	baud int
	cfg  settings
}

func NewSerialDialer(path string, baud int, opts ...Option) *SerialDialer {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialDialer{path: path, baud: baud, cfg: newSettings(opts)}
}

func (d *SerialDialer) String() string { return fmt.Sprintf("serial://%s@%d", d.path, d.baud) }

func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(d.path, &serial.Mode{
		BaudRate: d.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.path, err)
	}
	if err := port.SetReadTimeout(d.cfg.readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("reset input on %s: %w", d.path, err)
	}
	return port, nil
}

// SerialPorts lists the serial ports visible to the host.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// IsPortGone reports whether err means the serial device went away rather
// than being misconfigured.
func IsPortGone(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var code serial.PortErrorCode
	var ptrErr *serial.PortError
	var valErr serial.PortError
	switch {
	case errors.As(err, &ptrErr):
		code = ptrErr.Code()
	case errors.As(err, &valErr):
		code = valErr.Code()
	default:
		return false
	}
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	default:
		return false
	}
}
