package link

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

// SerialWriter writes frames verbatim to a serial port. Transparent
// BLE-UART modules forward the bytes to the paired actuator unchanged.
type SerialWriter struct {
	mu     sync.Mutex
	port   io.WriteCloser
	name   string
	closed bool
	logger *slog.Logger
}

// OpenSerial opens portName at baudRate (8N1).
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialWriter, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial link: open %s: %w", portName, err)
	}
	return newSerialWriter(port, portName, logger), nil
}

func newSerialWriter(port io.WriteCloser, name string, logger *slog.Logger) *SerialWriter {
	return &SerialWriter{
		port:   port,
		name:   name,
		logger: logger.With("component", "link", "kind", KindSerial, "port", name),
	}
}

func (w *SerialWriter) Write(ctx context.Context, frame []byte) error {
	return writeAsync(ctx, func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return ErrClosed
		}
		n, err := w.port.Write(frame)
		if err != nil {
			return fmt.Errorf("serial link %s: write: %w", w.name, err)
		}
		if n != len(frame) {
			return fmt.Errorf("serial link %s: short write %d/%d", w.name, n, len(frame))
		}
		w.logger.Debug("frame sent", "hex", fmt.Sprintf("% X", frame))
		return nil
	})
}

// Close closes the port. Further writes fail with ErrClosed.
func (w *SerialWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.port.Close()
}
