// Package link defines the byte sink used to reach an actuator and its
// implementations: BLE GATT (write without response), a serial port for
// transparent BLE-UART modules, and a logging dry-run writer.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrClosed is returned by writers that have been closed.
var ErrClosed = errors.New("link closed")

// Writer delivers one command frame to an actuator. Write returns once the
// frame has been handed to the link or ctx is done.
type Writer interface {
	Write(ctx context.Context, frame []byte) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, frame []byte) error

func (f WriterFunc) Write(ctx context.Context, frame []byte) error { return f(ctx, frame) }

// Transport kinds accepted in configuration.
const (
	KindBLE    = "ble"
	KindSerial = "serial"
	KindLog    = "log"
)

// ValidKind reports whether kind names a known transport.
func ValidKind(kind string) bool {
	switch strings.ToLower(kind) {
	case KindBLE, KindSerial, KindLog:
		return true
	}
	return false
}

// LogWriter logs frames instead of sending them. Used for dry runs and for
// devices without hardware attached.
type LogWriter struct {
	logger *slog.Logger
}

// NewLogWriter creates a dry-run writer.
func NewLogWriter(logger *slog.Logger) *LogWriter {
	return &LogWriter{logger: logger.With("component", "link", "kind", KindLog)}
}

func (w *LogWriter) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.logger.Info("frame", "hex", fmt.Sprintf("% X", frame))
	return nil
}

// writeAsync runs a blocking write and gives up when ctx is done. The
// underlying write may still complete after ctx expires.
func writeAsync(ctx context.Context, write func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- write() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
