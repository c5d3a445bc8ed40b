package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// GATT identifiers of the actuator's command service.
var (
	ServiceUUID        = bluetooth.New16BitUUID(0xFE50)
	CharacteristicUUID = bluetooth.New16BitUUID(0xFE51)
)

var errScanIdle = errors.New("scan stopped without result")

// GATTWriter writes frames to the actuator's command characteristic using
// write-without-response.
type GATTWriter struct {
	mu      sync.Mutex
	device  bluetooth.Device
	char    bluetooth.DeviceCharacteristic
	address string
	closed  bool
}

func (w *GATTWriter) Write(ctx context.Context, frame []byte) error {
	return writeAsync(ctx, func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return ErrClosed
		}
		if _, err := w.char.WriteWithoutResponse(frame); err != nil {
			return fmt.Errorf("gatt link %s: write: %w", w.address, err)
		}
		return nil
	})
}

// Close disconnects the peripheral.
func (w *GATTWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.device.Disconnect()
}

// Peripheral is a connected actuator handed over by the Scanner.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int16
	Writer  *GATTWriter
}

// Scanner discovers actuators advertising the command service and connects
// to them one at a time.
type Scanner struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewScanner creates a scanner on the default adapter.
func NewScanner(logger *slog.Logger) *Scanner {
	return &Scanner{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger.With("component", "scanner"),
		known:   make(map[string]bool),
	}
}

// Run scans until ctx is done. Every newly found actuator is connected and
// passed to handle; addresses already handed over are skipped until Forget.
func (s *Scanner) Run(ctx context.Context, handle func(Peripheral)) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	s.logger.Info("scanning", "service", ServiceUUID.String())

	for {
		result, err := s.scanOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errScanIdle) {
			continue
		}
		if err != nil {
			return err
		}

		addr := result.Address.String()
		p, err := s.connect(result)
		if err != nil {
			s.logger.Warn("connect failed", "address", addr, "err", err)
			continue
		}
		s.markKnown(addr)
		s.logger.Info("connected", "address", addr, "name", p.Name, "rssi", p.RSSI)
		handle(p)
	}
}

// Forget allows addr to be discovered again, e.g. after the device was
// deregistered.
func (s *Scanner) Forget(addr string) {
	s.mu.Lock()
	delete(s.known, addr)
	s.mu.Unlock()
}

func (s *Scanner) isKnown(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[addr]
}

func (s *Scanner) markKnown(addr string) {
	s.mu.Lock()
	s.known[addr] = true
	s.mu.Unlock()
}

func (s *Scanner) scanOne(ctx context.Context) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	stop := context.AfterFunc(ctx, func() {
		s.adapter.StopScan()
	})
	defer stop()

	err := s.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !r.HasServiceUUID(ServiceUUID) || s.isKnown(r.Address.String()) {
			return
		}
		select {
		case found <- r:
			a.StopScan()
		default:
		}
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	}
	select {
	case r := <-found:
		return r, nil
	default:
		return bluetooth.ScanResult{}, errScanIdle
	}
}

func (s *Scanner) connect(r bluetooth.ScanResult) (Peripheral, error) {
	addr := r.Address.String()
	device, err := s.adapter.Connect(r.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return Peripheral{}, fmt.Errorf("connect: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return Peripheral{}, fmt.Errorf("discover service %s: %w", ServiceUUID.String(), errOrMissing(err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{CharacteristicUUID})
	if err != nil || len(chars) == 0 {
		device.Disconnect()
		return Peripheral{}, fmt.Errorf("discover characteristic %s: %w", CharacteristicUUID.String(), errOrMissing(err))
	}

	return Peripheral{
		Address: addr,
		Name:    r.LocalName(),
		RSSI:    r.RSSI,
		Writer: &GATTWriter{
			device:  device,
			char:    chars[0],
			address: addr,
		},
	}, nil
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("not found")
}
