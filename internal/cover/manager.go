package cover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"blinds-go-home/internal/codec"
	"blinds-go-home/internal/link"
	"blinds-go-home/internal/store"
)

// Config holds manager-wide defaults.
type Config struct {
	Timing          Timing
	InitialPosition uint8 // assumed position of a newly registered device
	SyncOnRegister  bool
}

// DefaultConfig returns the assumed-open defaults.
func DefaultConfig() Config {
	return Config{
		Timing:          DefaultTiming(),
		InitialPosition: codec.PercentMax,
		SyncOnRegister:  true,
	}
}

// DeviceInfo describes a device handed to Register.
type DeviceInfo struct {
	ID        string // derived from Address when empty
	Address   string
	Name      string // advertised or configured name
	Model     string // resolved from profiles when empty
	Transport string
	RSSI      int16
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for settle timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager is the registry of simulated devices, keyed by id.
type Manager struct {
	cfg      Config
	store    store.Store
	profiles *ProfileDB
	events   *EventBus
	clock    Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	devices map[string]*Device
	closed  bool
}

// NewManager creates a manager. st and profiles may be nil.
func NewManager(cfg Config, st store.Store, profiles *ProfileDB, events *EventBus, logger *slog.Logger, opts ...Option) *Manager {
	cfg.Timing = cfg.Timing.withDefaults()
	m := &Manager{
		cfg:      cfg,
		store:    st,
		profiles: profiles,
		events:   events,
		clock:    realClock{},
		logger:   logger.With("component", "cover"),
		devices:  make(map[string]*Device),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the event bus.
func (m *Manager) Events() *EventBus { return m.events }

// Profiles returns the profile database, possibly empty.
func (m *Manager) Profiles() *ProfileDB { return m.profiles }

// Register creates the simulated state for a connected device. The writer
// stays owned by the caller.
func (m *Manager) Register(info DeviceInfo, w link.Writer) (*Device, error) {
	if w == nil {
		return nil, errors.New("register: nil writer")
	}
	if info.Transport != "" && !link.ValidKind(info.Transport) {
		return nil, fmt.Errorf("register: unknown transport %q", info.Transport)
	}
	if info.ID == "" {
		if info.Address == "" {
			return nil, errors.New("register: id or address required")
		}
		info.ID = DeviceID(info.Address)
	}

	profile := m.profiles.Lookup(info.Name)
	timing := profile.Timing(m.cfg.Timing)
	position := m.cfg.InitialPosition
	if profile != nil {
		if profile.InitialPosition != nil {
			position = uint8(*profile.InitialPosition)
		}
		if info.Model == "" {
			info.Model = profile.Model
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.devices[info.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", info.ID, ErrDuplicateDevice)
	}

	rec := m.persist(info)
	d := newDevice(deviceConfig{
		id:       info.ID,
		address:  info.Address,
		name:     rec.DisplayName(),
		model:    info.Model,
		writer:   w,
		timing:   timing,
		clock:    m.clock,
		events:   m.events,
		logger:   m.logger,
		position: position,
	})
	m.devices[info.ID] = d
	m.mu.Unlock()

	m.logger.Info("device registered", "id", info.ID, "name", d.Name(),
		"address", info.Address, "model", info.Model, "transport", info.Transport)

	if m.cfg.SyncOnRegister {
		if err := d.Sync(context.Background(), position); err != nil {
			m.logger.Warn("initial sync", "id", info.ID, "err", err)
		}
	}

	data := d.eventData(d.Snapshot())
	data["address"] = info.Address
	data["model"] = info.Model
	data["transport"] = info.Transport
	m.events.Emit(Event{Type: EventDeviceRegistered, Data: data})
	return d, nil
}

// persist saves the registration, keeping the friendly name and join time
// of a returning device. Store errors are logged, the device still works.
func (m *Manager) persist(info DeviceInfo) *store.Device {
	now := time.Now()
	rec := &store.Device{
		ID:        info.ID,
		Address:   info.Address,
		Name:      info.Name,
		Model:     info.Model,
		Transport: info.Transport,
		JoinedAt:  now,
		LastSeen:  now,
		RSSI:      info.RSSI,
	}
	if m.store == nil {
		return rec
	}
	if old, err := m.store.GetDevice(info.ID); err == nil {
		rec.FriendlyName = old.FriendlyName
		rec.JoinedAt = old.JoinedAt
	}
	if err := m.store.SaveDevice(rec); err != nil {
		m.logger.Error("save device", "id", info.ID, "err", err)
	}
	return rec
}

// Deregister stops the device and cancels its pending timer. The stored
// registration is kept.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if ok {
		delete(m.devices, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("deregister %s: %w", id, ErrUnknownDevice)
	}

	d.Close()
	m.logger.Info("device removed", "id", id, "name", d.Name())
	m.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]interface{}{
		"id":      id,
		"name":    d.Name(),
		"address": d.Address(),
	}})
	return nil
}

// Forget deregisters the device and deletes its stored registration.
func (m *Manager) Forget(id string) error {
	if err := m.Deregister(id); err != nil {
		return err
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.DeleteDevice(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}

// Rename sets the friendly name shown instead of the advertised name.
func (m *Manager) Rename(id, friendlyName string) error {
	d, err := m.Get(id)
	if err != nil {
		return err
	}
	name := friendlyName
	if m.store != nil {
		err := m.store.UpdateDevice(id, func(dev *store.Device) error {
			dev.FriendlyName = friendlyName
			name = dev.DisplayName()
			return nil
		})
		if err != nil {
			return fmt.Errorf("rename %s: %w", id, err)
		}
	}
	if name == "" {
		name = id
	}
	d.setName(name)
	m.logger.Info("device renamed", "id", id, "name", name)
	m.events.Emit(Event{Type: EventDeviceRenamed, Data: map[string]interface{}{
		"id":   id,
		"name": name,
	}})
	return nil
}

// Get returns the device with id.
func (m *Manager) Get(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	return d, nil
}

// List returns all devices sorted by id.
func (m *Manager) List() []*Device {
	m.mu.RLock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CurrentPosition returns the last settled position of id.
func (m *Manager) CurrentPosition(id string) (uint8, error) {
	d, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return d.CurrentPosition(), nil
}

// TargetPosition returns the most recently accepted target of id.
func (m *Manager) TargetPosition(id string) (uint8, error) {
	d, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return d.TargetPosition(), nil
}

// MotionState returns the motion of id.
func (m *Manager) MotionState(id string) (MotionState, error) {
	d, err := m.Get(id)
	if err != nil {
		return Stopped, err
	}
	return d.MotionState(), nil
}

// SetTargetPosition moves id to percent.
func (m *Manager) SetTargetPosition(ctx context.Context, id string, percent int) error {
	if err := codec.CheckPercent(percent); err != nil {
		return err
	}
	d, err := m.Get(id)
	if err != nil {
		return err
	}
	return d.SetTargetPosition(ctx, percent)
}

// Close stops every device. Further registrations fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := m.devices
	m.devices = make(map[string]*Device)
	m.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
	return nil
}
