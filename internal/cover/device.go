package cover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"blinds-go-home/internal/codec"
	"blinds-go-home/internal/link"
)

type setRequest struct {
	ctx     context.Context
	percent int
	reply   chan error
}

type settleEvent struct {
	gen    uint64
	target uint8
}

type syncRequest struct {
	percent uint8
}

// Device is the simulated state of one actuator. All mutations run on a
// single goroutine fed by ops; readers use the snapshot under mu.
type Device struct {
	id      string
	address string
	model   string
	writer  link.Writer
	timing  Timing
	clock   Clock
	events  *EventBus
	logger  *slog.Logger

	mu    sync.RWMutex
	name  string
	state State

	// owned by run
	gen   uint64
	timer Timer

	ops       chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type deviceConfig struct {
	id       string
	address  string
	name     string
	model    string
	writer   link.Writer
	timing   Timing
	clock    Clock
	events   *EventBus
	logger   *slog.Logger
	position uint8
}

func newDevice(cfg deviceConfig) *Device {
	if cfg.clock == nil {
		cfg.clock = realClock{}
	}
	d := &Device{
		id:      cfg.id,
		address: cfg.address,
		model:   cfg.model,
		name:    cfg.name,
		writer:  cfg.writer,
		timing:  cfg.timing.withDefaults(),
		clock:   cfg.clock,
		events:  cfg.events,
		logger:  cfg.logger.With("device", cfg.id),
		state: State{
			CurrentPosition: cfg.position,
			TargetPosition:  cfg.position,
			Motion:          Stopped,
		},
		ops:     make(chan any),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// ID returns the stable device id.
func (d *Device) ID() string { return d.id }

// Address returns the link address, empty for static devices.
func (d *Device) Address() string { return d.address }

// Model returns the actuator model, empty when unknown.
func (d *Device) Model() string { return d.model }

// Name returns the display name.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) setName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Writer returns the link the device sends frames on.
func (d *Device) Writer() link.Writer { return d.writer }

// Timing returns the effective settle timing.
func (d *Device) Timing() Timing { return d.timing }

// Snapshot returns a consistent copy of the state.
func (d *Device) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// CurrentPosition is the last settled position. It only changes when a
// settle timer fires.
func (d *Device) CurrentPosition() uint8 { return d.Snapshot().CurrentPosition }

// TargetPosition is the most recently accepted target.
func (d *Device) TargetPosition() uint8 { return d.Snapshot().TargetPosition }

// MotionState reports whether the cover is moving and in which direction.
func (d *Device) MotionState() MotionState { return d.Snapshot().Motion }

// SetTargetPosition sends a move command and starts simulated travel. It
// returns once the link accepted or rejected the frame. On a link error the
// previous state is restored and the error wraps ErrTransport.
func (d *Device) SetTargetPosition(ctx context.Context, percent int) error {
	if err := codec.CheckPercent(percent); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := d.post(ctx, setRequest{ctx: ctx, percent: percent, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-d.done:
		return ErrClosed
	}
}

// Sync writes the frame for percent without touching the simulated state.
// Used to bring a freshly connected actuator in line with the assumed
// position.
func (d *Device) Sync(ctx context.Context, percent uint8) error {
	return d.post(ctx, syncRequest{percent: percent})
}

// Close stops the device goroutine and any pending settle timer. The writer
// is not closed.
func (d *Device) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	<-d.stopped
}

func (d *Device) post(ctx context.Context, op any) error {
	select {
	case d.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

func (d *Device) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			if d.timer != nil {
				d.timer.Stop()
			}
			return
		case op := <-d.ops:
			switch op := op.(type) {
			case setRequest:
				op.reply <- d.handleSet(op.ctx, op.percent)
			case settleEvent:
				if err := d.handleSettle(op); err != nil {
					d.logger.Debug("settle timer discarded", "target", op.target, "err", err)
				}
			case syncRequest:
				d.handleSync(op.percent)
			}
		}
	}
}

func (d *Device) handleSet(ctx context.Context, percent int) error {
	frame, err := codec.EncodePosition(percent)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := uint8(percent)

	d.mu.Lock()
	prev := d.state
	d.state.TargetPosition = target
	d.state.Motion = direction(prev.CurrentPosition, target)
	next := d.state
	d.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, d.timing.WriteTimeout)
	err = d.writer.Write(wctx, frame)
	cancel()
	if err != nil {
		d.mu.Lock()
		d.state = prev
		d.mu.Unlock()
		d.logger.Warn("command failed", "target", target, "err", err)
		data := d.eventData(prev)
		data["requested"] = target
		data["error"] = err.Error()
		d.events.Emit(Event{Type: EventCommandFailed, Data: data})
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	delay := d.timing.SettleDelay(prev.CurrentPosition, target)
	d.arm(target, delay)
	d.logger.Info("moving", "from", prev.CurrentPosition, "to", target,
		"motion", next.Motion.String(), "settle", delay)
	d.events.Emit(Event{Type: EventMotionStarted, Data: d.eventData(next)})
	return nil
}

// arm replaces any pending settle timer. Timers from earlier commands are
// stopped, and if one fires anyway its generation no longer matches.
func (d *Device) arm(target uint8, delay time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(delay, func() {
		select {
		case d.ops <- settleEvent{gen: gen, target: target}:
		case <-d.done:
		}
	})
}

func (d *Device) handleSettle(ev settleEvent) error {
	d.mu.Lock()
	if ev.gen != d.gen || ev.target != d.state.TargetPosition {
		d.mu.Unlock()
		return errStaleTimer
	}
	d.state.CurrentPosition = ev.target
	d.state.Motion = Stopped
	st := d.state
	d.mu.Unlock()

	d.timer = nil
	d.logger.Info("settled", "position", st.CurrentPosition)
	d.events.Emit(Event{Type: EventPositionSettled, Data: d.eventData(st)})
	return nil
}

func (d *Device) handleSync(percent uint8) {
	frame, err := codec.EncodePosition(int(percent))
	if err != nil {
		d.logger.Error("sync encode", "position", percent, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timing.WriteTimeout)
	defer cancel()
	if err := d.writer.Write(ctx, frame); err != nil {
		d.logger.Warn("sync failed", "position", percent, "err", err)
		return
	}
	d.logger.Debug("synced", "position", percent)
}

func (d *Device) eventData(st State) map[string]interface{} {
	return map[string]interface{}{
		"id":       d.id,
		"name":     d.Name(),
		"position": st.CurrentPosition,
		"target":   st.TargetPosition,
		"motion":   uint8(st.Motion),
		"state":    st.Motion.String(),
	}
}
