//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"blinds-go-home/internal/cover"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Covers is the part of the cover manager the bridge drives.
type Covers interface {
	Events() *cover.EventBus
	List() []*cover.Device
	Get(id string) (*cover.Device, error)
	SetTargetPosition(ctx context.Context, id string, percent int) error
}

// Command payloads on the set topic.
const (
	payloadOpen  = "OPEN"
	payloadClose = "CLOSE"
	payloadStop  = "STOP"
)

// Values of the state field, as HA expects them.
const (
	stateOpen    = "open"
	stateOpening = "opening"
	stateClosed  = "closed"
	stateClosing = "closing"
	stateStopped = "stopped"
)

var errStopUnsupported = errors.New("stop is not supported by the actuator")

// Bridge exposes covers to Home Assistant over MQTT.
type Bridge struct {
	client pahomqtt.Client
	covers Covers
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	subscribed map[string]bool // device id -> command topics subscribed
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(covers Covers, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, covers, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "blinds-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(availabilityTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
			b.mu.Lock()
			clear(b.subscribed)
			b.mu.Unlock()
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(client pahomqtt.Client, covers Covers, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:     client,
		covers:     covers,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[string]bool),
	}
}

// Start subscribes to cover events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.covers.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, d := range b.covers.List() {
		b.publishDevice(d)
	}
}

func (b *Bridge) handleEvent(event cover.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	id, _ := data["id"].(string)
	if id == "" {
		return
	}

	switch event.Type {
	case cover.EventDeviceRegistered, cover.EventDeviceRenamed:
		d, err := b.covers.Get(id)
		if err != nil {
			return
		}
		b.publishDevice(d)
	case cover.EventMotionStarted, cover.EventPositionSettled, cover.EventCommandFailed:
		b.publishStateFromEvent(id, data)
	case cover.EventDeviceRemoved:
		b.removeDevice(id)
	}
}

// publishDevice publishes discovery and current state, and subscribes to the
// device's command topics.
func (b *Bridge) publishDevice(d *cover.Device) {
	msg := buildDiscovery(infoOf(d), b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.publishState(d.ID(), d.Snapshot())
	b.subscribeDeviceCommands(d.ID())
	b.logger.Info("published HA discovery", "id", d.ID(), "name", d.Name())
}

func (b *Bridge) removeDevice(id string) {
	for _, msg := range buildRemoveDiscovery(id, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	wasSubscribed := b.subscribed[id]
	delete(b.subscribed, id)
	b.mu.Unlock()
	if wasSubscribed {
		b.client.Unsubscribe(commandTopic(b.prefix, id), setPositionTopic(b.prefix, id))
	}
}

func (b *Bridge) subscribeDeviceCommands(id string) {
	b.mu.Lock()
	if b.subscribed[id] {
		b.mu.Unlock()
		return
	}
	b.subscribed[id] = true
	b.mu.Unlock()

	b.client.Subscribe(commandTopic(b.prefix, id), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		percent, err := parseSetPayload(msg.Payload())
		b.handleCommand(id, percent, err)
	})
	b.client.Subscribe(setPositionTopic(b.prefix, id), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		percent, err := parsePositionPayload(msg.Payload())
		b.handleCommand(id, percent, err)
	})
}

func (b *Bridge) handleCommand(id string, percent int, parseErr error) {
	if errors.Is(parseErr, errStopUnsupported) {
		b.logger.Info("stop ignored", "id", id)
		return
	}
	if parseErr != nil {
		b.logger.Warn("invalid command", "id", id, "err", parseErr)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.covers.SetTargetPosition(ctx, id, percent); err != nil {
		b.logger.Warn("set position failed", "id", id, "position", percent, "err", err)
	}
}

// coverState is the retained JSON state of a cover.
type coverState struct {
	Position uint8  `json:"position"`
	Target   uint8  `json:"target"`
	State    string `json:"state"`
	Motion   uint8  `json:"motion"`
}

func (b *Bridge) publishState(id string, st cover.State) {
	payload := coverState{
		Position: st.CurrentPosition,
		Target:   st.TargetPosition,
		State:    haState(st),
		Motion:   uint8(st.Motion),
	}
	b.publish(stateTopic(b.prefix, id), mustJSON(payload), true)
}

func (b *Bridge) publishStateFromEvent(id string, data map[string]interface{}) {
	pos, _ := data["position"].(uint8)
	target, _ := data["target"].(uint8)
	motion, ok := data["motion"].(uint8)
	if !ok {
		return
	}
	b.publishState(id, cover.State{
		CurrentPosition: pos,
		TargetPosition:  target,
		Motion:          cover.MotionState(motion),
	})
}

// haState maps motion and position to the HA cover state vocabulary.
func haState(st cover.State) string {
	switch st.Motion {
	case cover.Increasing:
		return stateOpening
	case cover.Decreasing:
		return stateClosing
	}
	switch st.CurrentPosition {
	case 100:
		return stateOpen
	case 0:
		return stateClosed
	default:
		return stateStopped
	}
}

// parseSetPayload accepts OPEN, CLOSE and STOP, or a JSON object with a
// position field.
func parseSetPayload(payload []byte) (int, error) {
	text := strings.TrimSpace(string(payload))
	switch strings.ToUpper(text) {
	case payloadOpen:
		return 100, nil
	case payloadClose:
		return 0, nil
	case payloadStop:
		return 0, errStopUnsupported
	}

	var cmd struct {
		Position *int `json:"position"`
	}
	if err := json.Unmarshal([]byte(text), &cmd); err != nil {
		return 0, fmt.Errorf("parse command %q: %w", text, err)
	}
	if cmd.Position == nil {
		return 0, fmt.Errorf("command %q has no position", text)
	}
	return *cmd.Position, nil
}

// parsePositionPayload accepts a bare integer percentage.
func parsePositionPayload(payload []byte) (int, error) {
	text := strings.TrimSpace(string(payload))
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse position %q: %w", text, err)
	}
	return n, nil
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(availabilityTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
