//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"blinds-go-home/internal/cover"
	"blinds-go-home/internal/link"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{ err error }

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMsg struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and subscriptions. Methods the bridge does
// not use are left to the embedded nil interface.
type fakeClient struct {
	pahomqtt.Client

	mu     sync.Mutex
	pubs   []publishedMsg
	subs   map[string]pahomqtt.MessageHandler
	unsubs []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.pubs = append(c.pubs, publishedMsg{topic: topic, retained: retained, payload: append([]byte(nil), b...)})
	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.unsubs = append(c.unsubs, topics...)
	return &doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) lastPublish(topic string) (publishedMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.pubs) - 1; i >= 0; i-- {
		if c.pubs[i].topic == topic {
			return c.pubs[i], true
		}
	}
	return publishedMsg{}, false
}

func (c *fakeClient) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	cb, ok := c.subs[topic]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	cb(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type testBridge struct {
	bridge *Bridge
	client *fakeClient
	mgr    *cover.Manager
	frames chan []byte
	fail   error
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	logger := newTestLogger()
	cfg := cover.DefaultConfig()
	cfg.SyncOnRegister = false
	mgr := cover.NewManager(cfg, nil, nil, cover.NewEventBus(logger), logger)
	t.Cleanup(func() { mgr.Close() })

	tb := &testBridge{client: newFakeClient(), mgr: mgr, frames: make(chan []byte, 16)}
	tb.bridge = newBridge(tb.client, mgr, "blinds", logger)
	tb.bridge.Start()
	t.Cleanup(tb.bridge.Stop)
	return tb
}

func (tb *testBridge) register(t *testing.T, id, name string, fail error) {
	t.Helper()
	w := link.WriterFunc(func(_ context.Context, frame []byte) error {
		if fail != nil {
			return fail
		}
		tb.frames <- frame
		return nil
	})
	if _, err := tb.mgr.Register(cover.DeviceInfo{ID: id, Name: name, Address: "AA:BB:CC:DD:EE:FF"}, w); err != nil {
		t.Fatal(err)
	}
}

func decodeState(t *testing.T, msg publishedMsg) coverState {
	t.Helper()
	var st coverState
	if err := json.Unmarshal(msg.payload, &st); err != nil {
		t.Fatalf("state payload %q: %v", msg.payload, err)
	}
	return st
}

func TestDiscoveryCover(t *testing.T) {
	msg := buildDiscovery(coverInfo{ID: "living", Name: "Living Room", Model: "Roller", Address: "AA:BB"}, "blinds")
	if msg.Topic != "homeassistant/cover/blinds_living/cover/config" {
		t.Errorf("topic = %q", msg.Topic)
	}

	var payload haCover
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	checks := []struct {
		field, got, want string
	}{
		{"name", payload.Name, "Living Room"},
		{"unique_id", payload.UniqueID, "blinds_living_cover"},
		{"device_class", payload.DeviceClass, "shade"},
		{"command_topic", payload.CommandTopic, "blinds/living/set"},
		{"set_position_topic", payload.SetPositionTopic, "blinds/living/set_position"},
		{"position_topic", payload.PositionTopic, "blinds/living"},
		{"state_topic", payload.StateTopic, "blinds/living"},
		{"availability_topic", payload.AvailabilityTopic, "blinds/bridge/state"},
		{"device.model", payload.Device.Model, "Roller"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if payload.PositionOpen != 100 || payload.PositionClosed != 0 {
		t.Errorf("positions = %d/%d, want 100/0", payload.PositionOpen, payload.PositionClosed)
	}
	if len(payload.Device.Connections) != 1 || payload.Device.Connections[0][1] != "AA:BB" {
		t.Errorf("connections = %v", payload.Device.Connections)
	}
}

func TestDiscoveryNameFallback(t *testing.T) {
	msg := buildDiscovery(coverInfo{ID: "x1"}, "blinds")
	var payload haCover
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Name != "x1" || payload.Device.Name != "x1" {
		t.Errorf("name = %q / %q, want id fallback", payload.Name, payload.Device.Name)
	}
	if payload.Device.Connections != nil {
		t.Errorf("connections = %v, want none without address", payload.Device.Connections)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("living", "blinds")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
	}
}

func TestHAState(t *testing.T) {
	tests := []struct {
		st   cover.State
		want string
	}{
		{cover.State{CurrentPosition: 100, TargetPosition: 100, Motion: cover.Stopped}, "open"},
		{cover.State{CurrentPosition: 0, TargetPosition: 0, Motion: cover.Stopped}, "closed"},
		{cover.State{CurrentPosition: 40, TargetPosition: 40, Motion: cover.Stopped}, "stopped"},
		{cover.State{CurrentPosition: 0, TargetPosition: 50, Motion: cover.Increasing}, "opening"},
		{cover.State{CurrentPosition: 100, TargetPosition: 50, Motion: cover.Decreasing}, "closing"},
	}
	for _, tt := range tests {
		if got := haState(tt.st); got != tt.want {
			t.Errorf("haState(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestParseSetPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    int
		wantErr bool
		stop    bool
	}{
		{"OPEN", 100, false, false},
		{"close", 0, false, false},
		{" STOP ", 0, true, true},
		{`{"position":42}`, 42, false, false},
		{`{"position":150}`, 150, false, false},
		{`{"state":"OPEN"}`, 0, true, false},
		{"sideways", 0, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := parseSetPayload([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, errStopUnsupported) != tt.stop {
				t.Errorf("stop = %v, want %v", errors.Is(err, errStopUnsupported), tt.stop)
			}
			if err == nil && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParsePositionPayload(t *testing.T) {
	if got, err := parsePositionPayload([]byte(" 37\n")); err != nil || got != 37 {
		t.Errorf("got %d, %v; want 37", got, err)
	}
	if _, err := parsePositionPayload([]byte("half")); err == nil {
		t.Error("expected error")
	}
}

func TestBridgePublishesOnRegister(t *testing.T) {
	tb := newTestBridge(t)
	tb.register(t, "living", "Living Room", nil)

	if _, ok := tb.client.lastPublish("homeassistant/cover/blinds_living/cover/config"); !ok {
		t.Error("discovery not published")
	}
	msg, ok := tb.client.lastPublish("blinds/living")
	if !ok {
		t.Fatal("state not published")
	}
	if !msg.retained {
		t.Error("state not retained")
	}
	st := decodeState(t, msg)
	if st.Position != 100 || st.State != "open" || st.Motion != uint8(cover.Stopped) {
		t.Errorf("state = %+v", st)
	}
}

func TestBridgeCommandMovesCover(t *testing.T) {
	tb := newTestBridge(t)
	tb.register(t, "living", "Living Room", nil)

	tb.client.deliver(t, "blinds/living/set_position", "30")

	select {
	case <-tb.frames:
	case <-time.After(time.Second):
		t.Fatal("no frame written")
	}
	if target, _ := tb.mgr.TargetPosition("living"); target != 30 {
		t.Errorf("target = %d, want 30", target)
	}
	st := decodeState(t, mustLast(t, tb.client, "blinds/living"))
	if st.State != "closing" || st.Target != 30 || st.Position != 100 {
		t.Errorf("state = %+v, want closing toward 30", st)
	}

	tb.client.deliver(t, "blinds/living/set", "OPEN")
	if target, _ := tb.mgr.TargetPosition("living"); target != 100 {
		t.Errorf("target after OPEN = %d, want 100", target)
	}
}

func TestBridgeIgnoresStopAndInvalid(t *testing.T) {
	tb := newTestBridge(t)
	tb.register(t, "living", "Living Room", nil)

	tb.client.deliver(t, "blinds/living/set", "STOP")
	tb.client.deliver(t, "blinds/living/set", `{"position":101}`)
	tb.client.deliver(t, "blinds/living/set_position", "abc")

	select {
	case f := <-tb.frames:
		t.Errorf("unexpected frame % X", f)
	default:
	}
	if st, _ := tb.mgr.MotionState("living"); st != cover.Stopped {
		t.Errorf("motion = %v, want stopped", st)
	}
}

func TestBridgeCommandFailurePublishesRolledBackState(t *testing.T) {
	tb := newTestBridge(t)
	tb.register(t, "living", "Living Room", errors.New("link down"))

	tb.client.deliver(t, "blinds/living/set_position", "10")
	st := decodeState(t, mustLast(t, tb.client, "blinds/living"))
	if st.Target != 100 || st.State != "open" {
		t.Errorf("state = %+v, want rolled back to open", st)
	}
}

func TestBridgeRemoveDevice(t *testing.T) {
	tb := newTestBridge(t)
	tb.register(t, "living", "Living Room", nil)

	if err := tb.mgr.Deregister("living"); err != nil {
		t.Fatal(err)
	}
	msg, ok := tb.client.lastPublish("homeassistant/cover/blinds_living/cover/config")
	if !ok || len(msg.payload) != 0 {
		t.Errorf("discovery not cleared: %+v", msg)
	}
	tb.client.mu.Lock()
	_, stillSubscribed := tb.client.subs["blinds/living/set"]
	tb.client.mu.Unlock()
	if stillSubscribed {
		t.Error("command topic still subscribed")
	}
}

func TestBridgeOnConnectPublishesAll(t *testing.T) {
	tb := newTestBridge(t)
	tb.register(t, "a", "A", nil)
	tb.register(t, "b", "B", nil)

	tb.bridge.onConnect()
	if msg, ok := tb.client.lastPublish("blinds/bridge/state"); !ok || string(msg.payload) != "online" {
		t.Errorf("bridge state = %q", msg.payload)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := tb.client.lastPublish("homeassistant/cover/blinds_" + id + "/cover/config"); !ok {
			t.Errorf("discovery for %s missing", id)
		}
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("unmarshalable = %q, want {}", got)
	}
}

func mustLast(t *testing.T, c *fakeClient, topic string) publishedMsg {
	t.Helper()
	msg, ok := c.lastPublish(topic)
	if !ok {
		t.Fatalf("nothing published on %s", topic)
	}
	return msg
}
