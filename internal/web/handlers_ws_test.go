package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"blinds-go-home/internal/cover"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func settledEvent(id string) cover.Event {
	return cover.Event{Type: cover.EventPositionSettled, Data: map[string]interface{}{"id": id}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcastFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	onlyA := &wsClient{send: make(chan []byte, 16), filter: "a"}
	hub.register <- all
	hub.register <- onlyA
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(settledEvent("b"))
	hub.Broadcast(settledEvent("a"))
	time.Sleep(10 * time.Millisecond)

	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", n)
	}
	if n := len(onlyA.send); n != 1 {
		t.Fatalf("filtered client got %d messages, want 1", n)
	}
	var ev cover.Event
	if err := json.Unmarshal(<-onlyA.send, &ev); err != nil {
		t.Fatal(err)
	}
	if data, _ := ev.Data.(map[string]interface{}); data["id"] != "a" {
		t.Errorf("filtered client got %v, want id a", ev.Data)
	}
}

func TestWSClientWants(t *testing.T) {
	c := &wsClient{filter: "a"}
	if c.wants(cover.Event{Type: cover.EventDeviceRegistered}) {
		t.Error("filtered client wants an event without data")
	}
	if !(&wsClient{}).wants(cover.Event{Type: cover.EventDeviceRegistered}) {
		t.Error("unfiltered client rejects an event")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(settledEvent("a"))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(settledEvent("a"))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running, so nothing drains the channel.
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.Broadcast(settledEvent("a"))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(settledEvent("overflow"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) cover.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var ev cover.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("ws decode %s: %v", data, err)
	}
	return ev
}

func TestWSStream(t *testing.T) {
	ts := setupTestServer(t)
	ts.seed(t, "a", "Living")
	ts.seed(t, "b", "Bedroom")

	httpSrv := httptest.NewServer(ts.srv)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?id=a"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	snap := readEvent(t, ctx, conn)
	if snap.Type != wsSnapshot {
		t.Fatalf("first message type = %q, want %q", snap.Type, wsSnapshot)
	}
	views, _ := snap.Data.([]interface{})
	if len(views) != 1 {
		t.Fatalf("snapshot = %v, want one device", snap.Data)
	}

	// Wait for the hub to register the client before emitting.
	time.Sleep(50 * time.Millisecond)
	if err := ts.covers.SetTargetPosition(ctx, "b", 10); err != nil {
		t.Fatal(err)
	}
	if err := ts.covers.SetTargetPosition(ctx, "a", 10); err != nil {
		t.Fatal(err)
	}

	ev := readEvent(t, ctx, conn)
	if ev.Type != cover.EventMotionStarted {
		t.Fatalf("event type = %q, want %q", ev.Type, cover.EventMotionStarted)
	}
	data, _ := ev.Data.(map[string]interface{})
	if data["id"] != "a" {
		t.Errorf("event id = %v, want a", data["id"])
	}
	if data["target"] != float64(10) {
		t.Errorf("event target = %v, want 10", data["target"])
	}
}

func TestWSUnknownDevice(t *testing.T) {
	ts := setupTestServer(t)
	httpSrv := httptest.NewServer(ts.srv)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?id=missing"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Error("dial with unknown id succeeded, want error")
	}
}
