package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	return h
}

func join(h *Hub, userID string, sub Subscription) *Client {
	c := &Client{
		hub:    h,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		sub:    sub,
	}
	h.joins <- c
	return c
}

func expectEvent(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case payload := <-c.send:
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		return &e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	select {
	case <-c.send:
		t.Fatal("client should not have received an event")
	default:
	}
}

func TestSubscriptionWants(t *testing.T) {
	cases := []struct {
		name string
		sub  Subscription
		typ  EventType
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, EventTransaction, true},
		{"empty filter admits everything", Subscription{}, EventDispute, true},
		{"matching filter", Subscription{EventTypes: []EventType{EventMessage}}, EventMessage, true},
		{"non-matching filter", Subscription{EventTypes: []EventType{EventMessage}}, EventTransaction, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sub.wants(tc.typ); got != tc.want {
				t.Errorf("wants(%s) = %v, want %v", tc.typ, got, tc.want)
			}
		})
	}
}

func TestAddressedTo(t *testing.T) {
	broadcast := &Event{Type: EventTransaction}
	addressed := &Event{Type: EventTransaction, Recipients: []string{"usr_buyer", "usr_seller"}}

	if !addressedTo(broadcast, "usr_anyone") {
		t.Error("event without recipients should reach everyone")
	}
	if !addressedTo(addressed, "usr_buyer") {
		t.Error("listed recipient should match")
	}
	if addressedTo(addressed, "usr_stranger") {
		t.Error("unlisted user should not match")
	}
}

func TestStats_Initial(t *testing.T) {
	h := NewHub(slog.Default())
	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 || stats["totalEvents"].(int64) != 0 {
		t.Errorf("fresh hub stats = %v", stats)
	}
}

func TestJoinAndLeaveUpdateStats(t *testing.T) {
	h := startHub(t)
	c := join(h, "usr_1", Subscription{AllEvents: true})
	time.Sleep(20 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 || stats["peakClients"].(int64) != 1 {
		t.Errorf("after join: %v", stats)
	}

	h.leaves <- c
	time.Sleep(20 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("after leave: %v", stats)
	}
	if stats["peakClients"].(int64) != 1 {
		t.Error("peak should survive disconnects")
	}
}

func TestSendToUsers_OnlyReachesRecipients(t *testing.T) {
	h := startHub(t)
	seller := join(h, "usr_seller", Subscription{AllEvents: true})
	other := join(h, "usr_other", Subscription{AllEvents: true})
	time.Sleep(20 * time.Millisecond)

	h.SendToUsers(EventTransaction, map[string]interface{}{"id": "txn_1", "status": "active"}, "usr_seller")

	e := expectEvent(t, seller)
	if e.Type != EventTransaction {
		t.Errorf("type = %s", e.Type)
	}
	expectSilence(t, other)
}

func TestBroadcastHonorsTypeFilter(t *testing.T) {
	h := startHub(t)
	c := join(h, "usr_1", Subscription{EventTypes: []EventType{EventMessage}})
	time.Sleep(20 * time.Millisecond)

	h.Broadcast(&Event{Type: EventTransaction, Timestamp: time.Now()})
	expectSilence(t, c)

	h.Broadcast(&Event{Type: EventMessage, Timestamp: time.Now()})
	if e := expectEvent(t, c); e.Type != EventMessage {
		t.Errorf("type = %s", e.Type)
	}
}

func TestBroadcastCountsEvents(t *testing.T) {
	h := startHub(t)
	h.Broadcast(&Event{Type: EventNotification, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats()["totalEvents"].(int64); got != 1 {
		t.Errorf("totalEvents = %d, want 1", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on cancel")
	}
	select {
	case <-h.stopped:
	default:
		t.Error("stopped channel should be closed after Run returns")
	}
}
