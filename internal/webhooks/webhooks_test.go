package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = noopValidator
	return d
}

// waitFor polls until the condition holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		UserID:    "usr_alice",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventTransactionFunded},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	store.Delete(ctx, "wh_test1")
	if _, err := store.Get(ctx, "wh_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", UserID: "usr_a", Events: []EventType{EventTransactionFunded}})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "usr_b", Events: []EventType{EventTransactionFunded}})
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "usr_a", Events: []EventType{EventDisputeOpened}})

	subs, _ := store.GetByUser(ctx, "usr_a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for usr_a, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"transaction.funded"}`)
	sig := Sign(payload, "mysecret")

	// Signature is deterministic and verifiable
	if sig != Sign(payload, "mysecret") {
		t.Error("Expected deterministic signature")
	}
	if hmac.Equal([]byte(sig), []byte(Sign(payload, "othersecret"))) {
		t.Error("Different secrets must produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatchToUser_DeliversSignedEvent(t *testing.T) {
	var gotBody atomic.Value
	var gotSig atomic.Value
	var gotEvent atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-TradeSafe-Signature"))
		gotEvent.Store(r.Header.Get("X-TradeSafe-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID:     "wh_sig",
		UserID: "usr_buyer",
		URL:    srv.URL,
		Secret: "topsecret",
		Events: []EventType{EventTransactionFunded},
		Active: true,
	})

	err := d.DispatchToUser(ctx, "usr_buyer", &Event{
		ID:        "evt_1",
		Type:      EventTransactionFunded,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"transactionId": "txn_1", "amount": "50.00"},
	})
	if err != nil {
		t.Fatalf("DispatchToUser failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return gotBody.Load() != nil })

	body := gotBody.Load().([]byte)
	if gotSig.Load().(string) != Sign(body, "topsecret") {
		t.Error("Signature does not verify against raw body")
	}
	if gotEvent.Load().(string) != "transaction.funded" {
		t.Errorf("Expected event header, got %v", gotEvent.Load())
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		t.Fatalf("Failed to parse event: %v", err)
	}
	if evt.Data["transactionId"] != "txn_1" {
		t.Errorf("Expected txn_1 in payload, got %v", evt.Data)
	}

	// Delivery result is recorded on the subscription
	waitFor(t, 2*time.Second, func() bool {
		sub, _ := store.Get(ctx, "wh_sig")
		return sub.LastSuccess != nil
	})
}

func TestDispatch_OutlivesCallerContext(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)

	store.Create(context.Background(), &Subscription{
		ID:     "wh_detached",
		UserID: "usr_buyer",
		URL:    srv.URL,
		Events: []EventType{EventTransactionFunded},
		Active: true,
	})

	// Emitters cancel their context as soon as DispatchToUser returns.
	// The async delivery must still reach the endpoint.
	ctx, cancel := context.WithCancel(context.Background())
	err := d.DispatchToUser(ctx, "usr_buyer", &Event{
		ID:        "evt_detached",
		Type:      EventTransactionFunded,
		Timestamp: time.Now(),
	})
	cancel()
	if err != nil {
		t.Fatalf("DispatchToUser failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return hits.Load() == 1 })

	waitFor(t, 2*time.Second, func() bool {
		sub, _ := store.Get(context.Background(), "wh_detached")
		return sub.LastSuccess != nil && sub.ConsecutiveFailures == 0
	})
}

func TestDispatchToUser_FiltersEventTypes(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID: "wh_f", UserID: "usr_x", URL: srv.URL,
		Events: []EventType{EventDisputeOpened}, Active: true,
	})

	d.DispatchToUser(ctx, "usr_x", &Event{Type: EventTransactionFunded, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	if hits.Load() != 0 {
		t.Errorf("Expected no delivery for unsubscribed event, got %d", hits.Load())
	}
}

func TestDispatchToUser_SkipsInactive(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID: "wh_i", UserID: "usr_x", URL: srv.URL,
		Events: []EventType{EventTransactionFunded}, Active: false,
	})

	d.DispatchToUser(ctx, "usr_x", &Event{Type: EventTransactionFunded, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	if hits.Load() != 0 {
		t.Errorf("Expected no delivery to inactive subscription, got %d", hits.Load())
	}
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID: "wh_r", UserID: "usr_x", URL: srv.URL,
		Events: []EventType{EventTransactionFunded}, Active: true,
	})

	d.DispatchToUser(ctx, "usr_x", &Event{Type: EventTransactionFunded, Timestamp: time.Now()})

	waitFor(t, 5*time.Second, func() bool {
		sub, _ := store.Get(ctx, "wh_r")
		return sub.LastSuccess != nil
	})
	if hits.Load() != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", hits.Load())
	}
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID: "wh_4xx", UserID: "usr_x", URL: srv.URL,
		Events: []EventType{EventTransactionFunded}, Active: true,
	})

	d.DispatchToUser(ctx, "usr_x", &Event{Type: EventTransactionFunded, Timestamp: time.Now()})

	waitFor(t, 2*time.Second, func() bool {
		sub, _ := store.Get(ctx, "wh_4xx")
		return sub.LastError != ""
	})
	if hits.Load() != 1 {
		t.Errorf("Expected single attempt for 4xx, got %d", hits.Load())
	}
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ctx := context.Background()

	sub := &Subscription{
		ID: "wh_dead", UserID: "usr_x", URL: "https://example.invalid/hook",
		Events: []EventType{EventTransactionFunded}, Active: true,
	}
	store.Create(ctx, sub)

	for i := 0; i < disableAfterFailures; i++ {
		d.recordFailure(ctx, sub, "status 502")
	}

	got, _ := store.Get(ctx, "wh_dead")
	if got.Active {
		t.Error("Expected subscription disabled after repeated failures")
	}
}

func TestValidateTargetURL(t *testing.T) {
	// Only rejection cases here: positive cases would need live DNS.
	rejected := []string{
		"http://127.0.0.1:8080/hook",
		"https://localhost/hook",
		"ftp://example.com/hook",
		"not a url at all ://",
	}
	for _, u := range rejected {
		if err := validateTargetURL(u); err == nil {
			t.Errorf("%s: expected rejection", u)
		}
	}
}

func TestValidEvent(t *testing.T) {
	if !ValidEvent("transaction.funded") {
		t.Error("Expected transaction.funded to be valid")
	}
	if ValidEvent("transaction.exploded") {
		t.Error("Expected unknown event to be invalid")
	}
}
