package tradesafe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, "sk_test_key"), srv
}

func TestCreateTransaction(t *testing.T) {
	var gotAuth, gotPath string
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var req CreateTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Title != "Vintage camera" {
			t.Errorf("title = %q", req.Title)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&Transaction{
			ID:     "txn_abc",
			Title:  req.Title,
			Amount: req.Amount,
			Status: StatusPending,
		})
	})
	defer srv.Close()

	txn, err := c.CreateTransaction(context.Background(), &CreateTransactionRequest{
		Title:             "Vintage camera",
		Amount:            "120.00",
		Role:              "buyer",
		CounterpartyEmail: "seller@example.com",
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if gotAuth != "sk_test_key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/transactions" {
		t.Errorf("path = %q", gotPath)
	}
	if txn.ID != "txn_abc" || txn.Status != StatusPending {
		t.Errorf("unexpected transaction: %+v", txn)
	}
}

func TestListTransactions_QueryParams(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cursor") != "abc123" || q.Get("limit") != "10" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(&TransactionPage{
			Transactions: []*Transaction{{ID: "txn_1"}},
			Count:        1,
			HasMore:      true,
			NextCursor:   "def456",
		})
	})
	defer srv.Close()

	page, err := c.ListTransactions(context.Background(), "abc123", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if page.Count != 1 || !page.HasMore || page.NextCursor != "def456" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestFundFromWallet(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/txn_1/fund" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["method"] != MethodWallet {
			t.Errorf("method = %q", body["method"])
		}
		if _, ok := body["chargeId"]; ok {
			t.Error("chargeId should be omitted for wallet funding")
		}
		json.NewEncoder(w).Encode(&Transaction{ID: "txn_1", Status: StatusActive, EscrowFunded: true})
	})
	defer srv.Close()

	txn, err := c.FundFromWallet(context.Background(), "txn_1")
	if err != nil {
		t.Fatalf("FundFromWallet: %v", err)
	}
	if !txn.EscrowFunded || txn.Status != StatusActive {
		t.Errorf("unexpected transaction: %+v", txn)
	}
}

func TestStartCardPayment(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/txn_1/pay" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		json.NewEncoder(w).Encode(&CardPayment{ChargeID: "pi_1", ClientSecret: "pi_1_secret"})
	})
	defer srv.Close()

	p, err := c.StartCardPayment(context.Background(), "txn_1")
	if err != nil {
		t.Fatalf("StartCardPayment: %v", err)
	}
	if p.ChargeID != "pi_1" || p.ClientSecret != "pi_1_secret" {
		t.Errorf("unexpected payment: %+v", p)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "invalid_state",
			"message": "transaction is not pending",
		})
	})
	defer srv.Close()

	_, err := c.ReleaseEscrow(context.Background(), "txn_1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_state" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestAPIErrorNonJSONBody(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	})
	defer srv.Close()

	_, err := c.Wallet(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "http_error" || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"transaction.funded","data":{"transactionId":"txn_1"}}`)
	secret := "whsec_test"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !VerifyWebhookSignature(body, sig, secret) {
		t.Error("valid signature rejected")
	}
	if VerifyWebhookSignature(body, sig, "wrong-secret") {
		t.Error("signature accepted with wrong secret")
	}
	if VerifyWebhookSignature([]byte("tampered"), sig, secret) {
		t.Error("signature accepted for tampered body")
	}
}
