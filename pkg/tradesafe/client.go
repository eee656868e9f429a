package tradesafe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to a TradeSafe server. All methods authenticate with
// the API key supplied at construction and are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, for custom
// timeouts or transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a client for the server at baseURL, e.g.
// "https://api.tradesafe.example". The key is the raw sk_ API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTransaction opens a new escrow transaction.
func (c *Client) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*Transaction, error) {
	var t Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransaction fetches one transaction the caller is a party to.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions pages through the caller's transactions, newest
// first. Pass an empty cursor for the first page and the returned
// NextCursor thereafter. A limit of 0 uses the server default.
func (c *Client) ListTransactions(ctx context.Context, cursor string, limit int) (*TransactionPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page TransactionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FundFromWallet funds a pending transaction from the buyer's wallet
// balance.
func (c *Client) FundFromWallet(ctx context.Context, id string) (*Transaction, error) {
	return c.fund(ctx, id, MethodWallet, "")
}

// FundFromCard funds a pending transaction with a previously captured
// card charge.
func (c *Client) FundFromCard(ctx context.Context, id, chargeID string) (*Transaction, error) {
	return c.fund(ctx, id, MethodCard, chargeID)
}

// StartCardPayment begins a card payment for the transaction amount.
// The buyer completes the payment with the client secret, then calls
// FundFromCard with the charge id.
func (c *Client) StartCardPayment(ctx context.Context, id string) (*CardPayment, error) {
	var p CardPayment
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/pay", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) fund(ctx context.Context, id, method, chargeID string) (*Transaction, error) {
	body := map[string]string{"method": method}
	if chargeID != "" {
		body["chargeId"] = chargeID
	}
	var t Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/fund", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ReleaseEscrow releases held funds to the seller. Buyer only.
func (c *Client) ReleaseEscrow(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/release", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTransaction cancels a transaction that is still pending and
// unfunded. Either party may cancel.
func (c *Client) CancelTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/cancel", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// OpenDispute raises a dispute on an active transaction.
func (c *Client) OpenDispute(ctx context.Context, transactionID, reason string) (*Dispute, error) {
	body := map[string]string{"reason": reason}
	var d Dispute
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(transactionID)+"/dispute", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SendMessage posts a chat message on a transaction.
func (c *Client) SendMessage(ctx context.Context, transactionID, content string) (*Message, error) {
	body := map[string]string{"content": content}
	var m Message
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(transactionID)+"/messages", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Messages lists the chat on a transaction, oldest first.
func (c *Client) Messages(ctx context.Context, transactionID string) ([]*Message, error) {
	var resp struct {
		Messages []*Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(transactionID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Wallet fetches the caller's wallet balance.
func (c *Client) Wallet(ctx context.Context) (*Balance, error) {
	var b Balance
	if err := c.do(ctx, http.MethodGet, "/v1/wallet", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// VerifyWebhookSignature checks the X-TradeSafe-Signature header on an
// incoming webhook delivery against the subscription secret. The body
// must be the raw, unmodified request body.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
