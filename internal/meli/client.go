// Package meli implements the MercadoLibre API client used by MeliBridge.
//
// Every authenticated operation goes through the token-refresh interceptor in
// refresh.go, which handles expired access tokens transparently: one refresh
// exchange, one retry, then the failure propagates.
package meli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/MeliBridge/internal/creds"
	"github.com/BTreeMap/MeliBridge/internal/models"
)

// DefaultBaseURL is the MercadoLibre API endpoint.
const DefaultBaseURL = "https://api.mercadolibre.com"

// Per-call timeouts. Metadata fetches are short; answer/message submissions a
// little longer; attachment transfers get the long timeout.
const (
	MetadataTimeout   = 10 * time.Second
	SubmitTimeout     = 15 * time.Second
	AttachmentTimeout = 45 * time.Second
)

// RecentOrdersLimit bounds the order search page scanned per message cycle.
const RecentOrdersLimit = 10

// PackMessagesLimit bounds the message page fetched per pack.
const PackMessagesLimit = 50

// APIError is a non-2xx response from the marketplace API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadolibre API error: status %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is an authentication failure (HTTP 401),
// the only error class the token-refresh interceptor acts on.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Opts holds configuration options for the client.
type Opts struct {
	BaseURL  string
	AppID    string
	Secret   string
	SellerID int64
}

// Option configures client construction.
type Option func(*Opts)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAppCredentials sets the application id and secret used for the
// refresh-token exchange.
func WithAppCredentials(appID, secret string) Option {
	return func(o *Opts) { o.AppID = appID; o.Secret = secret }
}

// WithSellerID sets the seller (marketplace user) id.
func WithSellerID(id int64) Option {
	return func(o *Opts) { o.SellerID = id }
}

// Client talks to the MercadoLibre API on behalf of a single seller.
type Client struct {
	baseURL  string
	appID    string
	secret   string
	sellerID int64
	creds    *creds.Manager

	metaClient   *http.Client
	submitClient *http.Client
	mediaClient  *http.Client
}

// NewClient creates a marketplace client bound to the given credential manager.
func NewClient(cm *creds.Manager, opts ...Option) *Client {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("meli.NewClient: configured",
		"base_url", cfg.BaseURL, "seller_id", cfg.SellerID, "app_id_set", cfg.AppID != "")
	return &Client{
		baseURL:      cfg.BaseURL,
		appID:        cfg.AppID,
		secret:       cfg.Secret,
		sellerID:     cfg.SellerID,
		creds:        cm,
		metaClient:   &http.Client{Timeout: MetadataTimeout},
		submitClient: &http.Client{Timeout: SubmitTimeout},
		mediaClient:  &http.Client{Timeout: AttachmentTimeout},
	}
}

// SellerID returns the configured seller id. The reconciler uses it to skip
// self-authored pack messages.
func (c *Client) SellerID() int64 { return c.sellerID }

// doJSON performs an authenticated request and decodes the JSON response body
// into out (when out is non-nil). Non-2xx responses become *APIError.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, rawURL, token string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// UnansweredQuestions fetches all unanswered buyer questions, oldest first.
func (c *Client) UnansweredQuestions(ctx context.Context) ([]models.Question, error) {
	var result struct {
		Questions []models.Question `json:"questions"`
	}
	params := url.Values{
		"status":      {"UNANSWERED"},
		"sort_fields": {"date_created"},
		"sort_order":  {"asc"},
	}
	u := c.baseURL + "/my/received_questions/search?" + params.Encode()
	err := c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.metaClient, http.MethodGet, u, token, nil, "", &result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unanswered questions: %w", err)
	}
	return result.Questions, nil
}

// RecentOrders fetches the seller's most recent orders, newest first.
func (c *Client) RecentOrders(ctx context.Context) ([]models.Order, error) {
	var result struct {
		Results []models.Order `json:"results"`
	}
	params := url.Values{
		"seller": {strconv.FormatInt(c.sellerID, 10)},
		"sort":   {"date_desc"},
		"limit":  {strconv.Itoa(RecentOrdersLimit)},
	}
	u := c.baseURL + "/orders/search?" + params.Encode()
	err := c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.metaClient, http.MethodGet, u, token, nil, "", &result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent orders: %w", err)
	}
	return result.Results, nil
}

// PackMessages fetches the message page for an order pack, newest first.
// A zero pack id yields an empty page without touching the API.
func (c *Client) PackMessages(ctx context.Context, packID int64) ([]models.PackMessage, error) {
	if packID == 0 {
		return nil, nil
	}
	var result struct {
		Messages []models.PackMessage `json:"messages"`
	}
	params := url.Values{
		"limit": {strconv.Itoa(PackMessagesLimit)},
		"sort":  {"date_desc"},
	}
	u := fmt.Sprintf("%s/messaging/packs/%d/messages?%s", c.baseURL, packID, params.Encode())
	err := c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.metaClient, http.MethodGet, u, token, nil, "", &result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages for pack %d: %w", packID, err)
	}
	return result.Messages, nil
}

// GetItem fetches a listing's title and permalink.
func (c *Client) GetItem(ctx context.Context, itemID string) (models.Item, error) {
	var item models.Item
	u := c.baseURL + "/items/" + url.PathEscape(itemID)
	err := c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.metaClient, http.MethodGet, u, token, nil, "", &item)
	})
	if err != nil {
		return models.Item{}, fmt.Errorf("failed to fetch item %s: %w", itemID, err)
	}
	return item, nil
}

// AnswerQuestion submits the answer text for a question. The marketplace
// accepts exactly one answer per question; callers gate on the answered
// ledger namespace before calling.
func (c *Client) AnswerQuestion(ctx context.Context, questionID int64, text string) error {
	if text == "" {
		return models.ErrEmptyAnswer
	}
	payload, err := json.Marshal(map[string]interface{}{
		"question_id": questionID,
		"text":        text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode answer payload: %w", err)
	}
	u := c.baseURL + "/answers"
	err = c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.submitClient, http.MethodPost, u, token, bytes.NewReader(payload), "application/json", nil)
	})
	if err != nil {
		return fmt.Errorf("failed to answer question %d: %w", questionID, err)
	}
	slog.Info("meli.AnswerQuestion: answer submitted", "question_id", questionID)
	return nil
}

// SendPackMessage sends a text message on an order's post-sale thread.
func (c *Client) SendPackMessage(ctx context.Context, packID int64, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode message payload: %w", err)
	}
	u := fmt.Sprintf("%s/messages/packs/%d/sellers/%d", c.baseURL, packID, c.sellerID)
	err = c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.submitClient, http.MethodPost, u, token, bytes.NewReader(payload), "application/json", nil)
	})
	if err != nil {
		return fmt.Errorf("failed to send message to pack %d: %w", packID, err)
	}
	slog.Info("meli.SendPackMessage: message sent", "pack_id", packID)
	return nil
}

// SendPackAttachment uploads a file to an order's post-sale thread as a
// multipart form. The whole file is held in memory.
func (c *Client) SendPackAttachment(ctx context.Context, packID int64, filename string, content []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("failed to write attachment content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	u := fmt.Sprintf("%s/messages/attachments?packId=%d", c.baseURL, packID)
	body := buf.Bytes()
	err = c.withRefresh(ctx, func(token string) error {
		return c.doJSON(ctx, c.mediaClient, http.MethodPost, u, token, bytes.NewReader(body), mw.FormDataContentType(), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to send attachment %s to pack %d: %w", filename, packID, err)
	}
	slog.Info("meli.SendPackAttachment: attachment sent", "pack_id", packID, "filename", filename)
	return nil
}

// DownloadAttachment fetches an attachment URL into memory. Attachment URLs
// are pre-signed, so no Authorization header is attached.
func (c *Client) DownloadAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: "attachment download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment body: %w", err)
	}
	return data, nil
}
