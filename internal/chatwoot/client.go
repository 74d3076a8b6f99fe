// Package chatwoot implements the Chatwoot helpdesk API client used by
// MeliBridge: contact search/create, conversation search by custom attribute,
// conversation create and message append (plain or multipart with one
// attachment).
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/MeliBridge/internal/models"
)

// Per-call timeouts, mirroring the marketplace client: short for metadata,
// long for multipart attachment uploads.
const (
	RequestTimeout    = 10 * time.Second
	AttachmentTimeout = 45 * time.Second
)

// APIError is a non-2xx response from the Chatwoot API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatwoot API error: status %d: %s", e.StatusCode, e.Body)
}

// Opts holds configuration options for the client.
type Opts struct {
	BaseURL   string
	AccountID int
	Token     string
}

// Option configures client construction.
type Option func(*Opts)

// WithBaseURL sets the Chatwoot installation URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAccount sets the account id and API access token.
func WithAccount(accountID int, token string) Option {
	return func(o *Opts) { o.AccountID = accountID; o.Token = token }
}

// Client talks to a single Chatwoot account.
type Client struct {
	accountURL string
	token      string

	httpClient  *http.Client
	mediaClient *http.Client
}

// NewClient creates a helpdesk client from the given options.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("chatwoot.NewClient: configured", "base_url", cfg.BaseURL, "account_id", cfg.AccountID, "token_set", cfg.Token != "")
	return &Client{
		accountURL:  fmt.Sprintf("%s/api/v1/accounts/%d", cfg.BaseURL, cfg.AccountID),
		token:       cfg.Token,
		httpClient:  &http.Client{Timeout: RequestTimeout},
		mediaClient: &http.Client{Timeout: AttachmentTimeout},
	}
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, rawURL string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("api_access_token", c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

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

// FindOrCreateContact looks a contact up by identifier (the marketplace user
// id) and creates it when absent. The helpdesk is the source of truth for the
// identity mapping; no local table is kept.
func (c *Client) FindOrCreateContact(ctx context.Context, identifier, name, email string) (models.Contact, error) {
	var search struct {
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
		Payload []models.Contact `json:"payload"`
	}
	u := c.accountURL + "/contacts/search?q=" + url.QueryEscape(identifier)
	if err := c.doJSON(ctx, c.httpClient, http.MethodGet, u, nil, "", &search); err != nil {
		return models.Contact{}, fmt.Errorf("contact search failed for %s: %w", identifier, err)
	}
	if search.Meta.Count > 0 && len(search.Payload) > 0 {
		slog.Debug("chatwoot.FindOrCreateContact: contact found", "identifier", identifier, "contact_id", search.Payload[0].ID)
		return search.Payload[0], nil
	}

	payload, err := json.Marshal(map[string]string{
		"name":       name,
		"email":      email,
		"identifier": identifier,
	})
	if err != nil {
		return models.Contact{}, fmt.Errorf("failed to encode contact payload: %w", err)
	}
	var created struct {
		Payload struct {
			Contact models.Contact `json:"contact"`
		} `json:"payload"`
	}
	if err := c.doJSON(ctx, c.httpClient, http.MethodPost, c.accountURL+"/contacts", bytes.NewReader(payload), "application/json", &created); err != nil {
		return models.Contact{}, fmt.Errorf("contact create failed for %s: %w", identifier, err)
	}
	slog.Info("chatwoot.FindOrCreateContact: contact created", "identifier", identifier, "contact_id", created.Payload.Contact.ID)
	return created.Payload.Contact, nil
}

// FindConversationByAttribute searches conversations filtered on a custom
// attribute value. Returns the first match in the helpdesk's own ordering, or
// nil when no conversation carries the attribute.
func (c *Client) FindConversationByAttribute(ctx context.Context, attribute, value string) (*models.Conversation, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"payload": []map[string]interface{}{{
			"attribute_key":   attribute,
			"filter_operator": "equal_to",
			"values":          []string{value},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter payload: %w", err)
	}
	var result struct {
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
		Payload []models.Conversation `json:"payload"`
	}
	u := c.accountURL + "/conversations/filter"
	if err := c.doJSON(ctx, c.httpClient, http.MethodPost, u, bytes.NewReader(payload), "application/json", &result); err != nil {
		return nil, fmt.Errorf("conversation filter failed for %s=%s: %w", attribute, value, err)
	}
	if len(result.Payload) == 0 {
		return nil, nil
	}
	conv := result.Payload[0]
	slog.Debug("chatwoot.FindConversationByAttribute: conversation found",
		"attribute", attribute, "value", value, "conversation_id", conv.ID, "matches", len(result.Payload))
	return &conv, nil
}

// CreateConversation opens a text-only conversation in the given inbox, tagged
// with the supplied custom attributes.
func (c *Client) CreateConversation(ctx context.Context, inboxID, contactID int, body string, customAttrs map[string]string) (models.Conversation, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"inbox_id":   inboxID,
		"contact_id": contactID,
		"message": map[string]string{
			"content":      body,
			"message_type": models.MessageTypeIncoming,
		},
		"status":            "open",
		"custom_attributes": customAttrs,
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to encode conversation payload: %w", err)
	}
	var conv models.Conversation
	if err := c.doJSON(ctx, c.httpClient, http.MethodPost, c.accountURL+"/conversations", bytes.NewReader(payload), "application/json", &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation create failed: %w", err)
	}
	slog.Info("chatwoot.CreateConversation: conversation created", "inbox_id", inboxID, "conversation_id", conv.ID)
	return conv, nil
}

// CreateConversationWithAttachment opens a conversation whose first message
// carries one attachment, using a multipart form. Custom attributes travel as
// a JSON-encoded form field.
func (c *Client) CreateConversationWithAttachment(ctx context.Context, inboxID, contactID int, body string, customAttrs map[string]string, filename string, content []byte) (models.Conversation, error) {
	attrsJSON, err := json.Marshal(customAttrs)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to encode custom attributes: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"inbox_id":          strconv.Itoa(inboxID),
		"contact_id":        strconv.Itoa(contactID),
		"content":           body,
		"message_type":      models.MessageTypeIncoming,
		"status":            "open",
		"custom_attributes": string(attrsJSON),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return models.Conversation{}, fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	fw, err := mw.CreateFormFile("attachments[]", filename)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to write attachment content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	var conv models.Conversation
	if err := c.doJSON(ctx, c.mediaClient, http.MethodPost, c.accountURL+"/conversations", &buf, mw.FormDataContentType(), &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation create with attachment failed: %w", err)
	}
	slog.Info("chatwoot.CreateConversationWithAttachment: conversation created",
		"inbox_id", inboxID, "conversation_id", conv.ID, "filename", filename)
	return conv, nil
}

// AppendMessage appends an incoming text message to an existing conversation.
func (c *Client) AppendMessage(ctx context.Context, conversationID int, body string) error {
	payload, err := json.Marshal(map[string]string{
		"content":      body,
		"message_type": models.MessageTypeIncoming,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message payload: %w", err)
	}
	u := fmt.Sprintf("%s/conversations/%d/messages", c.accountURL, conversationID)
	if err := c.doJSON(ctx, c.httpClient, http.MethodPost, u, bytes.NewReader(payload), "application/json", nil); err != nil {
		return fmt.Errorf("message append failed for conversation %d: %w", conversationID, err)
	}
	slog.Debug("chatwoot.AppendMessage: message appended", "conversation_id", conversationID)
	return nil
}

// AppendMessageWithAttachment appends an incoming message carrying one
// attachment to an existing conversation.
func (c *Client) AppendMessageWithAttachment(ctx context.Context, conversationID int, body, filename string, content []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("content", body); err != nil {
		return fmt.Errorf("failed to write form field content: %w", err)
	}
	if err := mw.WriteField("message_type", models.MessageTypeIncoming); err != nil {
		return fmt.Errorf("failed to write form field message_type: %w", err)
	}
	fw, err := mw.CreateFormFile("attachments[]", filename)
	if err != nil {
		return fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("failed to write attachment content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	u := fmt.Sprintf("%s/conversations/%d/messages", c.accountURL, conversationID)
	if err := c.doJSON(ctx, c.mediaClient, http.MethodPost, u, &buf, mw.FormDataContentType(), nil); err != nil {
		return fmt.Errorf("message append with attachment failed for conversation %d: %w", conversationID, err)
	}
	slog.Debug("chatwoot.AppendMessageWithAttachment: message appended",
		"conversation_id", conversationID, "filename", filename)
	return nil
}
