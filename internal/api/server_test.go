package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/relay"
	"github.com/BTreeMap/MeliBridge/internal/store"
)

const testSecret = "webhook-secret"

// stubMarket lets webhook tests observe and fail relay effects.
type stubMarket struct {
	answers  int
	messages int
	fail     bool
}

func (s *stubMarket) AnswerQuestion(ctx context.Context, questionID int64, text string) error {
	if s.fail {
		return errors.New("marketplace down")
	}
	s.answers++
	return nil
}

func (s *stubMarket) SendPackMessage(ctx context.Context, packID int64, text string) error {
	if s.fail {
		return errors.New("marketplace down")
	}
	s.messages++
	return nil
}

func (s *stubMarket) SendPackAttachment(ctx context.Context, packID int64, filename string, content []byte) error {
	return nil
}

func (s *stubMarket) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	return nil, errors.New("not used")
}

func newTestServer(market relay.Marketplace) *Server {
	rel := relay.New(market, store.NewInMemoryStore())
	return NewServer(rel, WithWebhookSecret(testSecret))
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, srv *Server, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWebhookValidSignature(t *testing.T) {
	market := &stubMarket{}
	srv := newTestServer(market)
	body := []byte(`{"event":"message_created","message_type":"outgoing","content":"oi","conversation":{"custom_attributes":{"meli_pack_id":"555"}}}`)

	rr := postWebhook(t, srv, body, sign(testSecret, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if market.messages != 1 {
		t.Errorf("expected one relayed message, got %d", market.messages)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	market := &stubMarket{}
	srv := newTestServer(market)
	body := []byte(`{"event":"message_created","message_type":"outgoing","content":"oi","conversation":{"custom_attributes":{"meli_pack_id":"555"}}}`)

	rr := postWebhook(t, srv, body, sign("wrong-secret", body))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rr.Code)
	}
	if market.messages != 0 {
		t.Error("unsigned event must not reach the relay")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	srv := newTestServer(&stubMarket{})
	rr := postWebhook(t, srv, []byte(`{}`), "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rr.Code)
	}
}

func TestWebhookAcceptsSha256Prefix(t *testing.T) {
	srv := newTestServer(&stubMarket{})
	body := []byte(`{"event":"ping"}`)
	rr := postWebhook(t, srv, body, "sha256="+sign(testSecret, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with prefixed signature, got %d", rr.Code)
	}
}

func TestWebhookAlwaysSucceedsAfterVerification(t *testing.T) {
	// Relay failures must not bubble into the webhook status; Chatwoot would
	// otherwise retry-storm the endpoint.
	market := &stubMarket{fail: true}
	srv := newTestServer(market)
	body := []byte(`{"event":"message_created","message_type":"outgoing","content":"oi","conversation":{"custom_attributes":{"meli_question_id":"101"}}}`)

	rr := postWebhook(t, srv, body, sign(testSecret, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 despite relay failure, got %d", rr.Code)
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(&stubMarket{})
	body := []byte(`{not json`)
	rr := postWebhook(t, srv, body, sign(testSecret, body))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	srv := newTestServer(&stubMarket{})
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&stubMarket{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != models.APIStatusOK {
		t.Errorf("expected ok status, got %s", resp.Status)
	}
}

func TestEmptySecretFailsClosed(t *testing.T) {
	rel := relay.New(&stubMarket{}, store.NewInMemoryStore())
	srv := NewServer(rel) // no webhook secret configured
	body := []byte(`{"event":"ping"}`)
	rr := postWebhook(t, srv, body, sign("", body))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no secret is configured, got %d", rr.Code)
	}
}
