// Package api provides the HTTP surface of MeliBridge: the Chatwoot webhook
// endpoint that feeds the outbound relay, and a health endpoint.
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/relay"
)

// SignatureHeader carries the HMAC-SHA256 hex digest Chatwoot computes over
// the raw webhook body.
const SignatureHeader = "X-Chatwoot-Hmac-Sha256"

// MaxWebhookBody bounds the webhook payload size read into memory.
const MaxWebhookBody = 1 << 20

// Opts holds configuration options for the API server.
type Opts struct {
	Addr              string
	WebhookSecret     string
	QuestionsSchedule string
	MessagesSchedule  string
	SeedTokens        models.TokenPair
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhookSecret sets the HMAC secret shared with Chatwoot. Signature
// verification is always on; an empty secret rejects every webhook.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// WithSchedules overrides the cron expressions for the two poll cycles.
func WithSchedules(questions, messages string) Option {
	return func(o *Opts) { o.QuestionsSchedule = questions; o.MessagesSchedule = messages }
}

// WithSeedTokens supplies the bootstrap credential pair used when no pair has
// been persisted yet.
func WithSeedTokens(pair models.TokenPair) Option {
	return func(o *Opts) { o.SeedTokens = pair }
}

// Server handles the inbound webhook and dispatches agent replies to the relay.
type Server struct {
	relay  *relay.Relay
	secret string
	addr   string
}

// NewServer creates an API server over the given relay.
func NewServer(rel *relay.Relay, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WebhookSecret == "" {
		slog.Warn("api.NewServer: no webhook secret configured, all webhook deliveries will be rejected")
	}
	return &Server{relay: rel, secret: cfg.WebhookSecret, addr: cfg.Addr}
}

// Handler returns the HTTP handler serving the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// webhookHandler verifies the Chatwoot HMAC signature, decodes the event, and
// hands it to the relay. Once the signature verifies, the response is always
// 200 regardless of relay outcome, so Chatwoot never enters a retry storm
// over an internal failure.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		slog.Warn("Server.webhookHandler: signature verification failed", "remote_addr", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid webhook signature"))
		return
	}

	var ev models.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := s.relay.HandleEvent(r.Context(), ev); err != nil {
		// Relay failures are logged only; Chatwoot still gets a success.
		slog.Error("Server.webhookHandler: relay failed", "error", err)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// verifySignature checks the HMAC-SHA256 hex digest of the raw body against
// the signature header. Verification is a required boundary control: missing
// secret or missing header fails closed.
func (s *Server) verifySignature(body []byte, header string) bool {
	if s.secret == "" || header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}
