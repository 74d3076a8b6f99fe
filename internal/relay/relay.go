// Package relay implements the outbound path of MeliBridge: agent replies on
// helpdesk conversations, delivered via webhook, are forwarded to the
// marketplace endpoint matching the conversation's thread key.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/store"
)

// Marketplace is the slice of the MercadoLibre client the relay needs.
type Marketplace interface {
	AnswerQuestion(ctx context.Context, questionID int64, text string) error
	SendPackMessage(ctx context.Context, packID int64, text string) error
	SendPackAttachment(ctx context.Context, packID int64, filename string, content []byte) error
	DownloadAttachment(ctx context.Context, url string) ([]byte, error)
}

// Relay converts agent replies into marketplace API calls, gating question
// answers on the answered ledger namespace so a question is answered at most
// once even under webhook replay.
type Relay struct {
	market Marketplace
	ledger store.Store
}

// New creates a relay over the given marketplace client and ledger.
func New(market Marketplace, ledger store.Store) *Relay {
	return &Relay{market: market, ledger: ledger}
}

// HandleEvent processes one webhook event. Events that are not agent-authored
// outgoing messages on a thread-keyed conversation are a silent no-op. The
// returned error is for logging only; the webhook HTTP response never depends
// on it.
func (r *Relay) HandleEvent(ctx context.Context, ev models.WebhookEvent) error {
	if !ev.IsAgentReply() {
		slog.Debug("Relay.HandleEvent: ignoring event", "event", ev.Event, "message_type", ev.MessageType)
		return nil
	}
	key, err := models.ThreadKeyFromAttributes(ev.Conversation.CustomAttributes)
	if err != nil {
		slog.Debug("Relay.HandleEvent: event without thread key, ignoring")
		return nil
	}

	slog.Info("Relay.HandleEvent: agent reply received", "thread", key.String(),
		"has_content", strings.TrimSpace(ev.Content) != "", "attachments", len(ev.Attachments))

	switch key.Kind {
	case models.ThreadKindPack:
		return r.relayPackReply(ctx, key.ID, ev)
	case models.ThreadKindQuestion:
		return r.relayQuestionAnswer(ctx, key.ID, ev)
	default:
		return nil
	}
}

// relayPackReply forwards an agent reply to a post-sale thread: every
// attachment is sent as a marketplace attachment, then non-blank text as a
// text message. Attachments and text are independent sends and both may fire
// for one reply. Pack threads carry many replies, so there is no dedup gate.
func (r *Relay) relayPackReply(ctx context.Context, packIDStr string, ev models.WebhookEvent) error {
	packID, err := strconv.ParseInt(packIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid pack id %q: %w", packIDStr, err)
	}

	var firstErr error
	for _, att := range ev.Attachments {
		if att.DataURL == "" {
			continue
		}
		filename := att.Filename
		if filename == "" {
			filename = "anexo"
		}
		content, err := r.market.DownloadAttachment(ctx, att.DataURL)
		if err != nil {
			slog.Error("Relay.relayPackReply: attachment download failed",
				"pack_id", packID, "filename", filename, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.market.SendPackAttachment(ctx, packID, filename, content); err != nil {
			slog.Error("Relay.relayPackReply: attachment send failed",
				"pack_id", packID, "filename", filename, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if strings.TrimSpace(ev.Content) != "" {
		if err := r.market.SendPackMessage(ctx, packID, ev.Content); err != nil {
			slog.Error("Relay.relayPackReply: text send failed", "pack_id", packID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// relayQuestionAnswer submits the agent's text as the question's single
// answer. The answered namespace in the ledger makes the submission
// at-most-once: a replayed webhook event finds the mark and is dropped.
func (r *Relay) relayQuestionAnswer(ctx context.Context, questionIDStr string, ev models.WebhookEvent) error {
	if strings.TrimSpace(ev.Content) == "" {
		// Question answers are text-only; attachment-only replies are dropped.
		slog.Debug("Relay.relayQuestionAnswer: reply without text, ignoring", "question_id", questionIDStr)
		return nil
	}
	questionID, err := strconv.ParseInt(questionIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid question id %q: %w", questionIDStr, err)
	}

	key := models.AnsweredKey(questionIDStr)
	answered, err := r.ledger.IsProcessed(key)
	if err != nil {
		return fmt.Errorf("answered ledger check failed for question %s: %w", questionIDStr, err)
	}
	if answered {
		slog.Debug("Relay.relayQuestionAnswer: question already answered, dropping event", "question_id", questionID)
		return nil
	}

	if err := r.market.AnswerQuestion(ctx, questionID, ev.Content); err != nil {
		return err
	}
	if err := r.ledger.MarkProcessed(key); err != nil {
		return fmt.Errorf("failed to mark question %s answered: %w", questionIDStr, err)
	}
	slog.Info("Relay.relayQuestionAnswer: answer relayed", "question_id", questionID)
	return nil
}
