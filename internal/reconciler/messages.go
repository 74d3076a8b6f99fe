package reconciler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/BTreeMap/MeliBridge/internal/models"
)

// ProcessMessages runs one message cycle: fetch recent orders, walk each
// order's pack thread oldest-first, and mirror every new buyer message into
// the helpdesk conversation for that pack (creating it on first contact).
// Messages authored by the seller are never ingested. The ledger is marked
// only after the helpdesk effect succeeded.
func (r *Reconciler) ProcessMessages(ctx context.Context) error {
	runID := uuid.NewString()
	slog.Info("Reconciler.ProcessMessages: cycle started", "run_id", runID)

	orders, err := r.market.RecentOrders(ctx)
	if err != nil {
		slog.Error("Reconciler.ProcessMessages: order fetch failed, aborting cycle", "run_id", runID, "error", err)
		return err
	}

	var delivered, skipped, failed int
	for _, order := range orders {
		if order.PackID == nil {
			continue
		}
		packID := *order.PackID

		messages, err := r.market.PackMessages(ctx, packID)
		if err != nil {
			slog.Error("Reconciler.ProcessMessages: pack fetch failed",
				"run_id", runID, "order_id", order.ID, "pack_id", packID, "error", err)
			failed++
			continue
		}

		// The page arrives newest-first; iterate in reverse so appends reach
		// the conversation in chronological order.
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			if msg.From.UserID == r.sellerID {
				skipped++
				continue
			}
			key := models.MessageKey(msg.ID)
			seen, err := r.ledger.IsProcessed(key)
			if err != nil {
				slog.Error("Reconciler.ProcessMessages: ledger check failed",
					"run_id", runID, "message_id", msg.ID, "error", err)
				failed++
				continue
			}
			if seen {
				skipped++
				continue
			}

			ok, err := r.ingestMessage(ctx, order, packID, msg)
			if err != nil {
				slog.Error("Reconciler.ProcessMessages: failed to process message",
					"run_id", runID, "order_id", order.ID, "pack_id", packID, "message_id", msg.ID, "error", err)
				failed++
				continue
			}
			if !ok {
				// Nothing to deliver (blank text, no usable attachment).
				skipped++
				continue
			}
			if err := r.ledger.MarkProcessed(key); err != nil {
				slog.Error("Reconciler.ProcessMessages: failed to mark message processed",
					"run_id", runID, "message_id", msg.ID, "error", err)
				failed++
				continue
			}
			delivered++
		}
	}

	slog.Info("Reconciler.ProcessMessages: cycle finished",
		"run_id", runID, "orders", len(orders), "delivered", delivered, "skipped", skipped, "failed", failed)
	return nil
}

// ingestMessage delivers one pack message to the helpdesk: append when the
// pack already has a conversation, create a tagged one otherwise. Returns
// false when the message carries nothing deliverable.
func (r *Reconciler) ingestMessage(ctx context.Context, order models.Order, packID int64, msg models.PackMessage) (bool, error) {
	var (
		filename string
		content  []byte
	)
	withAttachment := len(msg.Attachments) > 0
	if withAttachment {
		// Only the first attachment of a message is ever ingested.
		att := msg.Attachments[0]
		if att.URL == "" {
			slog.Warn("Reconciler.ingestMessage: attachment without URL, skipping message",
				"message_id", msg.ID, "pack_id", packID)
			return false, nil
		}
		filename = att.Filename
		if filename == "" {
			filename = "anexo.jpg"
		}
		data, err := r.market.DownloadAttachment(ctx, att.URL)
		if err != nil {
			return false, err
		}
		content = data
	} else if strings.TrimSpace(msg.Text) == "" {
		return false, nil
	}

	body := saleMessageBody(order.ID, msg.Text, withAttachment)
	key := models.ThreadKey{Kind: models.ThreadKindPack, ID: formatID(packID)}

	conv, err := r.resolver.Resolve(ctx, key)
	if err != nil {
		return false, err
	}
	if conv != nil {
		slog.Info("Reconciler.ingestMessage: appending to existing conversation",
			"pack_id", packID, "conversation_id", conv.ID, "message_id", msg.ID)
		if withAttachment {
			return true, r.helpdesk.AppendMessageWithAttachment(ctx, conv.ID, body, filename, content)
		}
		return true, r.helpdesk.AppendMessage(ctx, conv.ID, body)
	}

	buyer := order.Buyer
	contact, err := r.helpdesk.FindOrCreateContact(ctx, formatID(buyer.ID), buyer.DisplayName(), buyer.Email)
	if err != nil {
		return false, err
	}

	attrs := map[string]string{models.AttrPackID: key.ID}
	slog.Info("Reconciler.ingestMessage: creating conversation for pack",
		"pack_id", packID, "order_id", order.ID, "message_id", msg.ID, "with_attachment", withAttachment)
	if withAttachment {
		_, err = r.helpdesk.CreateConversationWithAttachment(ctx, r.messagesInbox, contact.ID, body, attrs, filename, content)
		return err == nil, err
	}
	_, err = r.helpdesk.CreateConversation(ctx, r.messagesInbox, contact.ID, body, attrs)
	return err == nil, err
}
