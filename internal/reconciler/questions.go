package reconciler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BTreeMap/MeliBridge/internal/models"
)

// ProcessQuestions runs one question cycle: fetch unanswered questions
// (oldest first), gate each on the ledger, and create one tagged helpdesk
// conversation per new question. The ledger is marked only after the
// conversation exists, so a failed question stays eligible for the next cycle.
func (r *Reconciler) ProcessQuestions(ctx context.Context) error {
	runID := uuid.NewString()
	slog.Info("Reconciler.ProcessQuestions: cycle started", "run_id", runID)

	questions, err := r.market.UnansweredQuestions(ctx)
	if err != nil {
		slog.Error("Reconciler.ProcessQuestions: fetch failed, aborting cycle", "run_id", runID, "error", err)
		return err
	}

	var created, skipped, failed int
	for _, q := range questions {
		key := models.QuestionKey(q.ID)
		seen, err := r.ledger.IsProcessed(key)
		if err != nil {
			slog.Error("Reconciler.ProcessQuestions: ledger check failed", "run_id", runID, "question_id", q.ID, "error", err)
			failed++
			continue
		}
		if seen {
			skipped++
			continue
		}

		if err := r.ingestQuestion(ctx, q); err != nil {
			slog.Error("Reconciler.ProcessQuestions: failed to process question",
				"run_id", runID, "question_id", q.ID, "error", err)
			failed++
			continue
		}
		if err := r.ledger.MarkProcessed(key); err != nil {
			slog.Error("Reconciler.ProcessQuestions: failed to mark question processed",
				"run_id", runID, "question_id", q.ID, "error", err)
			failed++
			continue
		}
		created++
	}

	slog.Info("Reconciler.ProcessQuestions: cycle finished",
		"run_id", runID, "fetched", len(questions), "created", created, "skipped", skipped, "failed", failed)
	return nil
}

// ingestQuestion materializes one question as a helpdesk conversation tagged
// with the question id.
func (r *Reconciler) ingestQuestion(ctx context.Context, q models.Question) error {
	slog.Info("Reconciler.ingestQuestion: new question", "question_id", q.ID, "item_id", q.ItemID)

	contact, err := r.helpdesk.FindOrCreateContact(ctx, formatID(q.From.ID), questionContactName(q.From.ID), "")
	if err != nil {
		return err
	}

	item, err := r.market.GetItem(ctx, q.ItemID)
	if err != nil {
		return err
	}

	attrs := map[string]string{models.AttrQuestionID: formatID(q.ID)}
	_, err = r.helpdesk.CreateConversation(ctx, r.questionsInbox, contact.ID, questionBody(item, q.Text), attrs)
	return err
}
