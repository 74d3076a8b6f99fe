// Package reconciler implements the inbound polling engine of MeliBridge.
//
// Two independent cycles run over the same processed-item ledger: the
// question cycle turns unanswered buyer questions into helpdesk
// conversations, and the message cycle mirrors order pack messages into
// helpdesk conversations keyed by pack id. Per-item failures are logged and
// left unmarked so the item is retried on the next cycle; a failed initial
// fetch aborts the whole cycle.
package reconciler

import (
	"context"
	"fmt"
	"strconv"

	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/store"
)

// Marketplace is the slice of the MercadoLibre client the reconciler needs.
type Marketplace interface {
	UnansweredQuestions(ctx context.Context) ([]models.Question, error)
	RecentOrders(ctx context.Context) ([]models.Order, error)
	PackMessages(ctx context.Context, packID int64) ([]models.PackMessage, error)
	GetItem(ctx context.Context, itemID string) (models.Item, error)
	DownloadAttachment(ctx context.Context, url string) ([]byte, error)
}

// Helpdesk is the slice of the Chatwoot client the reconciler needs.
type Helpdesk interface {
	FindOrCreateContact(ctx context.Context, identifier, name, email string) (models.Contact, error)
	FindConversationByAttribute(ctx context.Context, attribute, value string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, inboxID, contactID int, body string, customAttrs map[string]string) (models.Conversation, error)
	CreateConversationWithAttachment(ctx context.Context, inboxID, contactID int, body string, customAttrs map[string]string, filename string, content []byte) (models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID int, body string) error
	AppendMessageWithAttachment(ctx context.Context, conversationID int, body, filename string, content []byte) error
}

// Resolver decides create-vs-append for a thread key by looking up the
// helpdesk conversation tagged with it.
type Resolver struct {
	hd Helpdesk
}

// NewResolver creates a resolver over the given helpdesk client.
func NewResolver(hd Helpdesk) *Resolver {
	return &Resolver{hd: hd}
}

// Resolve returns the existing conversation for a thread key, or nil when the
// caller should create one. Ties are broken by the helpdesk's own ordering.
func (r *Resolver) Resolve(ctx context.Context, key models.ThreadKey) (*models.Conversation, error) {
	conv, err := r.hd.FindConversationByAttribute(ctx, key.Attribute(), key.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread %s: %w", key, err)
	}
	return conv, nil
}

// Opts holds configuration options for the reconciler.
type Opts struct {
	SellerID       int64
	QuestionsInbox int
	MessagesInbox  int
}

// Option configures reconciler construction.
type Option func(*Opts)

// WithSellerID sets the seller id whose self-authored messages are skipped.
func WithSellerID(id int64) Option {
	return func(o *Opts) { o.SellerID = id }
}

// WithInboxes sets the helpdesk inbox ids for questions and order messages.
func WithInboxes(questions, messages int) Option {
	return func(o *Opts) { o.QuestionsInbox = questions; o.MessagesInbox = messages }
}

// Reconciler drives marketplace items into helpdesk conversations.
type Reconciler struct {
	market   Marketplace
	helpdesk Helpdesk
	resolver *Resolver
	ledger   store.Store

	sellerID       int64
	questionsInbox int
	messagesInbox  int
}

// New creates a reconciler over the given collaborators.
func New(market Marketplace, helpdesk Helpdesk, ledger store.Store, opts ...Option) *Reconciler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reconciler{
		market:         market,
		helpdesk:       helpdesk,
		resolver:       NewResolver(helpdesk),
		ledger:         ledger,
		sellerID:       cfg.SellerID,
		questionsInbox: cfg.QuestionsInbox,
		messagesInbox:  cfg.MessagesInbox,
	}
}

// questionContactName renders the placeholder contact name for a question
// asker; question search results expose only the user id.
func questionContactName(userID int64) string {
	return fmt.Sprintf("Cliente MELI (ID: %d)", userID)
}

// questionBody composes the conversation body for a buyer question, embedding
// the listing metadata above the question text.
func questionBody(item models.Item, questionText string) string {
	title := item.Title
	if title == "" {
		title = "Produto não encontrado"
	}
	permalink := item.Permalink
	if permalink == "" {
		permalink = "N/A"
	}
	return fmt.Sprintf("**Produto:** %s\n**Link:** %s\n\n**Pergunta:**\n_%s_", title, permalink, questionText)
}

// saleMessageBody composes the conversation body for an order pack message.
func saleMessageBody(orderID int64, text string, withAttachment bool) string {
	if withAttachment {
		return fmt.Sprintf("**Anexo recebido sobre a Venda #%d**\n\n_%s_", orderID, text)
	}
	return fmt.Sprintf("**Mensagem sobre a Venda #%d**\n\n_%s_", orderID, text)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
