// Package models defines the core data structures for MeliBridge.
//
// It includes the MercadoLibre and Chatwoot wire types, the thread-key types
// that join a marketplace conversation to a helpdesk conversation, and the
// ledger key helpers shared across modules.
package models

import (
	"errors"
	"fmt"
	"strconv"
)

// Custom attribute names used to tag Chatwoot conversations with the
// marketplace thread they mirror. These attributes are the sole join key
// between the two systems.
const (
	// AttrQuestionID tags a conversation that mirrors a single buyer question.
	AttrQuestionID = "meli_question_id"
	// AttrPackID tags a conversation that mirrors an order's post-sale message thread.
	AttrPackID = "meli_pack_id"
)

// Error variables for better error handling and testability
var (
	ErrNoThreadKey = errors.New("conversation carries no thread key attribute")
	ErrEmptyAnswer = errors.New("answer text cannot be empty")
)

// TokenPair is the marketplace credential pair. It is replaced atomically on
// refresh and persisted before being held in memory.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ThreadKind distinguishes the two marketplace thread types.
type ThreadKind string

const (
	// ThreadKindQuestion ties a single question to a single conversation and a single answer.
	ThreadKindQuestion ThreadKind = "question"
	// ThreadKindPack ties an order's message thread to a persistent conversation.
	ThreadKindPack ThreadKind = "pack"
)

// ThreadKey identifies the marketplace thread a helpdesk conversation mirrors.
type ThreadKey struct {
	Kind ThreadKind
	ID   string
}

// Attribute returns the Chatwoot custom attribute name for the key's kind.
func (k ThreadKey) Attribute() string {
	if k.Kind == ThreadKindQuestion {
		return AttrQuestionID
	}
	return AttrPackID
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// ThreadKeyFromAttributes extracts the thread key from a conversation's custom
// attributes. Pack ids win over question ids when both are present, matching
// the relay's dispatch order. Returns ErrNoThreadKey when neither is set.
func ThreadKeyFromAttributes(attrs map[string]string) (ThreadKey, error) {
	if id := attrs[AttrPackID]; id != "" {
		return ThreadKey{Kind: ThreadKindPack, ID: id}, nil
	}
	if id := attrs[AttrQuestionID]; id != "" {
		return ThreadKey{Kind: ThreadKindQuestion, ID: id}, nil
	}
	return ThreadKey{}, ErrNoThreadKey
}

// Ledger key namespaces. A question that was seen and a question that was
// answered are different events on the same underlying id and must not share
// a ledger entry.

// QuestionKey is the ledger key marking a question as ingested.
func QuestionKey(id int64) string { return "question-" + strconv.FormatInt(id, 10) }

// MessageKey is the ledger key marking a pack message as ingested.
func MessageKey(id string) string { return "message-" + id }

// AnsweredKey is the ledger key marking a question as answered.
func AnsweredKey(id string) string { return "answered-" + id }

// --- MercadoLibre wire types ---

// Question is an unanswered buyer question as returned by the question search.
type Question struct {
	ID          int64        `json:"id"`
	Text        string       `json:"text"`
	Status      string       `json:"status"`
	ItemID      string       `json:"item_id"`
	DateCreated string       `json:"date_created"`
	From        QuestionFrom `json:"from"`
}

// QuestionFrom identifies the marketplace user who asked a question.
type QuestionFrom struct {
	ID int64 `json:"id"`
}

// Item carries the listing metadata embedded into question conversation bodies.
type Item struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Permalink string `json:"permalink"`
}

// Order is a marketplace order as returned by the order search. PackID is nil
// for orders that never opened a message thread.
type Order struct {
	ID     int64  `json:"id"`
	PackID *int64 `json:"pack_id"`
	Buyer  Buyer  `json:"buyer"`
}

// Buyer is the marketplace buyer identity attached to an order.
type Buyer struct {
	ID        int64  `json:"id"`
	Nickname  string `json:"nickname"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// DisplayName renders the buyer name used for helpdesk contacts, falling back
// to the nickname when no real name is available.
func (b Buyer) DisplayName() string {
	name := b.FirstName
	if b.LastName != "" {
		if name != "" {
			name += " "
		}
		name += b.LastName
	}
	if name == "" {
		name = b.Nickname
	}
	return name
}

// PackMessage is one message of an order's post-sale thread.
type PackMessage struct {
	ID          string              `json:"id"`
	Text        string              `json:"text"`
	From        MessageSender       `json:"from"`
	Attachments []MessageAttachment `json:"attachments"`
}

// MessageSender identifies the author of a pack message.
type MessageSender struct {
	UserID int64 `json:"user_id"`
}

// MessageAttachment is a file attached to a pack message. Only the first
// attachment of a message is ever ingested.
type MessageAttachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// --- Chatwoot wire types ---

// Contact is a helpdesk contact, externally keyed by the marketplace user id
// stored in Identifier.
type Contact struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Identifier string `json:"identifier"`
}

// Conversation is a helpdesk conversation carrying the thread-key custom attribute.
type Conversation struct {
	ID               int               `json:"id"`
	InboxID          int               `json:"inbox_id"`
	Status           string            `json:"status"`
	CustomAttributes map[string]string `json:"custom_attributes"`
}

// ThreadKey extracts the conversation's thread key from its custom attributes.
func (c *Conversation) ThreadKey() (ThreadKey, error) {
	return ThreadKeyFromAttributes(c.CustomAttributes)
}

// --- Webhook wire types ---

// Webhook event and message type values MeliBridge reacts to. Everything else
// is a silent no-op.
const (
	WebhookEventMessageCreated = "message_created"
	MessageTypeOutgoing        = "outgoing"
	MessageTypeIncoming        = "incoming"
)

// WebhookEvent is the decoded Chatwoot webhook payload consumed by the relay.
type WebhookEvent struct {
	Event        string              `json:"event"`
	MessageType  string              `json:"message_type"`
	Content      string              `json:"content"`
	Attachments  []WebhookAttachment `json:"attachments"`
	Conversation WebhookConversation `json:"conversation"`
}

// WebhookAttachment is a file attached to an agent reply.
type WebhookAttachment struct {
	DataURL  string `json:"data_url"`
	Filename string `json:"filename"`
}

// WebhookConversation carries the custom attributes of the conversation the
// agent replied on.
type WebhookConversation struct {
	CustomAttributes map[string]string `json:"custom_attributes"`
}

// IsAgentReply reports whether the event is an agent-authored outgoing message,
// the only event shape the outbound relay acts on.
func (e WebhookEvent) IsAgentReply() bool {
	return e.Event == WebhookEventMessageCreated && e.MessageType == MessageTypeOutgoing
}
