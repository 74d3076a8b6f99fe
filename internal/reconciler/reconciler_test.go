package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/store"
)

// fakeMarket is an in-memory Marketplace.
type fakeMarket struct {
	questions    []models.Question
	questionsErr error
	orders       []models.Order
	ordersErr    error
	packMessages map[int64][]models.PackMessage
	items        map[string]models.Item
	failingItems map[string]bool
	downloads    map[string][]byte
	downloaded   []string
}

func (f *fakeMarket) UnansweredQuestions(ctx context.Context) ([]models.Question, error) {
	return f.questions, f.questionsErr
}

func (f *fakeMarket) RecentOrders(ctx context.Context) ([]models.Order, error) {
	return f.orders, f.ordersErr
}

func (f *fakeMarket) PackMessages(ctx context.Context, packID int64) ([]models.PackMessage, error) {
	return f.packMessages[packID], nil
}

func (f *fakeMarket) GetItem(ctx context.Context, itemID string) (models.Item, error) {
	if f.failingItems[itemID] {
		return models.Item{}, errors.New("item lookup failed")
	}
	return f.items[itemID], nil
}

func (f *fakeMarket) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	data, ok := f.downloads[url]
	if !ok {
		return nil, fmt.Errorf("no such attachment: %s", url)
	}
	f.downloaded = append(f.downloaded, url)
	return data, nil
}

type createdConversation struct {
	inboxID  int
	body     string
	attrs    map[string]string
	filename string
}

type appendedMessage struct {
	conversationID int
	body           string
	filename       string
}

// fakeHelpdesk is an in-memory Helpdesk whose created conversations are
// immediately findable by custom attribute, like the real system.
type fakeHelpdesk struct {
	nextContactID      int
	contacts           map[string]models.Contact
	nextConversationID int
	conversations      []models.Conversation
	created            []createdConversation
	appended           []appendedMessage
	failCreate         bool
}

func newFakeHelpdesk() *fakeHelpdesk {
	return &fakeHelpdesk{contacts: make(map[string]models.Contact)}
}

func (f *fakeHelpdesk) FindOrCreateContact(ctx context.Context, identifier, name, email string) (models.Contact, error) {
	if c, ok := f.contacts[identifier]; ok {
		return c, nil
	}
	f.nextContactID++
	c := models.Contact{ID: f.nextContactID, Name: name, Email: email, Identifier: identifier}
	f.contacts[identifier] = c
	return c, nil
}

func (f *fakeHelpdesk) FindConversationByAttribute(ctx context.Context, attribute, value string) (*models.Conversation, error) {
	for i := range f.conversations {
		if f.conversations[i].CustomAttributes[attribute] == value {
			conv := f.conversations[i]
			return &conv, nil
		}
	}
	return nil, nil
}

func (f *fakeHelpdesk) createConversation(inboxID int, body string, attrs map[string]string, filename string) (models.Conversation, error) {
	if f.failCreate {
		return models.Conversation{}, errors.New("conversation create failed")
	}
	f.nextConversationID++
	conv := models.Conversation{ID: f.nextConversationID, InboxID: inboxID, Status: "open", CustomAttributes: attrs}
	f.conversations = append(f.conversations, conv)
	f.created = append(f.created, createdConversation{inboxID: inboxID, body: body, attrs: attrs, filename: filename})
	return conv, nil
}

func (f *fakeHelpdesk) CreateConversation(ctx context.Context, inboxID, contactID int, body string, customAttrs map[string]string) (models.Conversation, error) {
	return f.createConversation(inboxID, body, customAttrs, "")
}

func (f *fakeHelpdesk) CreateConversationWithAttachment(ctx context.Context, inboxID, contactID int, body string, customAttrs map[string]string, filename string, content []byte) (models.Conversation, error) {
	return f.createConversation(inboxID, body, customAttrs, filename)
}

func (f *fakeHelpdesk) AppendMessage(ctx context.Context, conversationID int, body string) error {
	f.appended = append(f.appended, appendedMessage{conversationID: conversationID, body: body})
	return nil
}

func (f *fakeHelpdesk) AppendMessageWithAttachment(ctx context.Context, conversationID int, body, filename string, content []byte) error {
	f.appended = append(f.appended, appendedMessage{conversationID: conversationID, body: body, filename: filename})
	return nil
}

func newTestReconciler(market *fakeMarket, helpdesk *fakeHelpdesk) (*Reconciler, store.Store) {
	st := store.NewInMemoryStore()
	rec := New(market, helpdesk, st, WithSellerID(42), WithInboxes(5, 6))
	return rec, st
}

func packOrder(orderID, packID, buyerID int64) models.Order {
	return models.Order{
		ID:     orderID,
		PackID: &packID,
		Buyer:  models.Buyer{ID: buyerID, FirstName: "Ana", LastName: "Souza", Email: "ana@example.com"},
	}
}

func TestQuestionCycleCreatesTaggedConversation(t *testing.T) {
	market := &fakeMarket{
		questions: []models.Question{{ID: 101, Text: "Tem estoque?", ItemID: "MLB1", From: models.QuestionFrom{ID: 9001}}},
		items:     map[string]models.Item{"MLB1": {ID: "MLB1", Title: "Fone BT", Permalink: "https://produto/MLB1"}},
	}
	helpdesk := newFakeHelpdesk()
	rec, st := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessQuestions(context.Background()))

	require.Len(t, helpdesk.created, 1)
	created := helpdesk.created[0]
	require.Equal(t, 5, created.inboxID)
	require.Equal(t, "101", created.attrs[models.AttrQuestionID])
	require.Contains(t, created.body, "Fone BT")
	require.Contains(t, created.body, "https://produto/MLB1")
	require.Contains(t, created.body, "Tem estoque?")

	seen, err := st.IsProcessed(models.QuestionKey(101))
	require.NoError(t, err)
	require.True(t, seen)
}

func TestQuestionCycleSkipsProcessed(t *testing.T) {
	market := &fakeMarket{
		questions: []models.Question{{ID: 101, Text: "Tem estoque?", ItemID: "MLB1", From: models.QuestionFrom{ID: 9001}}},
		items:     map[string]models.Item{"MLB1": {}},
	}
	helpdesk := newFakeHelpdesk()
	rec, st := newTestReconciler(market, helpdesk)
	require.NoError(t, st.MarkProcessed(models.QuestionKey(101)))

	require.NoError(t, rec.ProcessQuestions(context.Background()))
	require.Empty(t, helpdesk.created, "processed question must not produce any outbound effect")
}

func TestQuestionCyclePerItemFailureIsolation(t *testing.T) {
	market := &fakeMarket{
		questions: []models.Question{
			{ID: 101, Text: "a", ItemID: "MLB-BROKEN", From: models.QuestionFrom{ID: 1}},
			{ID: 102, Text: "b", ItemID: "MLB2", From: models.QuestionFrom{ID: 2}},
		},
		items:        map[string]models.Item{"MLB2": {Title: "Capa"}},
		failingItems: map[string]bool{"MLB-BROKEN": true},
	}
	helpdesk := newFakeHelpdesk()
	rec, st := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessQuestions(context.Background()))

	// The failing question must not abort the cycle or reach the ledger.
	require.Len(t, helpdesk.created, 1)
	require.Equal(t, "102", helpdesk.created[0].attrs[models.AttrQuestionID])
	seen, _ := st.IsProcessed(models.QuestionKey(101))
	require.False(t, seen, "failed question stays eligible for retry")
	seen, _ = st.IsProcessed(models.QuestionKey(102))
	require.True(t, seen)
}

func TestQuestionCycleFetchFailureAborts(t *testing.T) {
	market := &fakeMarket{questionsErr: errors.New("search down")}
	helpdesk := newFakeHelpdesk()
	rec, _ := newTestReconciler(market, helpdesk)

	require.Error(t, rec.ProcessQuestions(context.Background()))
	require.Empty(t, helpdesk.created)
}

func TestMessageCycleCreatesThenAppends(t *testing.T) {
	market := &fakeMarket{
		orders: []models.Order{packOrder(7000, 555, 9001)},
		packMessages: map[int64][]models.PackMessage{
			// Newest first, as the API returns them.
			555: {
				{ID: "m2", Text: "e o prazo?", From: models.MessageSender{UserID: 9001}},
				{ID: "m1", Text: "oi, comprei", From: models.MessageSender{UserID: 9001}},
			},
		},
	}
	helpdesk := newFakeHelpdesk()
	rec, st := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessMessages(context.Background()))

	// First message creates the tagged conversation, second appends to it.
	require.Len(t, helpdesk.created, 1)
	require.Equal(t, 6, helpdesk.created[0].inboxID)
	require.Equal(t, "555", helpdesk.created[0].attrs[models.AttrPackID])
	require.Contains(t, helpdesk.created[0].body, "oi, comprei")
	require.Len(t, helpdesk.appended, 1)
	require.Contains(t, helpdesk.appended[0].body, "e o prazo?")

	for _, id := range []string{"m1", "m2"} {
		seen, err := st.IsProcessed(models.MessageKey(id))
		require.NoError(t, err)
		require.True(t, seen)
	}

	// A second cycle over the same page produces no further effects.
	require.NoError(t, rec.ProcessMessages(context.Background()))
	require.Len(t, helpdesk.created, 1)
	require.Len(t, helpdesk.appended, 1)
}

func TestMessageCycleChronologicalOrder(t *testing.T) {
	market := &fakeMarket{
		orders: []models.Order{packOrder(7000, 555, 9001)},
		packMessages: map[int64][]models.PackMessage{
			555: {
				{ID: "m3", Text: "terceira", From: models.MessageSender{UserID: 9001}},
				{ID: "m2", Text: "segunda", From: models.MessageSender{UserID: 9001}},
				{ID: "m1", Text: "primeira", From: models.MessageSender{UserID: 9001}},
			},
		},
	}
	helpdesk := newFakeHelpdesk()
	rec, _ := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessMessages(context.Background()))

	// Page arrives newest-first; the conversation must receive oldest-first.
	var sequence []string
	sequence = append(sequence, helpdesk.created[0].body)
	for _, a := range helpdesk.appended {
		sequence = append(sequence, a.body)
	}
	require.Len(t, sequence, 3)
	require.Contains(t, sequence[0], "primeira")
	require.Contains(t, sequence[1], "segunda")
	require.Contains(t, sequence[2], "terceira")
}

func TestMessageCycleSkipsSellerMessages(t *testing.T) {
	market := &fakeMarket{
		orders: []models.Order{packOrder(7000, 555, 9001)},
		packMessages: map[int64][]models.PackMessage{
			555: {{ID: "m1", Text: "resposta do vendedor", From: models.MessageSender{UserID: 42}}},
		},
	}
	helpdesk := newFakeHelpdesk()
	rec, st := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessMessages(context.Background()))
	require.Empty(t, helpdesk.created)
	require.Empty(t, helpdesk.appended)
	seen, _ := st.IsProcessed(models.MessageKey("m1"))
	require.False(t, seen, "self-authored messages are skipped, not marked")
}

func TestMessageCycleFirstAttachmentOnly(t *testing.T) {
	market := &fakeMarket{
		orders: []models.Order{packOrder(7000, 555, 9001)},
		packMessages: map[int64][]models.PackMessage{
			555: {{
				ID:   "m1",
				Text: "segue foto",
				From: models.MessageSender{UserID: 9001},
				Attachments: []models.MessageAttachment{
					{Filename: "foto1.jpg", URL: "https://files/foto1"},
					{Filename: "foto2.jpg", URL: "https://files/foto2"},
				},
			}},
		},
		downloads: map[string][]byte{
			"https://files/foto1": []byte("jpeg-1"),
			"https://files/foto2": []byte("jpeg-2"),
		},
	}
	helpdesk := newFakeHelpdesk()
	rec, _ := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessMessages(context.Background()))

	require.Equal(t, []string{"https://files/foto1"}, market.downloaded, "only the first attachment is ingested")
	require.Len(t, helpdesk.created, 1)
	require.Equal(t, "foto1.jpg", helpdesk.created[0].filename)
	require.True(t, strings.Contains(helpdesk.created[0].body, "Anexo"))
}

func TestMessageCycleBlankMessageSkipped(t *testing.T) {
	market := &fakeMarket{
		orders: []models.Order{packOrder(7000, 555, 9001)},
		packMessages: map[int64][]models.PackMessage{
			555: {{ID: "m1", Text: "   ", From: models.MessageSender{UserID: 9001}}},
		},
	}
	helpdesk := newFakeHelpdesk()
	rec, st := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessMessages(context.Background()))
	require.Empty(t, helpdesk.created)
	seen, _ := st.IsProcessed(models.MessageKey("m1"))
	require.False(t, seen)
}

func TestMessageCycleCreateFailureLeavesUnmarked(t *testing.T) {
	market := &fakeMarket{
		orders: []models.Order{packOrder(7000, 555, 9001)},
		packMessages: map[int64][]models.PackMessage{
			555: {{ID: "m1", Text: "oi", From: models.MessageSender{UserID: 9001}}},
		},
	}
	helpdesk := newFakeHelpdesk()
	helpdesk.failCreate = true
	rec, st := newTestReconciler(market, helpdesk)

	require.NoError(t, rec.ProcessMessages(context.Background()))
	seen, _ := st.IsProcessed(models.MessageKey("m1"))
	require.False(t, seen, "failed message stays eligible for retry")

	// Next cycle, with the helpdesk recovered, delivers it.
	helpdesk.failCreate = false
	require.NoError(t, rec.ProcessMessages(context.Background()))
	seen, _ = st.IsProcessed(models.MessageKey("m1"))
	require.True(t, seen)
}

func TestResolverMapsKindToAttribute(t *testing.T) {
	helpdesk := newFakeHelpdesk()
	helpdesk.conversations = []models.Conversation{
		{ID: 1, CustomAttributes: map[string]string{models.AttrQuestionID: "101"}},
		{ID: 2, CustomAttributes: map[string]string{models.AttrPackID: "555"}},
	}
	r := NewResolver(helpdesk)

	conv, err := r.Resolve(context.Background(), models.ThreadKey{Kind: models.ThreadKindPack, ID: "555"})
	require.NoError(t, err)
	require.NotNil(t, conv)
	require.Equal(t, 2, conv.ID)

	conv, err = r.Resolve(context.Background(), models.ThreadKey{Kind: models.ThreadKindQuestion, ID: "999"})
	require.NoError(t, err)
	require.Nil(t, conv)
}
