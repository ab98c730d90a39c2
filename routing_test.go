package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

type stateChange struct {
	status       ConversationStatus
	departmentID sql.NullInt64
	operatorID   sql.NullInt64
}

type fakeRouterStore struct {
	tenant      *Tenant
	hours       []BusinessHour
	departments []Department
	contact     *Contact
	history     []Message
	duplicate   bool

	inserted       []*Message
	states         []stateChange
	ratings        []*Rating
	welcomeTouches []time.Time
}

func (f *fakeRouterStore) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	if f.tenant == nil || f.tenant.ID != id {
		return nil, ErrNotFound
	}
	return f.tenant, nil
}

func (f *fakeRouterStore) GetBusinessHours(ctx context.Context, tenantID int64) ([]BusinessHour, error) {
	return f.hours, nil
}

func (f *fakeRouterStore) ListDepartments(ctx context.Context, tenantID int64) ([]Department, error) {
	return f.departments, nil
}

func (f *fakeRouterStore) UpsertContact(ctx context.Context, tenantID int64, address, name, pictureURL string, now time.Time) (*Contact, error) {
	f.contact.LastActivityAt = now
	return f.contact, nil
}

func (f *fakeRouterStore) SetConversationState(ctx context.Context, tenantID int64, address string, status ConversationStatus, departmentID, operatorID sql.NullInt64) error {
	f.states = append(f.states, stateChange{status, departmentID, operatorID})
	return nil
}

func (f *fakeRouterStore) TouchWelcome(ctx context.Context, tenantID int64, address string, at time.Time) error {
	f.welcomeTouches = append(f.welcomeTouches, at)
	return nil
}

func (f *fakeRouterStore) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if f.duplicate {
		return false, nil
	}
	f.inserted = append(f.inserted, m)
	return true, nil
}

func (f *fakeRouterStore) RecentMessages(ctx context.Context, tenantID int64, address string, limit int) ([]Message, error) {
	return f.history, nil
}

func (f *fakeRouterStore) InsertRating(ctx context.Context, r *Rating) error {
	f.ratings = append(f.ratings, r)
	return nil
}

type fakeOutbound struct {
	texts  []string
	media  []string
	stamps []string
}

func (f *fakeOutbound) SendText(ctx context.Context, tenantID int64, address, body string) error {
	f.texts = append(f.texts, body)
	return nil
}

func (f *fakeOutbound) SendMediaFile(ctx context.Context, tenantID int64, address string, kind ContentKind, path, caption string) error {
	f.media = append(f.media, path)
	return nil
}

func (f *fakeOutbound) StampSystem(ctx context.Context, tenantID int64, address, body string) {
	f.stamps = append(f.stamps, body)
}

type liveSessions struct{}

func (liveSessions) Session(tenantID int64) (waSession, bool) { return &fakeWASession{}, true }

type noSessions struct{}

func (noSessions) Session(tenantID int64) (waSession, bool) { return nil, false }

type noMedia struct{}

func (noMedia) Save(ctx context.Context, sess waSession, tenantID int64, c Content) sql.NullString {
	return sql.NullString{}
}

func (noMedia) PublicURL(path string) string { return "" }

func newRouterFixture(contact *Contact) (*Router, *fakeRouterStore, *fakeOutbound) {
	store := &fakeRouterStore{
		tenant: &Tenant{ID: 1, Active: true, WelcomeMessage: "Welcome to Acme!"},
		departments: []Department{
			{ID: 10, TenantID: 1, Name: "Sales", Greeting: "Sales will be right with you", Ordering: 1},
			{ID: 20, TenantID: 1, Name: "Support", Greeting: "Support will be right with you", Ordering: 2},
		},
		contact: contact,
	}
	out := &fakeOutbound{}
	r := NewRouter(store, liveSessions{}, noMedia{}, out, NewAIClient("http://localhost:0", "test"), &Publisher{})
	r.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	return r, store, out
}

func textJob(t *testing.T, body string) *InboundJob {
	t.Helper()
	raw, err := proto.Marshal(&waE2E.Message{Conversation: proto.String(body)})
	require.NoError(t, err)
	return &InboundJob{
		TenantID:   1,
		ProtocolID: "3EB0" + body,
		Address:    "5511999990000@s.whatsapp.net",
		PushName:   "Alice",
		Timestamp:  time.Now(),
		Raw:        raw,
	}
}

func welcomedContact(status ConversationStatus) *Contact {
	return &Contact{
		TenantID: 1,
		Address:  "5511999990000@s.whatsapp.net",
		Name:     "Alice",
		Status:   status,
		LastWelcomeAt: sql.NullTime{
			Time:  time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
			Valid: true,
		},
	}
}

func TestMenuSelectionQueuesConversation(t *testing.T) {
	r, store, out := newRouterFixture(welcomedContact(StatusOpen))

	require.NoError(t, r.Handle(context.Background(), textJob(t, "2")))

	require.Len(t, store.states, 1)
	assert.Equal(t, StatusQueued, store.states[0].status)
	assert.Equal(t, int64(20), store.states[0].departmentID.Int64)
	assert.False(t, store.states[0].operatorID.Valid)

	require.Len(t, out.texts, 1, "exactly one greeting")
	assert.Equal(t, "Support will be right with you", out.texts[0])
	assert.Equal(t, []string{"Transferred to Support"}, out.stamps)
}

func TestOfflineTenantJobDropped(t *testing.T) {
	r, store, out := newRouterFixture(welcomedContact(StatusOpen))
	r.sessions = noSessions{}

	require.NoError(t, r.Handle(context.Background(), textJob(t, "hi")), "offline tenant acks, never retries")
	assert.Empty(t, store.inserted)
	assert.Empty(t, out.texts)
}

func TestMenuSelectionOutOfRangeFallsThrough(t *testing.T) {
	r, store, out := newRouterFixture(welcomedContact(StatusOpen))

	require.NoError(t, r.Handle(context.Background(), textJob(t, "9")))

	assert.Empty(t, store.states, "no queueing on an invalid option")
	require.Len(t, out.texts, 1)
	assert.Contains(t, out.texts[0], "1 - Sales")
	assert.Contains(t, out.texts[0], "2 - Support")
}

func TestRatingRePromptKeepsState(t *testing.T) {
	contact := welcomedContact(StatusAwaitingRating)
	contact.OperatorID = sql.NullInt64{Int64: 9, Valid: true}
	r, store, out := newRouterFixture(contact)

	require.NoError(t, r.Handle(context.Background(), textJob(t, "7")))

	assert.Empty(t, store.ratings)
	assert.Empty(t, store.states)
	require.Len(t, out.texts, 1)
	assert.Equal(t, defaultRatingPrompt, out.texts[0])
}

func TestRatingCaptured(t *testing.T) {
	contact := welcomedContact(StatusAwaitingRating)
	contact.OperatorID = sql.NullInt64{Int64: 9, Valid: true}
	r, store, out := newRouterFixture(contact)

	require.NoError(t, r.Handle(context.Background(), textJob(t, "4")))

	require.Len(t, store.ratings, 1)
	assert.Equal(t, 4, store.ratings[0].Score)
	assert.Equal(t, int64(9), store.ratings[0].OperatorID.Int64)

	require.Len(t, store.states, 1)
	assert.Equal(t, StatusOpen, store.states[0].status)
	assert.False(t, store.states[0].departmentID.Valid)
	assert.False(t, store.states[0].operatorID.Valid)

	require.Len(t, out.texts, 1)
	assert.Equal(t, ratingThanks, out.texts[0])
}

func TestHeldConversationsAreOnlyRecorded(t *testing.T) {
	for _, status := range []ConversationStatus{StatusQueued, StatusAssigned} {
		r, store, out := newRouterFixture(welcomedContact(status))

		require.NoError(t, r.Handle(context.Background(), textJob(t, "hello, anyone there?")))

		require.Len(t, store.inserted, 1, "message persisted for status %s", status)
		assert.Empty(t, out.texts, "no automatic reply for status %s", status)
		assert.Empty(t, store.states)
	}
}

func TestWelcomeFlowSendsGreetingAndMenu(t *testing.T) {
	r, store, out := newRouterFixture(&Contact{
		TenantID: 1,
		Address:  "5511999990000@s.whatsapp.net",
		Status:   StatusOpen,
	})

	require.NoError(t, r.Handle(context.Background(), textJob(t, "hi")))

	require.Len(t, store.welcomeTouches, 1)
	require.Len(t, out.texts, 2)
	assert.Equal(t, "Welcome to Acme!", out.texts[0])
	assert.Contains(t, out.texts[1], "1 - Sales")
	assert.Empty(t, store.states, "welcome does not change conversation state")
}

func TestWelcomeOutsideBusinessHours(t *testing.T) {
	r, store, out := newRouterFixture(&Contact{
		TenantID: 1,
		Address:  "5511999990000@s.whatsapp.net",
		Status:   StatusOpen,
	})
	store.tenant.ClosedMessage = "Back at 8am"
	// Monday row closes before the fixed test clock (10:00).
	store.hours = []BusinessHour{{TenantID: 1, Weekday: 1, OpensAt: "08:00", ClosesAt: "09:00", Active: true}}

	require.NoError(t, r.Handle(context.Background(), textJob(t, "hi")))

	require.Len(t, out.texts, 1)
	assert.Equal(t, "Back at 8am", out.texts[0])
	assert.Empty(t, store.welcomeTouches, "closed notice leaves the welcome window untouched")

	// Still closed: the next message repeats the notice instead of
	// falling through to the menu or the AI fallback.
	require.NoError(t, r.Handle(context.Background(), textJob(t, "anyone there?")))
	require.Len(t, out.texts, 2)
	assert.Equal(t, "Back at 8am", out.texts[1])
	for _, sent := range out.texts {
		assert.NotContains(t, sent, "1 - Sales", "no menu outside business hours")
	}
	assert.Empty(t, store.welcomeTouches)
}

func TestFallbackNudgesMenuWhenAIDisabled(t *testing.T) {
	r, _, out := newRouterFixture(welcomedContact(StatusOpen))

	require.NoError(t, r.Handle(context.Background(), textJob(t, "do you sell blue ones?")))

	require.Len(t, out.texts, 1)
	assert.Contains(t, out.texts[0], menuNudgePrefix)
	assert.Contains(t, out.texts[0], "2 - Support")
}

func TestReplayedJobIsIgnored(t *testing.T) {
	r, store, out := newRouterFixture(welcomedContact(StatusOpen))
	store.duplicate = true

	require.NoError(t, r.Handle(context.Background(), textJob(t, "2")))

	assert.Empty(t, out.texts)
	assert.Empty(t, store.states, "replayed delivery must not re-run routing")
}

func TestNonActionableKindsAreRecordedOnly(t *testing.T) {
	r, store, out := newRouterFixture(welcomedContact(StatusOpen))

	raw, err := proto.Marshal(&waE2E.Message{
		LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(1),
			DegreesLongitude: proto.Float64(2),
		},
	})
	require.NoError(t, err)
	job := &InboundJob{TenantID: 1, ProtocolID: "3EB0LOC", Address: "5511999990000@s.whatsapp.net", Raw: raw}

	require.NoError(t, r.Handle(context.Background(), job))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, KindLocation, store.inserted[0].Kind)
	assert.Empty(t, out.texts)
}

func TestUnknownTenantJobDropped(t *testing.T) {
	r, store, _ := newRouterFixture(welcomedContact(StatusOpen))
	job := textJob(t, "hi")
	job.TenantID = 42

	require.NoError(t, r.Handle(context.Background(), job), "unknown tenant acks, never retries")
	assert.Empty(t, store.inserted)
}

func TestParseChoice(t *testing.T) {
	for in, want := range map[string]int{"1": 1, " 2 ": 2, "15": 15} {
		got, ok := parseChoice(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "abc", "1a", "123", "1.5"} {
		_, ok := parseChoice(in)
		assert.False(t, ok, in)
	}
}
