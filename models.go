package main

import (
	"database/sql"
	"time"
)

// ConnStatus is the persisted WhatsApp connection state of a tenant.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "DISCONNECTED"
	ConnAwaitingQR   ConnStatus = "AWAITING_HANDSHAKE"
	ConnConnected    ConnStatus = "CONNECTED"
	ConnError        ConnStatus = "ERROR"
)

// ConversationStatus tracks who currently owns a conversation.
type ConversationStatus string

const (
	StatusOpen           ConversationStatus = "OPEN"
	StatusQueued         ConversationStatus = "QUEUED"
	StatusAssigned       ConversationStatus = "ASSIGNED"
	StatusAwaitingRating ConversationStatus = "AWAITING_RATING"
)

// ContentKind is the closed set of message payload kinds the core handles.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindVideo    ContentKind = "video"
	KindAudio    ContentKind = "audio"
	KindDocument ContentKind = "document"
	KindSticker  ContentKind = "sticker"
	KindLocation ContentKind = "location"
	KindContact  ContentKind = "contact"
	KindPoll     ContentKind = "poll"
	KindSystem   ContentKind = "system"
)

// Actionable reports whether an inbound message of this kind should reach
// the routing state machine. Location pins, contact cards, polls and
// stickers are recorded but never answered automatically.
func (k ContentKind) Actionable() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

// Tenant is one onboarded company with its own WhatsApp connection.
type Tenant struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	Active           bool           `db:"active"`
	WelcomeMessage   string         `db:"welcome_message"`
	ClosedMessage    string         `db:"closed_message"`
	RatingMessage    string         `db:"rating_message"`
	WelcomeMediaPath sql.NullString `db:"welcome_media_path"`
	WelcomeMediaKind sql.NullString `db:"welcome_media_kind"`
	AIEnabled        bool           `db:"ai_enabled"`
	AIKey            string         `db:"ai_key"`
	AIPrompt         string         `db:"ai_prompt"`
	WAStatus         ConnStatus     `db:"wa_status"`
	WANumber         sql.NullString `db:"wa_number"`
	WADeviceJID      sql.NullString `db:"wa_device_jid"`
	WAUpdatedAt      sql.NullTime   `db:"wa_updated_at"`
}

// BusinessHour is one weekday row of a tenant's opening schedule.
// Weekday follows time.Weekday numbering (0 = Sunday).
type BusinessHour struct {
	TenantID   int64          `db:"tenant_id"`
	Weekday    int            `db:"weekday"`
	OpensAt    string         `db:"opens_at"`  // "HH:MM"
	ClosesAt   string         `db:"closes_at"` // "HH:MM"
	LunchStart sql.NullString `db:"lunch_start"`
	LunchEnd   sql.NullString `db:"lunch_end"`
	Active     bool           `db:"active"`
}

// Department is a routing bucket conversations can be queued into.
// Managed by the external CRUD layer, read-only here.
type Department struct {
	ID        int64          `db:"id"`
	TenantID  int64          `db:"tenant_id"`
	Name      string         `db:"name"`
	Greeting  string         `db:"greeting"`
	MediaPath sql.NullString `db:"media_path"`
	MediaKind sql.NullString `db:"media_kind"`
	Ordering  int            `db:"ordering"`
}

// Contact is an external chat address known to a tenant, carrying the
// conversation ownership state.
type Contact struct {
	ID             int64              `db:"id"`
	TenantID       int64              `db:"tenant_id"`
	Address        string             `db:"address"`
	Name           string             `db:"name"`
	PictureURL     sql.NullString     `db:"picture_url"`
	Status         ConversationStatus `db:"status"`
	DepartmentID   sql.NullInt64      `db:"department_id"`
	OperatorID     sql.NullInt64      `db:"operator_id"`
	LastWelcomeAt  sql.NullTime       `db:"last_welcome_at"`
	LastActivityAt time.Time          `db:"last_activity_at"`
	CreatedAt      time.Time          `db:"created_at"`
}

// WelcomeDue reports whether the 24h welcome window has elapsed.
func (c *Contact) WelcomeDue(now time.Time) bool {
	if !c.LastWelcomeAt.Valid {
		return true
	}
	return now.Sub(c.LastWelcomeAt.Time) >= 24*time.Hour
}

// Message is one append-only conversation entry.
type Message struct {
	ID         int64          `db:"id"`
	TenantID   int64          `db:"tenant_id"`
	Address    string         `db:"address"`
	FromMe     bool           `db:"from_me"`
	Kind       ContentKind    `db:"kind"`
	Body       string         `db:"body"`
	MediaPath  sql.NullString `db:"media_path"`
	ProtocolID sql.NullString `db:"protocol_id"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Rating is a 1-5 score collected while a contact was AWAITING_RATING.
type Rating struct {
	ID         int64         `db:"id"`
	TenantID   int64         `db:"tenant_id"`
	Address    string        `db:"address"`
	OperatorID sql.NullInt64 `db:"operator_id"`
	Score      int           `db:"score"`
	CreatedAt  time.Time     `db:"created_at"`
}
