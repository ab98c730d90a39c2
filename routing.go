package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"
)

// Fallback copy used when a tenant leaves the message blank.
const (
	defaultWelcome      = "Hello! Welcome. How can we help you today?"
	defaultClosed       = "We are currently closed. We will get back to you during business hours."
	defaultRatingPrompt = "Please rate our service from 1 to 5."
	ratingThanks        = "Thank you for your feedback!"
	menuNudgePrefix     = "Sorry, I didn't get that. Please pick one of the options:"
)

// routerStore is the slice of SQLStore the router needs.
type routerStore interface {
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetBusinessHours(ctx context.Context, tenantID int64) ([]BusinessHour, error)
	ListDepartments(ctx context.Context, tenantID int64) ([]Department, error)
	UpsertContact(ctx context.Context, tenantID int64, address, name, pictureURL string, now time.Time) (*Contact, error)
	SetConversationState(ctx context.Context, tenantID int64, address string, status ConversationStatus, departmentID, operatorID sql.NullInt64) error
	TouchWelcome(ctx context.Context, tenantID int64, address string, at time.Time) error
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	RecentMessages(ctx context.Context, tenantID int64, address string, limit int) ([]Message, error)
	InsertRating(ctx context.Context, r *Rating) error
}

// sessionSource hands out live protocol sessions (the supervisor).
type sessionSource interface {
	Session(tenantID int64) (waSession, bool)
}

// mediaSaver persists an inbound media payload and returns its stored
// path, invalid when the download failed. PublicURL resolves a stored
// path to its mirrored download URL, if any.
type mediaSaver interface {
	Save(ctx context.Context, sess waSession, tenantID int64, c Content) sql.NullString
	PublicURL(path string) string
}

// outbound sends replies on behalf of a tenant (the dispatcher).
type outbound interface {
	SendText(ctx context.Context, tenantID int64, address, body string) error
	SendMediaFile(ctx context.Context, tenantID int64, address string, kind ContentKind, path, caption string) error
	StampSystem(ctx context.Context, tenantID int64, address, body string)
}

// Router is the conversation state machine. It consumes decoded queue
// jobs: persists the message, then decides between rating capture,
// menu selection, the welcome flow and the AI fallback. Conversations
// held by a queue or an operator are recorded but never auto-answered.
type Router struct {
	store    routerStore
	sessions sessionSource
	media    mediaSaver
	out      outbound
	ai       *AIClient
	rt       *Publisher
	now      func() time.Time
}

func NewRouter(store routerStore, sessions sessionSource, media mediaSaver, out outbound, ai *AIClient, rt *Publisher) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		media:    media,
		out:      out,
		ai:       ai,
		rt:       rt,
		now:      time.Now,
	}
}

// Handle processes one inbound job. A nil return acks the job; errors
// trigger the consumer's bounded retry. Poison payloads and unknown
// tenants are dropped, not retried.
func (r *Router) Handle(ctx context.Context, job *InboundJob) error {
	tenant, err := r.store.GetTenant(ctx, job.TenantID)
	if errors.Is(err, ErrNotFound) {
		log.Warn().Int64("tenantID", job.TenantID).Msg("Job for unknown tenant dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if !tenant.Active {
		return nil
	}

	payload, err := job.Payload()
	if err != nil {
		log.Error().Err(err).Str("key", job.IdempotencyKey()).Msg("Undecodable job payload dropped")
		return nil
	}
	content := ExtractContent(payload)
	now := r.now()

	// No live session means no way to reply or download; the job is
	// acked and dropped rather than held for a session that may never
	// come back.
	sess, online := r.sessions.Session(job.TenantID)
	if !online {
		log.Warn().Int64("tenantID", job.TenantID).Str("key", job.IdempotencyKey()).Msg("Job for offline tenant dropped")
		return nil
	}
	picture := ""
	if jid, err := types.ParseJID(job.Address); err == nil {
		picture = sess.ProfilePictureURL(ctx, jid)
	}

	name := job.PushName
	if name == "" {
		name, _, _ = strings.Cut(job.Address, "@")
	}
	contact, err := r.store.UpsertContact(ctx, job.TenantID, job.Address, name, picture, now)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}

	var mediaPath sql.NullString
	if content.Media != nil {
		mediaPath = r.media.Save(ctx, sess, job.TenantID, content)
		if !mediaPath.Valid && content.Body == "" {
			content.Body = "[" + string(content.Kind) + "]"
		}
	}

	inserted, err := r.store.InsertMessage(ctx, &Message{
		TenantID:   job.TenantID,
		Address:    job.Address,
		FromMe:     false,
		Kind:       content.Kind,
		Body:       content.Body,
		MediaPath:  mediaPath,
		ProtocolID: sql.NullString{String: job.ProtocolID, Valid: job.ProtocolID != ""},
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		log.Debug().Str("key", job.IdempotencyKey()).Msg("Replayed job, message already persisted")
		return nil
	}

	event := map[string]any{
		"address": job.Address,
		"name":    contact.Name,
		"kind":    content.Kind,
		"body":    content.Body,
		"status":  contact.Status,
	}
	if mediaPath.Valid {
		event["media_path"] = mediaPath.String
		if url := r.media.PublicURL(mediaPath.String); url != "" {
			event["media_url"] = url
		}
	}
	r.rt.Publish(job.TenantID, EvNewMessage, event)

	if !content.Kind.Actionable() {
		return nil
	}

	switch contact.Status {
	case StatusQueued, StatusAssigned:
		return nil
	case StatusAwaitingRating:
		return r.captureRating(ctx, tenant, contact, content.Body, now)
	default:
		return r.routeOpen(ctx, tenant, contact, content.Body, now)
	}
}

// captureRating accepts a 1-5 score, or re-prompts without changing
// state on anything else.
func (r *Router) captureRating(ctx context.Context, tenant *Tenant, contact *Contact, body string, now time.Time) error {
	score, ok := parseChoice(body)
	if !ok || score < 1 || score > 5 {
		r.send(ctx, tenant.ID, contact.Address, orDefault(tenant.RatingMessage, defaultRatingPrompt))
		return nil
	}

	if err := r.store.InsertRating(ctx, &Rating{
		TenantID:   tenant.ID,
		Address:    contact.Address,
		OperatorID: contact.OperatorID,
		Score:      score,
		CreatedAt:  now,
	}); err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	if err := r.store.SetConversationState(ctx, tenant.ID, contact.Address, StatusOpen, sql.NullInt64{}, sql.NullInt64{}); err != nil {
		return fmt.Errorf("close rating: %w", err)
	}
	r.send(ctx, tenant.ID, contact.Address, ratingThanks)
	r.rt.Publish(tenant.ID, EvListRefresh, map[string]any{"address": contact.Address})
	return nil
}

// routeOpen handles an OPEN conversation: menu selection first, then
// the 24h welcome flow (schedule-gated), then the AI fallback.
func (r *Router) routeOpen(ctx context.Context, tenant *Tenant, contact *Contact, body string, now time.Time) error {
	departments, err := r.store.ListDepartments(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("list departments: %w", err)
	}

	if choice, ok := parseChoice(body); ok && choice >= 1 && choice <= len(departments) {
		dep := departments[choice-1]
		if err := r.store.SetConversationState(ctx, tenant.ID, contact.Address, StatusQueued,
			sql.NullInt64{Int64: dep.ID, Valid: true}, sql.NullInt64{}); err != nil {
			return fmt.Errorf("queue conversation: %w", err)
		}
		if dep.MediaPath.Valid {
			r.sendMedia(ctx, tenant.ID, contact.Address, dep.MediaPath, dep.MediaKind, dep.Greeting)
		} else if dep.Greeting != "" {
			r.send(ctx, tenant.ID, contact.Address, dep.Greeting)
		}
		r.out.StampSystem(ctx, tenant.ID, contact.Address, "Transferred to "+dep.Name)
		r.rt.Publish(tenant.ID, EvListRefresh, map[string]any{"address": contact.Address, "status": StatusQueued})
		log.Info().Int64("tenantID", tenant.ID).Str("address", contact.Address).Str("department", dep.Name).Msg("Conversation queued")
		return nil
	}

	if contact.WelcomeDue(now) {
		hours, err := r.store.GetBusinessHours(ctx, tenant.ID)
		if err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
		sched := EvaluateSchedule(hours, orDefault(tenant.ClosedMessage, defaultClosed), now)
		if !sched.Open {
			// The welcome window is not consumed while closed, so
			// every message outside business hours gets the notice.
			r.send(ctx, tenant.ID, contact.Address, sched.Message)
			return nil
		}
		if err := r.store.TouchWelcome(ctx, tenant.ID, contact.Address, now); err != nil {
			return fmt.Errorf("touch welcome: %w", err)
		}
		welcome := orDefault(tenant.WelcomeMessage, defaultWelcome)
		if tenant.WelcomeMediaPath.Valid {
			r.sendMedia(ctx, tenant.ID, contact.Address, tenant.WelcomeMediaPath, tenant.WelcomeMediaKind, welcome)
		} else {
			r.send(ctx, tenant.ID, contact.Address, welcome)
		}
		if menu := menuText(departments); menu != "" {
			r.send(ctx, tenant.ID, contact.Address, menu)
		}
		return nil
	}

	// Inside the welcome window with no valid selection: best-effort AI
	// reply, menu nudge when it yields nothing.
	history, err := r.store.RecentMessages(ctx, tenant.ID, contact.Address, 6)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load conversation history for fallback")
	}
	reply := r.ai.Complete(ctx, tenant, history, body)
	if reply == "" {
		reply = menuNudgePrefix
		if menu := menuText(departments); menu != "" {
			reply += "\n" + menu
		}
	}
	r.send(ctx, tenant.ID, contact.Address, reply)
	return nil
}

func (r *Router) send(ctx context.Context, tenantID int64, address, body string) {
	if err := r.out.SendText(ctx, tenantID, address, body); err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Str("address", address).Msg("Could not send reply")
	}
}

func (r *Router) sendMedia(ctx context.Context, tenantID int64, address string, path, kind sql.NullString, caption string) {
	k := KindImage
	if kind.Valid && kind.String != "" {
		k = ContentKind(kind.String)
	}
	if err := r.out.SendMediaFile(ctx, tenantID, address, k, path.String, caption); err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Str("address", address).Msg("Could not send media reply, falling back to text")
		if caption != "" {
			r.send(ctx, tenantID, address, caption)
		}
	}
}

// parseChoice reads a bare numeric menu answer ("2", " 2 ").
func parseChoice(body string) (int, bool) {
	s := strings.TrimSpace(body)
	if s == "" || len(s) > 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// menuText renders the numbered department menu in display order.
func menuText(departments []Department) string {
	if len(departments) == 0 {
		return ""
	}
	var b strings.Builder
	for i, d := range departments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d - %s", i+1, d.Name)
	}
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
