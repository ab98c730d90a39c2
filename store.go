package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLStore is the single source of truth for tenant, contact, message
// and rating state. All access is explicit SQL; $1 placeholders work on
// both supported drivers.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// --- tenants ---

func (s *SQLStore) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListStartableTenants returns active tenants that still hold device
// credentials, i.e. the ones worth reconnecting on boot.
func (s *SQLStore) ListStartableTenants(ctx context.Context) ([]Tenant, error) {
	var ts []Tenant
	err := s.db.SelectContext(ctx, &ts,
		`SELECT * FROM tenants WHERE active = TRUE AND wa_device_jid IS NOT NULL`)
	return ts, err
}

func (s *SQLStore) SetTenantStatus(ctx context.Context, id int64, status ConnStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET wa_status = $1, wa_updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	return err
}

// SetTenantConnected records a successful pairing: status, phone number
// and the device JID used to reload credentials later.
func (s *SQLStore) SetTenantConnected(ctx context.Context, id int64, number, deviceJID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET wa_status = $1, wa_number = $2, wa_device_jid = $3, wa_updated_at = $4 WHERE id = $5`,
		ConnConnected, number, deviceJID, time.Now().UTC(), id)
	return err
}

// ClearTenantDevice forgets the persisted credential reference after a
// terminal auth failure or a manual stop.
func (s *SQLStore) ClearTenantDevice(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET wa_status = $1, wa_number = NULL, wa_device_jid = NULL, wa_updated_at = $2 WHERE id = $3`,
		ConnDisconnected, time.Now().UTC(), id)
	return err
}

// --- schedule / departments ---

func (s *SQLStore) GetBusinessHours(ctx context.Context, tenantID int64) ([]BusinessHour, error) {
	var hs []BusinessHour
	err := s.db.SelectContext(ctx, &hs,
		`SELECT * FROM business_hours WHERE tenant_id = $1 ORDER BY weekday`, tenantID)
	return hs, err
}

func (s *SQLStore) ListDepartments(ctx context.Context, tenantID int64) ([]Department, error) {
	var ds []Department
	err := s.db.SelectContext(ctx, &ds,
		`SELECT * FROM departments WHERE tenant_id = $1 ORDER BY ordering, id`, tenantID)
	return ds, err
}

// --- contacts ---

func (s *SQLStore) GetContact(ctx context.Context, tenantID int64, address string) (*Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM contacts WHERE tenant_id = $1 AND address = $2`, tenantID, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertContact creates the contact on first sight (status OPEN) or
// refreshes display name, picture and last activity. A blank picture
// never overwrites a stored one.
func (s *SQLStore) UpsertContact(ctx context.Context, tenantID int64, address, name, pictureURL string, now time.Time) (*Contact, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, address, name, picture_url, status, last_activity_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $6)
		ON CONFLICT (tenant_id, address) DO UPDATE SET
			name = excluded.name,
			picture_url = COALESCE(excluded.picture_url, contacts.picture_url),
			last_activity_at = excluded.last_activity_at`,
		tenantID, address, name, pictureURL, StatusOpen, now.UTC())
	if err != nil {
		return nil, err
	}
	return s.GetContact(ctx, tenantID, address)
}

// SetConversationState moves a contact to the given status. Department
// and operator are written as-is, so passing zero values clears them.
func (s *SQLStore) SetConversationState(ctx context.Context, tenantID int64, address string, status ConversationStatus, departmentID, operatorID sql.NullInt64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = $1, department_id = $2, operator_id = $3 WHERE tenant_id = $4 AND address = $5`,
		status, departmentID, operatorID, tenantID, address)
	return err
}

func (s *SQLStore) TouchWelcome(ctx context.Context, tenantID int64, address string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET last_welcome_at = $1 WHERE tenant_id = $2 AND address = $3`,
		at.UTC(), tenantID, address)
	return err
}

// StaleConversations lists contacts still held by a queue or operator
// whose last activity predates the cutoff. Used by the inactivity sweep.
func (s *SQLStore) StaleConversations(ctx context.Context, cutoff time.Time) ([]Contact, error) {
	var cs []Contact
	err := s.db.SelectContext(ctx, &cs,
		`SELECT * FROM contacts WHERE status IN ($1, $2) AND last_activity_at < $3`,
		StatusQueued, StatusAssigned, cutoff.UTC())
	return cs, err
}

// --- messages ---

// InsertMessage appends a message row. When the protocol id collides
// with an already-persisted row for the tenant the insert is a no-op
// and inserted is false; this is the idempotency backstop.
func (s *SQLStore) InsertMessage(ctx context.Context, m *Message) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, address, from_me, kind, body, media_path, protocol_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		m.TenantID, m.Address, m.FromMe, m.Kind, m.Body, m.MediaPath, m.ProtocolID, m.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentMessages returns the newest messages of a conversation,
// newest first.
func (s *SQLStore) RecentMessages(ctx context.Context, tenantID int64, address string, limit int) ([]Message, error) {
	var ms []Message
	err := s.db.SelectContext(ctx, &ms,
		`SELECT * FROM messages WHERE tenant_id = $1 AND address = $2 ORDER BY id DESC LIMIT $3`,
		tenantID, address, limit)
	return ms, err
}

// --- ratings ---

func (s *SQLStore) InsertRating(ctx context.Context, r *Rating) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (tenant_id, address, operator_id, score, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.TenantID, r.Address, r.OperatorID, r.Score, r.CreatedAt.UTC())
	return err
}
