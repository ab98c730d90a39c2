package main

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := OpenDB("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func seedTenant(t *testing.T, s *SQLStore, id int64) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO tenants (id, name, active, wa_status) VALUES ($1, $2, TRUE, $3)`,
		id, fmt.Sprintf("tenant-%d", id), ConnDisconnected)
	require.NoError(t, err)
}

func TestTenantLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)

	tenant, err := s.GetTenant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ConnDisconnected, tenant.WAStatus)

	_, err = s.GetTenant(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	startable, err := s.ListStartableTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, startable, "no credentials yet")

	require.NoError(t, s.SetTenantConnected(ctx, 1, "5511988887777", "5511988887777:12@s.whatsapp.net"))
	tenant, err = s.GetTenant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, tenant.WAStatus)
	assert.Equal(t, "5511988887777", tenant.WANumber.String)

	startable, err = s.ListStartableTenants(ctx)
	require.NoError(t, err)
	require.Len(t, startable, 1)

	require.NoError(t, s.ClearTenantDevice(ctx, 1))
	tenant, err = s.GetTenant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ConnDisconnected, tenant.WAStatus)
	assert.False(t, tenant.WADeviceJID.Valid)
}

func TestUpsertContact(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)
	now := time.Now().UTC().Truncate(time.Second)

	c, err := s.UpsertContact(ctx, 1, "5511999990000@s.whatsapp.net", "Alice", "https://pic/1.jpg", now)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status)
	assert.Equal(t, "Alice", c.Name)
	assert.Equal(t, "https://pic/1.jpg", c.PictureURL.String)

	// A blank picture on a later message must not erase the stored one.
	c, err = s.UpsertContact(ctx, 1, "5511999990000@s.whatsapp.net", "Alice B.", "", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", c.Name)
	assert.Equal(t, "https://pic/1.jpg", c.PictureURL.String)
}

func TestInsertMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)

	msg := &Message{
		TenantID:   1,
		Address:    "5511999990000@s.whatsapp.net",
		Kind:       KindText,
		Body:       "hello",
		ProtocolID: sql.NullString{String: "3EB0AAAA", Valid: true},
		CreatedAt:  time.Now(),
	}
	inserted, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, inserted, "replay of the same protocol id is a no-op")

	// Same protocol id under another tenant is a different message.
	other := *msg
	other.TenantID = 2
	inserted, err = s.InsertMessage(ctx, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	// System entries carry no protocol id and never collide.
	for i := 0; i < 2; i++ {
		inserted, err = s.InsertMessage(ctx, &Message{
			TenantID: 1, Address: msg.Address, Kind: KindSystem, Body: "note", CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	var n int
	require.NoError(t, s.db.Get(&n,
		`SELECT COUNT(*) FROM messages WHERE tenant_id = 1 AND address = $1`, msg.Address))
	assert.Equal(t, 3, n)
}

func TestRecentMessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)

	for i := 0; i < 8; i++ {
		_, err := s.InsertMessage(ctx, &Message{
			TenantID: 1, Address: "a@s.whatsapp.net", Kind: KindText,
			Body: fmt.Sprintf("m%d", i), CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	ms, err := s.RecentMessages(ctx, 1, "a@s.whatsapp.net", 6)
	require.NoError(t, err)
	require.Len(t, ms, 6)
	assert.Equal(t, "m7", ms[0].Body)
	assert.Equal(t, "m2", ms[5].Body)
}

func TestConversationStateAndStaleSweep(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)
	now := time.Now().UTC()

	_, err := s.UpsertContact(ctx, 1, "idle@s.whatsapp.net", "Idle", "", now.Add(-31*time.Minute))
	require.NoError(t, err)
	_, err = s.UpsertContact(ctx, 1, "busy@s.whatsapp.net", "Busy", "", now.Add(-29*time.Minute))
	require.NoError(t, err)

	dep := sql.NullInt64{Int64: 3, Valid: true}
	require.NoError(t, s.SetConversationState(ctx, 1, "idle@s.whatsapp.net", StatusQueued, dep, sql.NullInt64{}))
	require.NoError(t, s.SetConversationState(ctx, 1, "busy@s.whatsapp.net", StatusAssigned, dep, sql.NullInt64{Int64: 9, Valid: true}))

	stale, err := s.StaleConversations(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "idle@s.whatsapp.net", stale[0].Address)

	require.NoError(t, s.SetConversationState(ctx, 1, "idle@s.whatsapp.net", StatusOpen, sql.NullInt64{}, sql.NullInt64{}))
	c, err := s.GetContact(ctx, 1, "idle@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status)
	assert.False(t, c.DepartmentID.Valid, "release clears the department")
	assert.False(t, c.OperatorID.Valid)
}

func TestTouchWelcome(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.UpsertContact(ctx, 1, "a@s.whatsapp.net", "A", "", now)
	require.NoError(t, err)
	require.NoError(t, s.TouchWelcome(ctx, 1, "a@s.whatsapp.net", now))

	c, err := s.GetContact(ctx, 1, "a@s.whatsapp.net")
	require.NoError(t, err)
	require.True(t, c.LastWelcomeAt.Valid)
	assert.False(t, c.WelcomeDue(now.Add(time.Hour)))
}

func TestInsertRating(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	seedTenant(t, s, 1)

	err := s.InsertRating(ctx, &Rating{
		TenantID:   1,
		Address:    "a@s.whatsapp.net",
		OperatorID: sql.NullInt64{Int64: 4, Valid: true},
		Score:      5,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, s.db.Get(&n, `SELECT COUNT(*) FROM ratings WHERE tenant_id = 1 AND score = 5`))
	assert.Equal(t, 1, n)
}
