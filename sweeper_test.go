package main

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	texts   []string
	stamps  []string
	sendErr error
}

func (n *recordingNotifier) SendText(ctx context.Context, tenantID int64, address, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	n.texts = append(n.texts, address)
	return nil
}

func (n *recordingNotifier) StampSystem(ctx context.Context, tenantID int64, address, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stamps = append(n.stamps, address)
}

func TestSweepOnceReleasesOnlyStale(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	seedTenant(t, store, 1)
	now := time.Now().UTC()

	_, err := store.UpsertContact(ctx, 1, "idle@s.whatsapp.net", "Idle", "", now.Add(-31*time.Minute))
	require.NoError(t, err)
	_, err = store.UpsertContact(ctx, 1, "busy@s.whatsapp.net", "Busy", "", now.Add(-29*time.Minute))
	require.NoError(t, err)
	_, err = store.UpsertContact(ctx, 1, "open@s.whatsapp.net", "Open", "", now.Add(-2*time.Hour))
	require.NoError(t, err)

	dep := sql.NullInt64{Int64: 5, Valid: true}
	require.NoError(t, store.SetConversationState(ctx, 1, "idle@s.whatsapp.net", StatusQueued, dep, sql.NullInt64{}))
	require.NoError(t, store.SetConversationState(ctx, 1, "busy@s.whatsapp.net", StatusAssigned, dep, sql.NullInt64{Int64: 2, Valid: true}))

	out := &recordingNotifier{}
	sw := NewSweeper(store, out, &Publisher{})
	sw.now = func() time.Time { return now }

	require.NoError(t, sw.SweepOnce(ctx))

	require.Equal(t, []string{"idle@s.whatsapp.net"}, out.texts)
	require.Equal(t, []string{"idle@s.whatsapp.net"}, out.stamps)

	idle, err := store.GetContact(ctx, 1, "idle@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, idle.Status)
	assert.False(t, idle.DepartmentID.Valid)

	busy, err := store.GetContact(ctx, 1, "busy@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, busy.Status, "recent activity keeps the conversation held")

	open, err := store.GetContact(ctx, 1, "open@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, open.Status, "already-open conversations are never notified")
}

func TestSweepOnceSurvivesNotifyFailure(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	seedTenant(t, store, 1)
	now := time.Now().UTC()

	_, err := store.UpsertContact(ctx, 1, "idle@s.whatsapp.net", "Idle", "", now.Add(-40*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.SetConversationState(ctx, 1, "idle@s.whatsapp.net", StatusQueued,
		sql.NullInt64{Int64: 5, Valid: true}, sql.NullInt64{}))

	out := &recordingNotifier{sendErr: context.DeadlineExceeded}
	sw := NewSweeper(store, out, &Publisher{})
	sw.now = func() time.Time { return now }

	require.NoError(t, sw.SweepOnce(ctx), "a failed notice does not fail the sweep")

	c, err := store.GetContact(ctx, 1, "idle@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status, "release happens even when the notice cannot be sent")
}

func TestSweeperStartStop(t *testing.T) {
	store := testStore(t)
	sw := NewSweeper(store, &recordingNotifier{}, &Publisher{})
	sw.Start()
	sw.Stop()
}
