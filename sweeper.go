package main

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	sweepInterval   = time.Minute
	inactivityLimit = 30 * time.Minute
	closureNotice   = "This conversation was closed due to inactivity. Send a new message anytime to start again."
)

// sweeperStore is the slice of SQLStore the sweeper needs.
type sweeperStore interface {
	StaleConversations(ctx context.Context, cutoff time.Time) ([]Contact, error)
	SetConversationState(ctx context.Context, tenantID int64, address string, status ConversationStatus, departmentID, operatorID sql.NullInt64) error
}

// sweepNotifier tells the contact their conversation was released.
type sweepNotifier interface {
	SendText(ctx context.Context, tenantID int64, address, body string) error
	StampSystem(ctx context.Context, tenantID int64, address, body string)
}

// Sweeper releases queued and assigned conversations that went silent:
// every minute it returns anything idle past the limit to OPEN, with a
// closure notice to the contact and a system entry in the log.
type Sweeper struct {
	store sweeperStore
	out   sweepNotifier
	rt    *Publisher
	now   func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSweeper(store sweeperStore, out sweepNotifier, rt *Publisher) *Sweeper {
	return &Sweeper{
		store: store,
		out:   out,
		rt:    rt,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Start runs the periodic sweep until Stop is called.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.SweepOnce(context.Background()); err != nil {
					log.Error().Err(err).Msg("Inactivity sweep failed")
				}
			case <-s.stop:
				return
			}
		}
	}()
	log.Info().Dur("interval", sweepInterval).Dur("limit", inactivityLimit).Msg("Inactivity sweeper started")
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// SweepOnce releases every stale conversation. One failing contact
// does not stop the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := s.now().Add(-inactivityLimit)
	stale, err := s.store.StaleConversations(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, c := range stale {
		if err := s.store.SetConversationState(ctx, c.TenantID, c.Address, StatusOpen, sql.NullInt64{}, sql.NullInt64{}); err != nil {
			log.Error().Err(err).Int64("tenantID", c.TenantID).Str("address", c.Address).Msg("Could not release stale conversation")
			continue
		}
		s.out.StampSystem(ctx, c.TenantID, c.Address, "Conversation closed after "+inactivityLimit.String()+" of inactivity")
		if err := s.out.SendText(ctx, c.TenantID, c.Address, closureNotice); err != nil {
			log.Warn().Err(err).Int64("tenantID", c.TenantID).Str("address", c.Address).Msg("Could not notify contact about closure")
		}
		s.rt.Publish(c.TenantID, EvListRefresh, map[string]any{"address": c.Address, "status": StatusOpen})
		log.Info().Int64("tenantID", c.TenantID).Str("address", c.Address).Msg("Stale conversation released")
	}
	return nil
}
