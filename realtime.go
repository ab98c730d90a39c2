package main

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event names broadcast to tenant rooms.
const (
	EvQRCode      = "qr"
	EvConnOnline  = "connection.online"
	EvConnOffline = "connection.offline"
	EvReady       = "ready"
	EvNewMessage  = "message.new"
	EvListRefresh = "list.refresh"
)

// Publisher broadcasts fire-and-forget events to per-tenant rooms over
// NATS. A nil connection disables publishing entirely.
type Publisher struct {
	nc *nats.Conn
}

// ConnectPublisher dials NATS. An empty URL returns a disabled
// publisher rather than an error.
func ConnectPublisher(url string) (*Publisher, error) {
	if url == "" {
		log.Info().Msg("NATS_URL is not set, realtime publishing disabled")
		return &Publisher{}, nil
	}
	nc, err := nats.Connect(url, nats.Name("zapcrm"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info().Str("url", url).Msg("Realtime channel connected")
	return &Publisher{nc: nc}, nil
}

// Publish sends one event to a tenant room. Failures are logged and
// swallowed: the realtime channel is best-effort by contract.
func (p *Publisher) Publish(tenantID int64, event string, payload any) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Could not marshal realtime payload")
		return
	}
	subject := fmt.Sprintf("crm.tenant.%d.%s", tenantID, event)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Realtime publish failed")
	}
}

// Close drains the connection on shutdown.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}
