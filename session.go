package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// waSession is the live protocol handle for one tenant. The concrete
// implementation wraps whatsmeow; tests substitute fakes.
type waSession interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsLoggedIn() bool
	SendMessage(ctx context.Context, to types.JID, msg *waProtoMessage) (string, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	ProfilePictureURL(ctx context.Context, jid types.JID) string
	DeleteCredentials(ctx context.Context) error
	UserJID() types.JID
}

// sessionHooks receives normalized connection events for one tenant.
// The protocol client's dynamic event stream is collapsed into this
// closed set by a single switch in the dialer.
type sessionHooks struct {
	onQR      func(code string)
	onOpen    func()
	onClose   func(terminal bool, reason string)
	onMessage func(evt *events.Message)
}

// sessionDialer opens a protocol connection for a tenant.
type sessionDialer interface {
	Dial(ctx context.Context, tenant *Tenant, hooks sessionHooks) (waSession, error)
}

// inboundSink consumes raw inbound protocol messages (the ingestion
// producer).
type inboundSink interface {
	HandleProtocolEvent(tenantID int64, evt *events.Message)
}

// supervisorStore is the slice of SQLStore the supervisor needs.
type supervisorStore interface {
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	ListStartableTenants(ctx context.Context) ([]Tenant, error)
	SetTenantStatus(ctx context.Context, id int64, status ConnStatus) error
	SetTenantConnected(ctx context.Context, id int64, number, deviceJID string) error
	ClearTenantDevice(ctx context.Context, id int64) error
}

const (
	maxReconnectAttempts = 5
	reconnectBase        = 2 * time.Second
	reconnectCap         = 30 * time.Second
)

// Supervisor owns every live tenant connection and drives the
// connect / await-handshake / connected / closed lifecycle.
type Supervisor struct {
	store      supervisorStore
	rt         *Publisher
	dialer     sessionDialer
	sink       inboundSink
	qrCache    *cache.Cache
	qrTerminal bool

	reconnectBase time.Duration
	reconnectCap  time.Duration
	maxAttempts   int

	mu       sync.Mutex
	sessions map[int64]waSession
	attempts map[int64]int
	timers   map[int64]*time.Timer
}

func NewSupervisor(store supervisorStore, rt *Publisher, dialer sessionDialer, qrTerminal bool) *Supervisor {
	return &Supervisor{
		store:         store,
		rt:            rt,
		dialer:        dialer,
		qrTerminal:    qrTerminal,
		qrCache:       cache.New(2*time.Minute, time.Minute),
		reconnectBase: reconnectBase,
		reconnectCap:  reconnectCap,
		maxAttempts:   maxReconnectAttempts,
		sessions:      make(map[int64]waSession),
		attempts:      make(map[int64]int),
		timers:        make(map[int64]*time.Timer),
	}
}

// SetSink wires the ingestion producer. Done after construction because
// the consumer side needs the supervisor for live sessions.
func (s *Supervisor) SetSink(sink inboundSink) { s.sink = sink }

// Start opens (or returns) the connection for a tenant. Idempotent: an
// already-authenticated live session is left untouched. A failed start
// is persisted as ERROR; scheduled reconnects instead stay inside the
// backoff budget (see scheduleReconnect).
func (s *Supervisor) Start(ctx context.Context, tenantID int64) error {
	if err := s.connect(ctx, tenantID); err != nil {
		s.persistStatus(tenantID, ConnError)
		return err
	}
	return nil
}

func (s *Supervisor) connect(ctx context.Context, tenantID int64) error {
	s.mu.Lock()
	if sess, ok := s.sessions[tenantID]; ok {
		if sess.IsLoggedIn() {
			s.mu.Unlock()
			return nil
		}
		delete(s.sessions, tenantID)
	}
	s.mu.Unlock()

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !tenant.Active {
		return fmt.Errorf("tenant %d is not active", tenantID)
	}

	hooks := sessionHooks{
		onQR:   func(code string) { s.handleQR(tenantID, code) },
		onOpen: func() { s.handleOpen(tenantID) },
		onClose: func(terminal bool, reason string) {
			s.handleClose(tenantID, terminal, reason)
		},
		onMessage: func(evt *events.Message) {
			if s.sink != nil {
				s.sink.HandleProtocolEvent(tenantID, evt)
			}
		},
	}

	sess, err := s.dialer.Dial(ctx, tenant, hooks)
	if err != nil {
		return fmt.Errorf("dial tenant %d: %w", tenantID, err)
	}

	s.mu.Lock()
	s.sessions[tenantID] = sess
	s.mu.Unlock()

	if err := sess.Connect(); err != nil {
		s.mu.Lock()
		delete(s.sessions, tenantID)
		s.mu.Unlock()
		return fmt.Errorf("connect tenant %d: %w", tenantID, err)
	}
	log.Info().Int64("tenantID", tenantID).Msg("Session starting")
	return nil
}

// Stop closes the tenant's connection and purges its credentials.
// Idempotent; safe to call without a live session.
func (s *Supervisor) Stop(ctx context.Context, tenantID int64) error {
	s.mu.Lock()
	if t, ok := s.timers[tenantID]; ok {
		t.Stop()
		delete(s.timers, tenantID)
	}
	delete(s.attempts, tenantID)
	sess := s.sessions[tenantID]
	delete(s.sessions, tenantID)
	s.mu.Unlock()

	s.qrCache.Delete(qrKey(tenantID))

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			log.Warn().Err(err).Int64("tenantID", tenantID).Msg("Logout failed, disconnecting anyway")
		}
		sess.Disconnect()
	}
	if err := s.store.ClearTenantDevice(ctx, tenantID); err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Msg("Could not clear tenant device record")
	}
	s.rt.Publish(tenantID, EvConnOffline, map[string]any{"status": "offline"})
	log.Info().Int64("tenantID", tenantID).Msg("Session stopped")
	return nil
}

// StartAll reconnects every active tenant that still has credentials.
// Called once on boot.
func (s *Supervisor) StartAll(ctx context.Context) {
	tenants, err := s.store.ListStartableTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not list tenants for reconnect")
		return
	}
	for _, t := range tenants {
		if err := s.Start(ctx, t.ID); err != nil {
			log.Error().Err(err).Int64("tenantID", t.ID).Msg("Boot reconnect failed")
		}
	}
}

// Session returns the live handle for a tenant, if any.
func (s *Supervisor) Session(tenantID int64) (waSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	return sess, ok
}

// QRCode returns the cached handshake challenge as a data URL.
func (s *Supervisor) QRCode(tenantID int64) (string, bool) {
	v, ok := s.qrCache.Get(qrKey(tenantID))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Shutdown disconnects everything without purging credentials.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id, sess := range s.sessions {
		sess.Disconnect()
		delete(s.sessions, id)
	}
}

func (s *Supervisor) handleQR(tenantID int64, code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Msg("Could not render QR code")
		return
	}
	dataURL := dataurl.New(png, "image/png").String()
	s.qrCache.Set(qrKey(tenantID), dataURL, cache.DefaultExpiration)

	if s.qrTerminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}

	s.rt.Publish(tenantID, EvQRCode, map[string]any{"qr": dataURL})
	s.persistStatus(tenantID, ConnAwaitingQR)
	log.Info().Int64("tenantID", tenantID).Msg("Handshake challenge issued")
}

func (s *Supervisor) handleOpen(tenantID int64) {
	s.qrCache.Delete(qrKey(tenantID))

	s.mu.Lock()
	delete(s.attempts, tenantID)
	sess := s.sessions[tenantID]
	s.mu.Unlock()

	number, deviceJID := "", ""
	if sess != nil {
		jid := sess.UserJID()
		number = jid.User
		deviceJID = jid.String()
	}
	if err := s.store.SetTenantConnected(context.Background(), tenantID, number, deviceJID); err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Msg("Could not persist connected status")
	}
	s.rt.Publish(tenantID, EvConnOnline, map[string]any{"status": "online"})
	s.rt.Publish(tenantID, EvReady, map[string]any{"number": number, "status": ConnConnected})
	log.Info().Int64("tenantID", tenantID).Str("number", number).Msg("Session connected")
}

func (s *Supervisor) handleClose(tenantID int64, terminal bool, reason string) {
	s.mu.Lock()
	sess := s.sessions[tenantID]
	delete(s.sessions, tenantID)
	s.mu.Unlock()

	s.qrCache.Delete(qrKey(tenantID))
	s.rt.Publish(tenantID, EvConnOffline, map[string]any{"status": "offline", "reason": reason})

	if terminal {
		log.Warn().Int64("tenantID", tenantID).Str("reason", reason).Msg("Terminal close, purging credentials")
		if sess != nil {
			if err := sess.DeleteCredentials(context.Background()); err != nil {
				log.Error().Err(err).Int64("tenantID", tenantID).Msg("Could not delete device credentials")
			}
		}
		s.mu.Lock()
		delete(s.attempts, tenantID)
		s.mu.Unlock()
		if err := s.store.ClearTenantDevice(context.Background(), tenantID); err != nil {
			log.Error().Err(err).Int64("tenantID", tenantID).Msg("Could not clear tenant device record")
		}
		return
	}

	log.Warn().Int64("tenantID", tenantID).Str("reason", reason).Msg("Connection closed, scheduling reconnect")
	s.scheduleReconnect(tenantID)
}

func (s *Supervisor) scheduleReconnect(tenantID int64) {
	s.mu.Lock()
	attempt := s.attempts[tenantID]
	if attempt >= s.maxAttempts {
		s.mu.Unlock()
		log.Error().Int64("tenantID", tenantID).Int("attempts", attempt).Msg("Reconnect attempts exhausted")
		s.persistStatus(tenantID, ConnError)
		return
	}
	s.attempts[tenantID] = attempt + 1

	delay := s.reconnectBase << attempt
	if delay > s.reconnectCap {
		delay = s.reconnectCap
	}
	s.timers[tenantID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, tenantID)
		s.mu.Unlock()
		// A failed attempt stays on the backoff chain until the
		// budget runs out; only then does the tenant go to ERROR.
		if err := s.connect(context.Background(), tenantID); err != nil {
			log.Warn().Err(err).Int64("tenantID", tenantID).Msg("Reconnect attempt failed")
			s.scheduleReconnect(tenantID)
		}
	})
	s.mu.Unlock()
	log.Info().Int64("tenantID", tenantID).Int("attempt", attempt+1).Dur("delay", delay).Msg("Reconnect scheduled")
}

func (s *Supervisor) persistStatus(tenantID int64, status ConnStatus) {
	if err := s.store.SetTenantStatus(context.Background(), tenantID, status); err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Str("status", string(status)).Msg("Could not persist tenant status")
	}
}

func qrKey(tenantID int64) string { return fmt.Sprintf("qr_%d", tenantID) }

// --- whatsmeow-backed dialer ---

// MeowDialer opens real whatsmeow sessions backed by the shared
// credential container.
type MeowDialer struct {
	container *sqlstore.Container
}

// NewMeowDialer builds the credential container on the application
// database (dialect matches the sqlx driver).
func NewMeowDialer(ctx context.Context, driver, dsn string) (*MeowDialer, error) {
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	return &MeowDialer{container: container}, nil
}

func (d *MeowDialer) Dial(ctx context.Context, tenant *Tenant, hooks sessionHooks) (waSession, error) {
	device := d.container.NewDevice()
	if tenant.WADeviceJID.Valid && tenant.WADeviceJID.String != "" {
		jid, err := types.ParseJID(tenant.WADeviceJID.String)
		if err == nil {
			if existing, err := d.container.GetDevice(ctx, jid); err == nil && existing != nil {
				device = existing
			}
		}
	}

	cli := whatsmeow.NewClient(device, waLog.Noop)
	cli.EnableAutoReconnect = false

	cli.AddEventHandler(func(raw interface{}) {
		switch evt := raw.(type) {
		case *events.Message:
			hooks.onMessage(evt)
		case *events.Connected:
			hooks.onOpen()
		case *events.LoggedOut:
			hooks.onClose(true, "logged out")
		case *events.TemporaryBan:
			hooks.onClose(true, "temporary ban")
		case *events.ConnectFailure:
			hooks.onClose(evt.Reason.IsLoggedOut(), fmt.Sprintf("connect failure: %v", evt.Reason))
		case *events.StreamError:
			hooks.onClose(false, "stream error "+evt.Code)
		case *events.Disconnected:
			hooks.onClose(false, "disconnected")
		}
	})

	// A fresh device needs the QR pairing channel before Connect.
	if device.ID == nil {
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go func() {
			for item := range qrChan {
				if item.Event == whatsmeow.QRChannelEventCode {
					hooks.onQR(item.Code)
				}
			}
		}()
	}

	return &meowSession{cli: cli}, nil
}

type meowSession struct {
	cli *whatsmeow.Client
}

func (m *meowSession) Connect() error { return m.cli.Connect() }

func (m *meowSession) Disconnect() { m.cli.Disconnect() }

func (m *meowSession) Logout(ctx context.Context) error { return m.cli.Logout(ctx) }

func (m *meowSession) IsLoggedIn() bool { return m.cli.IsLoggedIn() }

func (m *meowSession) SendMessage(ctx context.Context, to types.JID, msg *waProtoMessage) (string, error) {
	resp, err := m.cli.SendMessage(ctx, to, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (m *meowSession) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return m.cli.Download(ctx, msg)
}

func (m *meowSession) Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return m.cli.Upload(ctx, data, kind)
}

func (m *meowSession) ProfilePictureURL(ctx context.Context, jid types.JID) string {
	info, err := m.cli.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (m *meowSession) DeleteCredentials(ctx context.Context) error {
	return m.cli.Store.Delete(ctx)
}

func (m *meowSession) UserJID() types.JID {
	if m.cli.Store.ID == nil {
		return types.EmptyJID
	}
	return *m.cli.Store.ID
}
