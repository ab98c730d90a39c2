package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// dispatchStore is the slice of SQLStore the dispatcher needs.
type dispatchStore interface {
	InsertMessage(ctx context.Context, m *Message) (bool, error)
}

// Dispatcher sends outbound messages through a tenant's live session
// and persists the sent copy, so the conversation log carries both
// directions.
type Dispatcher struct {
	store     dispatchStore
	sessions  sessionSource
	rt        *Publisher
	mediaRoot string
}

func NewDispatcher(store dispatchStore, sessions sessionSource, rt *Publisher, mediaRoot string) *Dispatcher {
	return &Dispatcher{store: store, sessions: sessions, rt: rt, mediaRoot: mediaRoot}
}

// SendText delivers a plain text message.
func (d *Dispatcher) SendText(ctx context.Context, tenantID int64, address, body string) error {
	sess, jid, err := d.session(tenantID, address)
	if err != nil {
		return err
	}
	id, err := sess.SendMessage(ctx, jid, &waProtoMessage{Conversation: proto.String(body)})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	d.record(ctx, tenantID, address, KindText, body, sql.NullString{}, id)
	return nil
}

// SendMediaFile uploads a stored file and sends it with the right
// payload for its kind. Audio goes out as a voice note: transcoded to
// OGG/Opus with waveform and duration attached.
func (d *Dispatcher) SendMediaFile(ctx context.Context, tenantID int64, address string, kind ContentKind, path, caption string) error {
	sess, jid, err := d.session(tenantID, address)
	if err != nil {
		return err
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(d.mediaRoot, filepath.FromSlash(path))
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read media %s: %w", path, err)
	}

	var msg *waProtoMessage
	switch kind {
	case KindAudio:
		msg, err = d.buildVoiceNote(ctx, sess, data)
		if err != nil {
			// No usable ffmpeg: ship the raw audio as a document.
			log.Warn().Err(err).Int64("tenantID", tenantID).Msg("Voice note unavailable, sending audio as document")
			msg, err = d.buildDocument(ctx, sess, data, caption, filepath.Base(abs))
		}
	case KindVideo:
		msg, err = d.buildVideo(ctx, sess, data, caption)
	case KindDocument:
		msg, err = d.buildDocument(ctx, sess, data, caption, filepath.Base(abs))
	default:
		msg, err = d.buildImage(ctx, sess, data, caption)
	}
	if err != nil {
		return err
	}

	id, err := sess.SendMessage(ctx, jid, msg)
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	d.record(ctx, tenantID, address, kind, caption, sql.NullString{String: path, Valid: true}, id)
	return nil
}

// StampSystem appends a system entry to the conversation log without
// sending anything over the wire.
func (d *Dispatcher) StampSystem(ctx context.Context, tenantID int64, address, body string) {
	d.record(ctx, tenantID, address, KindSystem, body, sql.NullString{}, "")
}

func (d *Dispatcher) buildImage(ctx context.Context, sess waSession, data []byte, caption string) (*waProtoMessage, error) {
	up, err := sess.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	return &waProtoMessage{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(http.DetectContentType(data)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}, nil
}

func (d *Dispatcher) buildVideo(ctx context.Context, sess waSession, data []byte, caption string) (*waProtoMessage, error) {
	up, err := sess.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}
	return &waProtoMessage{VideoMessage: &waE2E.VideoMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(http.DetectContentType(data)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}, nil
}

func (d *Dispatcher) buildDocument(ctx context.Context, sess waSession, data []byte, caption, fileName string) (*waProtoMessage, error) {
	up, err := sess.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	return &waProtoMessage{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       proto.String(caption),
		FileName:      proto.String(fileName),
		Mimetype:      proto.String(http.DetectContentType(data)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}, nil
}

func (d *Dispatcher) buildVoiceNote(ctx context.Context, sess waSession, data []byte) (*waProtoMessage, error) {
	opus, err := ConvertToVoiceNote(data)
	if err != nil {
		return nil, fmt.Errorf("voice note transcode: %w", err)
	}
	up, err := sess.Upload(ctx, opus, whatsmeow.MediaAudio)
	if err != nil {
		return nil, fmt.Errorf("upload voice note: %w", err)
	}

	audio := &waE2E.AudioMessage{
		PTT:           proto.Bool(true),
		Mimetype:      proto.String("audio/ogg; codecs=opus"),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}
	if seconds, err := AudioDuration(opus); err == nil {
		audio.Seconds = proto.Uint32(seconds)
	} else {
		log.Debug().Err(err).Msg("Could not read voice note duration")
	}
	if wave, err := AudioWaveform(opus); err == nil {
		audio.Waveform = wave
	} else {
		log.Debug().Err(err).Msg("Could not compute voice note waveform")
	}
	return &waProtoMessage{AudioMessage: audio}, nil
}

func (d *Dispatcher) session(tenantID int64, address string) (waSession, types.JID, error) {
	sess, ok := d.sessions.Session(tenantID)
	if !ok {
		return nil, types.EmptyJID, fmt.Errorf("tenant %d has no live session", tenantID)
	}
	jid, err := types.ParseJID(address)
	if err != nil {
		return nil, types.EmptyJID, fmt.Errorf("parse address %s: %w", address, err)
	}
	return sess, jid, nil
}

func (d *Dispatcher) record(ctx context.Context, tenantID int64, address string, kind ContentKind, body string, mediaPath sql.NullString, protocolID string) {
	msg := &Message{
		TenantID:   tenantID,
		Address:    address,
		FromMe:     true,
		Kind:       kind,
		Body:       body,
		MediaPath:  mediaPath,
		ProtocolID: sql.NullString{String: protocolID, Valid: protocolID != ""},
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := d.store.InsertMessage(ctx, msg); err != nil {
		log.Error().Err(err).Int64("tenantID", tenantID).Str("address", address).Msg("Could not persist outbound message")
	}
	d.rt.Publish(tenantID, EvNewMessage, map[string]any{
		"address": address,
		"kind":    kind,
		"body":    body,
		"from_me": true,
	})
}
