package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
)

const thumbnailEdge = 320

// MediaStore downloads inbound attachments to per-tenant, per-day
// directories on local disk, with optional S3 mirroring and a
// best-effort transcription hook for voice notes.
type MediaStore struct {
	root          string
	transcribeURL string
	mirror        *S3Mirror // nil disables mirroring
	http          *resty.Client
}

func NewMediaStore(root, transcribeURL string, mirror *S3Mirror) *MediaStore {
	return &MediaStore{
		root:          root,
		transcribeURL: transcribeURL,
		mirror:        mirror,
		http:          resty.New().SetTimeout(60 * time.Second),
	}
}

// Save downloads the media part of a message and writes it under
// tenant_<id>/<yyyy-mm-dd>/. Any failure returns an invalid path: the
// message row is persisted either way and the conversation moves on.
func (m *MediaStore) Save(ctx context.Context, sess waSession, tenantID int64, c Content) sql.NullString {
	data, err := sess.Download(ctx, c.Media)
	if err != nil {
		log.Warn().Err(err).Int64("tenantID", tenantID).Str("kind", string(c.Kind)).Msg("Media download failed")
		return sql.NullString{}
	}

	now := time.Now()
	rel := fmt.Sprintf("tenant_%d/%s/%d_%s.%s",
		tenantID, now.Format("2006-01-02"), now.UnixMilli(), shortID(), fileExtension(c))
	abs := filepath.Join(m.root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		log.Error().Err(err).Str("path", abs).Msg("Could not create media directory")
		return sql.NullString{}
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", abs).Msg("Could not write media file")
		return sql.NullString{}
	}

	if c.Kind == KindImage {
		m.writeThumbnail(abs, data)
	}
	if c.Kind == KindAudio && m.transcribeURL != "" {
		go m.transcribe(tenantID, abs)
	}
	if m.mirror != nil {
		go m.mirror.Put(context.Background(), rel, data, c.MimeType)
	}

	log.Debug().Int64("tenantID", tenantID).Str("path", rel).Int("bytes", len(data)).Msg("Media stored")
	return sql.NullString{String: rel, Valid: true}
}

// PublicURL renders the mirrored download URL for a stored media path,
// empty when mirroring is disabled.
func (m *MediaStore) PublicURL(path string) string {
	if m.mirror == nil {
		return ""
	}
	return m.mirror.PublicURL(path)
}

// writeThumbnail saves a bounded JPEG preview next to the original.
func (m *MediaStore) writeThumbnail(abs string, data []byte) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Str("path", abs).Msg("Image not decodable, skipping thumbnail")
		return
	}
	thumb := resize.Thumbnail(thumbnailEdge, thumbnailEdge, img, resize.Lanczos3)

	out, err := os.Create(abs + ".thumb.jpg")
	if err != nil {
		log.Warn().Err(err).Str("path", abs).Msg("Could not create thumbnail file")
		return
	}
	defer out.Close()
	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: 80}); err != nil {
		log.Warn().Err(err).Str("path", abs).Msg("Could not encode thumbnail")
	}
}

// transcribe posts the voice note to the external speech service.
// Fire-and-forget: the result, if any, arrives out of band.
func (m *MediaStore) transcribe(tenantID int64, abs string) {
	resp, err := m.http.R().
		SetFile("file", abs).
		SetFormData(map[string]string{"tenant_id": fmt.Sprintf("%d", tenantID)}).
		Post(m.transcribeURL)
	if err != nil {
		log.Warn().Err(err).Int64("tenantID", tenantID).Msg("Transcription request failed")
		return
	}
	if !resp.IsSuccess() {
		log.Warn().Int("status", resp.StatusCode()).Int64("tenantID", tenantID).Msg("Transcription service rejected voice note")
	}
}

// fileExtension prefers the sender's document filename, then the MIME
// type mapping.
func fileExtension(c Content) string {
	if c.Kind == KindDocument && c.FileName != "" {
		if ext := strings.TrimPrefix(filepath.Ext(c.FileName), "."); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return extensionFor(c.MimeType, c.Kind)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
