package main

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// waProtoMessage aliases the wire payload type so the rest of the code
// does not import the proto package directly.
type waProtoMessage = waE2E.Message

// Content is the normalized payload of one inbound message: what kind
// it is, the text worth persisting, and the downloadable media part if
// there is one.
type Content struct {
	Kind     ContentKind
	Body     string
	Media    whatsmeow.DownloadableMessage
	MimeType string
	FileName string
}

// ExtractContent collapses the protocol's oneof-style message union
// into a Content. Unknown payloads come back as system entries so the
// conversation log stays complete.
func ExtractContent(msg *waProtoMessage) Content {
	msg = unwrap(msg)
	if msg == nil {
		return Content{Kind: KindSystem, Body: "[unsupported message]"}
	}

	switch {
	case msg.GetConversation() != "":
		return Content{Kind: KindText, Body: msg.GetConversation()}

	case msg.GetExtendedTextMessage() != nil:
		ext := msg.GetExtendedTextMessage()
		body := ext.GetText()
		if quoted := unwrap(ext.GetContextInfo().GetQuotedMessage()); quoted != nil {
			if excerpt := ExtractContent(quoted).Body; excerpt != "" {
				body = "> " + truncate(excerpt, 80) + "\n" + body
			}
		}
		return Content{Kind: KindText, Body: body}

	case msg.GetImageMessage() != nil:
		im := msg.GetImageMessage()
		return Content{Kind: KindImage, Body: im.GetCaption(), Media: im, MimeType: im.GetMimetype()}

	case msg.GetVideoMessage() != nil:
		vm := msg.GetVideoMessage()
		return Content{Kind: KindVideo, Body: vm.GetCaption(), Media: vm, MimeType: vm.GetMimetype()}

	case msg.GetAudioMessage() != nil:
		am := msg.GetAudioMessage()
		return Content{Kind: KindAudio, Media: am, MimeType: am.GetMimetype()}

	case msg.GetDocumentMessage() != nil:
		dm := msg.GetDocumentMessage()
		return Content{Kind: KindDocument, Body: dm.GetCaption(), Media: dm, MimeType: dm.GetMimetype(), FileName: dm.GetFileName()}

	case msg.GetStickerMessage() != nil:
		sm := msg.GetStickerMessage()
		return Content{Kind: KindSticker, Media: sm, MimeType: sm.GetMimetype()}

	case msg.GetLocationMessage() != nil:
		lm := msg.GetLocationMessage()
		body := fmt.Sprintf("%f,%f", lm.GetDegreesLatitude(), lm.GetDegreesLongitude())
		if lm.GetName() != "" {
			body = lm.GetName() + " " + body
		}
		return Content{Kind: KindLocation, Body: body}

	case msg.GetContactMessage() != nil:
		return Content{Kind: KindContact, Body: msg.GetContactMessage().GetDisplayName()}

	case msg.GetContactsArrayMessage() != nil:
		return Content{Kind: KindContact, Body: msg.GetContactsArrayMessage().GetDisplayName()}

	case msg.GetPollCreationMessage() != nil:
		return Content{Kind: KindPoll, Body: msg.GetPollCreationMessage().GetName()}

	case msg.GetPollCreationMessageV3() != nil:
		return Content{Kind: KindPoll, Body: msg.GetPollCreationMessageV3().GetName()}

	case msg.GetReactionMessage() != nil:
		return Content{Kind: KindSystem, Body: "[reaction] " + msg.GetReactionMessage().GetText()}

	case msg.GetProtocolMessage() != nil:
		return Content{Kind: KindSystem, Body: "[protocol update]"}
	}

	return Content{Kind: KindSystem, Body: "[unsupported message]"}
}

// unwrap strips the view-once and ephemeral envelopes, which carry the
// real payload one level down.
func unwrap(msg *waProtoMessage) *waProtoMessage {
	for msg != nil {
		switch {
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		default:
			return msg
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

// extensionFor maps a MIME type to the stored file extension, falling
// back per kind when the subtype is exotic.
func extensionFor(mime string, kind ContentKind) string {
	mime, _, _ = strings.Cut(mime, ";")
	switch strings.TrimSpace(mime) {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/3gpp":
		return "3gp"
	case "audio/ogg":
		return "ogg"
	case "audio/mpeg":
		return "mp3"
	case "audio/mp4":
		return "m4a"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "application/pdf":
		return "pdf"
	}
	switch kind {
	case KindImage:
		return "jpg"
	case KindVideo:
		return "mp4"
	case KindAudio:
		return "ogg"
	case KindSticker:
		return "webp"
	}
	return "bin"
}
