package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/amossohotra0/business-brain-backend/internal/mailstore"
)

// normalize converts a full-format Gmail message into a mirror record.
func normalize(userID string, m *gmail.Message) *mailstore.MailItem {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	var text, html strings.Builder
	var attachments []mailstore.Attachment
	if m.Payload != nil {
		walkParts(m.Payload, &text, &html, &attachments)
	}

	item := &mailstore.MailItem{
		UserID:       userID,
		GmailID:      m.Id,
		ThreadID:     m.ThreadId,
		Subject:      headerOr(headers, "Subject", "(No Subject)"),
		FromEmail:    headerOr(headers, "From", "(Unknown Sender)"),
		ToEmail:      headers["To"],
		CcEmail:      headers["Cc"],
		BccEmail:     headers["Bcc"],
		Date:         headers["Date"],
		MessageID:    headers["Message-ID"],
		Snippet:      m.Snippet,
		BodyText:     strings.TrimSpace(text.String()),
		BodyHTML:     strings.TrimSpace(html.String()),
		Attachments:  attachments,
		Labels:       m.LabelIds,
		Headers:      headers,
		SizeEstimate: m.SizeEstimate,
		HistoryID:    m.HistoryId,
	}

	if m.InternalDate > 0 {
		item.ReadableDate = time.UnixMilli(m.InternalDate).UTC()
	}

	item.IsRead = !hasLabel(m.LabelIds, "UNREAD")
	item.IsStarred = hasLabel(m.LabelIds, "STARRED")
	item.IsImportant = hasLabel(m.LabelIds, "IMPORTANT")
	item.IsDeleted = hasLabel(m.LabelIds, "TRASH")

	return item
}

// walkParts descends the MIME tree collecting text/html bodies and
// attachment descriptors. Attachment bodies stay on the provider side;
// only the descriptor is kept.
func walkParts(part *gmail.MessagePart, text, html *strings.Builder, attachments *[]mailstore.Attachment) {
	if part.Filename != "" {
		att := mailstore.Attachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			att.Size = part.Body.Size
			att.AttachmentID = part.Body.AttachmentId
		}
		*attachments = append(*attachments, att)
	} else if part.Body != nil && part.Body.Data != "" {
		decoded := decodeBody(part.Body.Data)
		switch {
		case part.MimeType == "text/html":
			html.WriteString(decoded)
			html.WriteString("\n")
		case strings.HasPrefix(part.MimeType, "text/"):
			text.WriteString(decoded)
			text.WriteString("\n")
		}
	}

	for _, sub := range part.Parts {
		walkParts(sub, text, html, attachments)
	}
}

// decodeBody decodes Gmail's URL-safe base64 body data, padded or not.
func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

func headerOr(headers map[string]string, key, fallback string) string {
	if v := headers[key]; v != "" {
		return v
	}
	return fallback
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
