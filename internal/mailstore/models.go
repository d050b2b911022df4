package mailstore

import "time"

// Flag identifies one of the user-mutable flags on a mirrored email.
type Flag string

const (
	FlagRead      Flag = "read"
	FlagStarred   Flag = "starred"
	FlagImportant Flag = "important"
	FlagDeleted   Flag = "deleted"
)

// Attachment describes one attachment on a mirrored email. Bodies are not
// stored locally; AttachmentID references the blob on the provider side.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// MailItem is the local mirror record of one Gmail message. GmailID is the
// provider-assigned id and the deduplication key; ID is the stable local id.
type MailItem struct {
	ID           int64             `json:"id"`
	UserID       string            `json:"user_id"`
	GmailID      string            `json:"gmail_id"`
	ThreadID     string            `json:"thread_id"`
	Subject      string            `json:"subject"`
	FromEmail    string            `json:"from_email"`
	ToEmail      string            `json:"to_email"`
	CcEmail      string            `json:"cc_email,omitempty"`
	BccEmail     string            `json:"bcc_email,omitempty"`
	Date         string            `json:"date"`
	ReadableDate time.Time         `json:"readable_date"`
	MessageID    string            `json:"message_id"`
	Snippet      string            `json:"snippet"`
	BodyText     string            `json:"body_text"`
	BodyHTML     string            `json:"body_html"`
	Attachments  []Attachment      `json:"attachments"`
	Labels       []string          `json:"labels"`
	Headers      map[string]string `json:"headers"`
	SizeEstimate int64             `json:"size_estimate"`
	HistoryID    uint64            `json:"history_id"`
	IsRead       bool              `json:"is_read"`
	IsStarred    bool              `json:"is_starred"`
	IsImportant  bool              `json:"is_important"`
	IsDeleted    bool              `json:"is_deleted"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Outcome reports what an upsert did to the mirror.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Watch records an active Gmail push subscription for a user. HistoryID is
// the last history cursor consumed for that mailbox.
type Watch struct {
	UserID     string    `json:"user_id"`
	HistoryID  uint64    `json:"history_id"`
	Expiration time.Time `json:"expiration"`
}

// OutboxMessage is a pending mail event awaiting publication to NATS.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}
