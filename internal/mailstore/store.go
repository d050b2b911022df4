package mailstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested email does not exist for the user.
var ErrNotFound = errors.New("mailstore: email not found")

// Store is the local mail mirror. All mutations are keyed on
// (user_id, gmail_id); the UNIQUE constraint on that pair is the
// concurrency backstop for overlapping sync passes.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the mirror database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Upsert writes one mirrored email, keyed on (user_id, gmail_id).
//
// A missing row is inserted. An existing row is compared against the
// provider-supplied history id: same history and no new deletion means
// Unchanged and no write. Otherwise only content columns are refreshed;
// user flags survive the merge, except is_deleted which an incoming
// deletion sets and a later non-deleted observation never clears.
func (s *Store) Upsert(ctx context.Context, item *MailItem) (Outcome, int64, error) {
	// One retry: a concurrent insert of the same key trips the UNIQUE
	// constraint, after which the row exists and the update path applies.
	for attempt := 0; ; attempt++ {
		outcome, id, err := s.upsertOnce(ctx, item)
		if err != nil && attempt == 0 && isUniqueViolation(err) {
			continue
		}
		return outcome, id, err
	}
}

func (s *Store) upsertOnce(ctx context.Context, item *MailItem) (Outcome, int64, error) {
	attachmentsJSON, labelsJSON, headersJSON, err := marshalItemJSON(item)
	if err != nil {
		return Unchanged, 0, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var (
		id         int64
		historyID  uint64
		wasDeleted bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, history_id, is_deleted FROM emails
		WHERE user_id = ? AND gmail_id = ?
	`, item.UserID, item.GmailID).Scan(&id, &historyID, &wasDeleted)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO emails
			(user_id, gmail_id, thread_id, subject, from_email, to_email, cc_email, bcc_email,
			 date, readable_date, message_id, snippet, body_text, body_html,
			 attachments_json, labels_json, headers_json, size_estimate, history_id,
			 is_read, is_starred, is_important, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.UserID, item.GmailID, item.ThreadID, item.Subject, item.FromEmail, item.ToEmail,
			item.CcEmail, item.BccEmail, item.Date, item.ReadableDate.UTC(), item.MessageID,
			item.Snippet, item.BodyText, item.BodyHTML, attachmentsJSON, labelsJSON, headersJSON,
			item.SizeEstimate, item.HistoryID,
			item.IsRead, item.IsStarred, item.IsImportant, item.IsDeleted, now, now)
		if err != nil {
			return Unchanged, 0, fmt.Errorf("failed to insert email: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return Unchanged, 0, fmt.Errorf("failed to read insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Unchanged, 0, fmt.Errorf("failed to commit: %w", err)
		}
		return Inserted, id, nil

	case err != nil:
		return Unchanged, 0, fmt.Errorf("failed to query email: %w", err)
	}

	if historyID == item.HistoryID && (!item.IsDeleted || wasDeleted) {
		return Unchanged, id, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE emails SET
			thread_id = ?, subject = ?, from_email = ?, to_email = ?, cc_email = ?, bcc_email = ?,
			date = ?, readable_date = ?, message_id = ?, snippet = ?, body_text = ?, body_html = ?,
			attachments_json = ?, labels_json = ?, headers_json = ?, size_estimate = ?, history_id = ?,
			is_deleted = CASE WHEN ? THEN 1 ELSE is_deleted END,
			updated_at = ?
		WHERE id = ?
	`, item.ThreadID, item.Subject, item.FromEmail, item.ToEmail, item.CcEmail, item.BccEmail,
		item.Date, item.ReadableDate.UTC(), item.MessageID, item.Snippet, item.BodyText, item.BodyHTML,
		attachmentsJSON, labelsJSON, headersJSON, item.SizeEstimate, item.HistoryID,
		item.IsDeleted, now, id)
	if err != nil {
		return Unchanged, 0, fmt.Errorf("failed to update email: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Unchanged, 0, fmt.Errorf("failed to commit: %w", err)
	}
	return Updated, id, nil
}

// Get returns one email by local id, scoped to the user.
func (s *Store) Get(ctx context.Context, userID string, id int64) (*MailItem, error) {
	row := s.DB.QueryRowContext(ctx, selectColumns+` FROM emails WHERE user_id = ? AND id = ?`, userID, id)
	return scanItem(row)
}

// SetFlag sets one flag on an email and reports whether the value changed.
func (s *Store) SetFlag(ctx context.Context, userID string, id int64, flag Flag, value bool) (*MailItem, bool, error) {
	column, ok := flagColumns[flag]
	if !ok {
		return nil, false, fmt.Errorf("mailstore: unknown flag %q", flag)
	}

	res, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE emails SET %s = ?, updated_at = ? WHERE user_id = ? AND id = ? AND %s != ?`, column, column),
		value, time.Now().UTC(), userID, id, value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to set flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	item, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, false, err
	}
	return item, affected > 0, nil
}

// List returns one page of the user's mirror, newest first, excluding
// soft-deleted rows, with the total and unread counts for the mailbox.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) ([]MailItem, int, int, error) {
	rows, err := s.DB.QueryContext(ctx, selectColumns+`
		FROM emails
		WHERE user_id = ? AND is_deleted = 0
		ORDER BY readable_date DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var items []MailItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to iterate emails: %w", err)
	}

	var total, unread int
	err = s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0)
		FROM emails WHERE user_id = ? AND is_deleted = 0
	`, userID).Scan(&total, &unread)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to count emails: %w", err)
	}

	return items, total, unread, nil
}

// EnqueueEvent stores a mail event for the outbox dispatcher. Duplicate
// msg_ids are ignored, so replayed sync work never double-publishes.
func (s *Store) EnqueueEvent(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events that are due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkRetry defers an outbox event after a failed publish.
func (s *Store) MarkRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = ? WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// SaveWatch upserts the push-subscription state for a user.
func (s *Store) SaveWatch(ctx context.Context, w Watch) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO gmail_watches (user_id, history_id, expiration, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			history_id = excluded.history_id,
			expiration = excluded.expiration,
			updated_at = excluded.updated_at
	`, w.UserID, w.HistoryID, w.Expiration.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// GetWatch returns the watch state for a user, or nil when none exists.
func (s *Store) GetWatch(ctx context.Context, userID string) (*Watch, error) {
	var w Watch
	w.UserID = userID
	err := s.DB.QueryRowContext(ctx, `
		SELECT history_id, expiration FROM gmail_watches WHERE user_id = ?
	`, userID).Scan(&w.HistoryID, &w.Expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watch: %w", err)
	}
	return &w, nil
}

// UpdateWatchCursor advances the stored history cursor for a user, creating
// the row if the mailbox has no registered watch yet.
func (s *Store) UpdateWatchCursor(ctx context.Context, userID string, historyID uint64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO gmail_watches (user_id, history_id, expiration, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			history_id = excluded.history_id,
			updated_at = excluded.updated_at
	`, userID, historyID, time.Time{}.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update watch cursor: %w", err)
	}
	return nil
}

// ExpiringWatches returns watches whose expiration falls within the window.
func (s *Store) ExpiringWatches(ctx context.Context, within time.Duration) ([]Watch, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, history_id, expiration FROM gmail_watches
		WHERE expiration > ? AND expiration <= ?
	`, time.Time{}.UTC(), time.Now().Add(within).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		var w Watch
		if err := rows.Scan(&w.UserID, &w.HistoryID, &w.Expiration); err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

const selectColumns = `
	SELECT id, user_id, gmail_id, thread_id, subject, from_email, to_email, cc_email, bcc_email,
	       date, readable_date, message_id, snippet, body_text, body_html,
	       attachments_json, labels_json, headers_json, size_estimate, history_id,
	       is_read, is_starred, is_important, is_deleted, created_at, updated_at`

var flagColumns = map[Flag]string{
	FlagRead:      "is_read",
	FlagStarred:   "is_starred",
	FlagImportant: "is_important",
	FlagDeleted:   "is_deleted",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*MailItem, error) {
	var (
		item                                     MailItem
		readableDate                             sql.NullTime
		attachmentsJSON, labelsJSON, headersJSON string
	)
	err := row.Scan(&item.ID, &item.UserID, &item.GmailID, &item.ThreadID, &item.Subject,
		&item.FromEmail, &item.ToEmail, &item.CcEmail, &item.BccEmail,
		&item.Date, &readableDate, &item.MessageID, &item.Snippet, &item.BodyText, &item.BodyHTML,
		&attachmentsJSON, &labelsJSON, &headersJSON, &item.SizeEstimate, &item.HistoryID,
		&item.IsRead, &item.IsStarred, &item.IsImportant, &item.IsDeleted,
		&item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan email: %w", err)
	}

	item.ReadableDate = readableDate.Time
	if err := json.Unmarshal([]byte(attachmentsJSON), &item.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &item.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &item.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	return &item, nil
}

func marshalItemJSON(item *MailItem) (string, string, string, error) {
	attachments := item.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	labels := item.Labels
	if labels == nil {
		labels = []string{}
	}
	headers := item.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode labels: %w", err)
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(attachmentsJSON), string(labelsJSON), string(headersJSON), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
