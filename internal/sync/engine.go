// Package sync orchestrates mirror sync passes: manual pulls, webhook-driven
// history resolution, watch renewal and outbox dispatch. Every pass runs
// Fetching, Deduplicating, Persisting and Emitting stages per item; a failed
// item is skipped, never the whole pass, except for a revoked credential.
package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amossohotra0/business-brain-backend/internal/credentials"
	"github.com/amossohotra0/business-brain-backend/internal/gmail"
	"github.com/amossohotra0/business-brain-backend/internal/mailstore"
	"github.com/amossohotra0/business-brain-backend/internal/natsjs"
	"github.com/amossohotra0/business-brain-backend/internal/notify"
)

// Trigger names what started a sync pass.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
)

// Report summarizes one sync pass.
type Report struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Provider is the slice of the Gmail gateway the engine depends on.
type Provider interface {
	ListRecent(ctx context.Context, cred *credentials.Credential, maxResults int64) ([]gmail.ItemRef, error)
	FetchFull(ctx context.Context, cred *credentials.Credential, id string) (*mailstore.MailItem, error)
	ResolveHistory(ctx context.Context, cred *credentials.Credential, cursor string) ([]gmail.ItemRef, string, error)
	RegisterWatch(ctx context.Context, cred *credentials.Credential) (*gmail.Watch, error)
}

// Engine runs sync passes for all users against one mirror store.
type Engine struct {
	Store       *mailstore.Store
	Credentials *credentials.Store
	Provider    Provider
	Distributor *notify.Distributor
	Publisher   *natsjs.Publisher // nil disables NATS dispatch
	Log         *logrus.Logger
}

// ManualSync pulls up to maxResults recent messages and reconciles them
// into the mirror.
func (e *Engine) ManualSync(ctx context.Context, userID string, maxResults int64) (*Report, error) {
	cred, err := e.Credentials.Valid(ctx, userID)
	if err != nil {
		return nil, err
	}

	refs, err := e.Provider.ListRecent(ctx, cred, maxResults)
	if err != nil {
		return nil, e.passError(ctx, cred, err)
	}

	return e.runPass(ctx, cred, refs, TriggerManual)
}

// pushEnvelope is the Pub/Sub push wrapper around a Gmail notification.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushData is the decoded Gmail notification body.
type pushData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// HandleWebhook processes one Gmail push notification. The provider does
// not guarantee ordered or at-most-once delivery; convergence relies on the
// store's dedup key, so replays produce no new rows and no new events.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte) (*Report, error) {
	data, err := decodePush(body)
	if err != nil {
		return nil, err
	}

	userID, err := e.Credentials.UserByEmail(ctx, data.EmailAddress)
	if err != nil {
		return nil, fmt.Errorf("webhook for unknown mailbox %s: %w", data.EmailAddress, err)
	}

	cred, err := e.Credentials.Valid(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Resume from our own cursor when we have one; the notification's
	// history id only anchors the very first webhook for a mailbox.
	cursor := data.HistoryID
	if w, err := e.Store.GetWatch(ctx, userID); err != nil {
		return nil, err
	} else if w != nil && w.HistoryID > 0 {
		cursor = w.HistoryID
	}

	refs, newCursor, err := e.Provider.ResolveHistory(ctx, cred, strconv.FormatUint(cursor, 10))
	if err != nil {
		return nil, e.passError(ctx, cred, err)
	}

	report, err := e.runPass(ctx, cred, refs, TriggerWebhook)
	if err != nil {
		return report, err
	}

	if parsed, perr := strconv.ParseUint(newCursor, 10, 64); perr == nil && parsed > 0 {
		if err := e.Store.UpdateWatchCursor(ctx, userID, parsed); err != nil {
			e.Log.WithError(err).WithField("user_id", userID).Error("failed to advance history cursor")
		}
	}

	return report, nil
}

func decodePush(body []byte) (*pushData, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("push envelope has no data")
	}

	raw, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid push data encoding: %w", err)
	}

	var data pushData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid push data: %w", err)
	}
	if data.EmailAddress == "" {
		return nil, fmt.Errorf("push data has no email address")
	}
	return &data, nil
}

// decodeBase64 accepts the standard and URL-safe alphabets, padded or not;
// Pub/Sub and Gmail are not consistent about which they emit.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("unrecognized base64 payload")
}

// runPass executes the Deduplicating, Persisting and Emitting stages for
// every fetched item, in order. Items already committed stay committed when
// a later item fails.
func (e *Engine) runPass(ctx context.Context, cred *credentials.Credential, refs []gmail.ItemRef, trigger Trigger) (*Report, error) {
	report := &Report{Fetched: len(refs)}
	log := e.Log.WithFields(logrus.Fields{"user_id": cred.UserID, "trigger": string(trigger)})

	for _, ref := range refs {
		item, err := e.Provider.FetchFull(ctx, cred, ref.ID)
		if err != nil {
			if errors.Is(err, gmail.ErrPermissionDenied) {
				return report, e.passError(ctx, cred, err)
			}
			report.Skipped++
			log.WithError(err).WithField("gmail_id", ref.ID).Warn("skipping message")
			continue
		}
		item.UserID = cred.UserID

		outcome, id, err := e.Store.Upsert(ctx, item)
		if err != nil {
			report.Skipped++
			log.WithError(err).WithField("gmail_id", ref.ID).Warn("failed to persist message")
			continue
		}
		item.ID = id

		switch outcome {
		case mailstore.Inserted:
			report.Inserted++
			e.emit(ctx, notify.EventNewEmail, item, syncMsgID(notify.EventNewEmail, item))
		case mailstore.Updated:
			report.Updated++
			e.emit(ctx, notify.EventEmailUpdated, item, syncMsgID(notify.EventEmailUpdated, item))
		}
	}

	log.WithFields(logrus.Fields{
		"fetched": report.Fetched, "inserted": report.Inserted,
		"updated": report.Updated, "skipped": report.Skipped,
	}).Info("sync pass complete")

	return report, nil
}

// passError handles a pass-aborting provider failure. A revoked credential
// is invalidated so the client sees NotConnected on the next call.
func (e *Engine) passError(ctx context.Context, cred *credentials.Credential, err error) error {
	if errors.Is(err, gmail.ErrPermissionDenied) {
		if ierr := e.Credentials.Invalidate(ctx, cred.UserID); ierr != nil {
			e.Log.WithError(ierr).WithField("user_id", cred.UserID).Error("failed to invalidate credential")
		}
	}
	return err
}

// ToggleFlag sets a flag on a mirrored email and emits a flag_changed event
// when the value actually flipped.
func (e *Engine) ToggleFlag(ctx context.Context, userID string, id int64, flag mailstore.Flag, value bool) (*mailstore.MailItem, error) {
	item, changed, err := e.Store.SetFlag(ctx, userID, id, flag, value)
	if err != nil {
		return nil, err
	}
	if changed {
		e.emit(ctx, notify.EventFlagChanged, item, uuid.NewString())
	}
	return item, nil
}

// emit delivers one change event to live sessions and queues it for NATS.
func (e *Engine) emit(ctx context.Context, kind string, item *mailstore.MailItem, msgID string) {
	ev := notify.Event{
		Kind: kind,
		Data: notify.MailSummary{
			ID:        item.ID,
			GmailID:   item.GmailID,
			ThreadID:  item.ThreadID,
			Subject:   item.Subject,
			FromEmail: item.FromEmail,
			Snippet:   item.Snippet,
			IsRead:    item.IsRead,
			IsStarred: item.IsStarred,
		},
	}

	e.Distributor.Publish(item.UserID, ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		e.Log.WithError(err).Error("failed to encode event")
		return
	}
	subject := fmt.Sprintf("user.%s.mail.%s", item.UserID, kind)
	if err := e.Store.EnqueueEvent(ctx, subject, kind, payload, msgID); err != nil {
		e.Log.WithError(err).WithField("gmail_id", item.GmailID).Error("failed to enqueue event")
	}
}

// syncMsgID is deterministic so a replayed pass can never enqueue the same
// change twice.
func syncMsgID(kind string, item *mailstore.MailItem) string {
	return fmt.Sprintf("%s|%s|%s|%d", kind, item.UserID, item.GmailID, item.HistoryID)
}

// StartWatch registers (or renews) the push subscription for a user and
// records its expiry.
func (e *Engine) StartWatch(ctx context.Context, userID string) (*mailstore.Watch, error) {
	cred, err := e.Credentials.Valid(ctx, userID)
	if err != nil {
		return nil, err
	}

	w, err := e.Provider.RegisterWatch(ctx, cred)
	if err != nil {
		return nil, e.passError(ctx, cred, err)
	}

	// Keep an already-advanced cursor; the watch response's history id
	// only seeds brand new mailboxes.
	historyID := w.HistoryID
	if existing, err := e.Store.GetWatch(ctx, userID); err == nil && existing != nil && existing.HistoryID > historyID {
		historyID = existing.HistoryID
	}

	saved := mailstore.Watch{UserID: userID, HistoryID: historyID, Expiration: w.Expiration}
	if err := e.Store.SaveWatch(ctx, saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// RenewWatches re-registers push subscriptions before they lapse. A failed
// renewal is logged and the mailbox degrades to manual sync only.
func (e *Engine) RenewWatches(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.renewExpiring(ctx, window)
		}
	}
}

func (e *Engine) renewExpiring(ctx context.Context, window time.Duration) {
	watches, err := e.Store.ExpiringWatches(ctx, window)
	if err != nil {
		e.Log.WithError(err).Error("failed to list expiring watches")
		return
	}

	for _, w := range watches {
		if _, err := e.StartWatch(ctx, w.UserID); err != nil {
			e.Log.WithError(err).WithField("user_id", w.UserID).
				Warn("watch renewal failed, mailbox degrades to manual sync")
			continue
		}
		e.Log.WithField("user_id", w.UserID).Info("watch renewed")
	}
}

// DispatchOutbox continuously publishes queued mail events to NATS,
// retrying failed publishes with a fixed backoff.
func (e *Engine) DispatchOutbox(ctx context.Context) {
	if e.Publisher == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := e.Store.DequeueOutbox(ctx, 100)
		if err != nil {
			e.Log.WithError(err).Error("failed to dequeue outbox")
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(messages) == 0 {
			sleepCtx(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := e.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				e.Log.WithError(err).WithField("msg_id", msg.MsgID).Warn("failed to publish event")
				_ = e.Store.MarkRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := e.Store.MarkPublished(ctx, msg.ID); err != nil {
				e.Log.WithError(err).WithField("msg_id", msg.MsgID).Error("failed to mark event published")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
