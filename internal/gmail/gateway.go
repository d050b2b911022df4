// Package gmail is the gateway to the Gmail API: paginated listing, full
// message fetch, history-cursor resolution and push-subscription
// registration, with rate-limit backoff built in.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/amossohotra0/business-brain-backend/internal/credentials"
	"github.com/amossohotra0/business-brain-backend/internal/mailstore"
)

var (
	// ErrRateLimited means Gmail throttled the call and the gateway's
	// bounded retries were exhausted. Transient; the pass may continue
	// with other items.
	ErrRateLimited = errors.New("gmail: rate limited")

	// ErrPermissionDenied means the credential was revoked or lacks scope.
	// The caller should invalidate the credential and abort the pass.
	ErrPermissionDenied = errors.New("gmail: permission denied")

	// ErrNotFound means the requested message or history cursor is gone.
	ErrNotFound = errors.New("gmail: not found")
)

// ItemRef identifies one message on the provider side.
type ItemRef struct {
	ID       string
	ThreadID string
}

// Watch describes a registered push subscription.
type Watch struct {
	HistoryID  uint64
	Expiration time.Time
}

// Gateway wraps the Gmail API for one deployment. Services are built per
// call from the caller's credential; the gateway itself holds no tokens.
type Gateway struct {
	// Topic is the fully qualified Pub/Sub topic for watch registration.
	Topic string
	// MaxAttempts bounds retries of rate-limited calls.
	MaxAttempts int
	// BaseDelay and MaxDelay shape the exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Log       *logrus.Logger

	opts []option.ClientOption
}

// NewGateway creates a gateway. Extra client options are passed through to
// the Gmail service, which lets tests point it at a local server.
func NewGateway(topic string, log *logrus.Logger, opts ...option.ClientOption) *Gateway {
	return &Gateway{
		Topic:       topic,
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Log:         log,
		opts:        opts,
	}
}

func (g *Gateway) service(ctx context.Context, cred *credentials.Credential) (*gmail.Service, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(cred.TokenSource())}, g.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

// ListRecent returns refs for the most recent messages, newest first.
func (g *Gateway) ListRecent(ctx context.Context, cred *credentials.Credential, maxResults int64) ([]ItemRef, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var resp *gmail.ListMessagesResponse
	err = g.retry(ctx, "messages.list", func() error {
		var err error
		resp, err = svc.Users.Messages.List("me").
			IncludeSpamTrash(false).MaxResults(maxResults).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	refs := make([]ItemRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, ItemRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// FetchFull fetches one message in full format and normalizes it into a
// mirror record: headers, both body variants, attachment descriptors and
// label-derived flags.
func (g *Gateway) FetchFull(ctx context.Context, cred *credentials.Credential, id string) (*mailstore.MailItem, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = g.retry(ctx, "messages.get", func() error {
		var err error
		msg, err = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return normalize(cred.UserID, msg), nil
}

// ResolveHistory turns an opaque history cursor into the set of added
// messages since that point, plus the advanced cursor. An expired or
// unusable cursor degrades to listing the most recent messages.
func (g *Gateway) ResolveHistory(ctx context.Context, cred *credentials.Credential, cursor string) ([]ItemRef, string, error) {
	start, perr := strconv.ParseUint(cursor, 10, 64)
	if perr != nil || start == 0 {
		return g.historyFallback(ctx, cred)
	}

	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, "", err
	}

	latest := start
	seen := make(map[string]bool)
	var refs []ItemRef

	err = g.retry(ctx, "history.list", func() error {
		latest = start
		seen = make(map[string]bool)
		refs = refs[:0]
		call := svc.Users.History.List("me").StartHistoryId(start).MaxResults(100)
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					refs = append(refs, ItemRef{ID: added.Message.Id, ThreadID: added.Message.ThreadId})
				}
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Cursor aged out of the provider's change log.
			return g.historyFallback(ctx, cred)
		}
		return nil, "", err
	}

	return refs, strconv.FormatUint(latest, 10), nil
}

// historyFallback rescans the most recent messages and re-anchors the
// cursor at the mailbox's current history id.
func (g *Gateway) historyFallback(ctx context.Context, cred *credentials.Credential) ([]ItemRef, string, error) {
	refs, err := g.ListRecent(ctx, cred, 20)
	if err != nil {
		return nil, "", err
	}
	_, historyID, err := g.Profile(ctx, cred)
	if err != nil {
		return nil, "", err
	}
	return refs, strconv.FormatUint(historyID, 10), nil
}

// RegisterWatch starts (or renews) push notifications for the INBOX into
// the configured Pub/Sub topic.
func (g *Gateway) RegisterWatch(ctx context.Context, cred *credentials.Credential) (*Watch, error) {
	if g.Topic == "" {
		return nil, fmt.Errorf("gmail: no push topic configured")
	}

	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var resp *gmail.WatchResponse
	err = g.retry(ctx, "watch", func() error {
		var err error
		resp, err = svc.Users.Watch("me", &gmail.WatchRequest{
			LabelIds:  []string{"INBOX"},
			TopicName: g.Topic,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Watch{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// Profile returns the mailbox address and its current history id.
func (g *Gateway) Profile(ctx context.Context, cred *credentials.Credential) (string, uint64, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return "", 0, err
	}

	var profile *gmail.Profile
	err = g.retry(ctx, "getProfile", func() error {
		var err error
		profile, err = svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", 0, err
	}
	return profile.EmailAddress, profile.HistoryId, nil
}

// retry runs fn, retrying rate-limited calls with capped exponential
// backoff plus jitter, and maps provider errors to the package taxonomy.
func (g *Gateway) retry(ctx context.Context, op string, fn func() error) error {
	delay := g.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		err = mapError(err)
		if !errors.Is(err, ErrRateLimited) || attempt >= g.MaxAttempts {
			return err
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		g.Log.WithFields(logrus.Fields{"op": op, "attempt": attempt, "sleep": sleep}).
			Warn("gmail rate limited, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > g.MaxDelay {
			delay = g.MaxDelay
		}
	}
}

func mapError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, gerr.Message)
	case http.StatusForbidden:
		if isRateLimitReason(gerr) {
			return fmt.Errorf("%w: %v", ErrRateLimited, gerr.Message)
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, gerr.Message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, gerr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, gerr.Message)
	}
	return err
}

// Gmail reports per-user quota exhaustion as 403 with a rate-limit reason.
func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(gerr.Message, "rateLimitExceeded") ||
		strings.Contains(gerr.Message, "userRateLimitExceeded")
}
