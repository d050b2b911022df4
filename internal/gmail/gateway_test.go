package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/amossohotra0/business-brain-backend/internal/credentials"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	g := NewGateway("projects/p/topics/mail", logger, option.WithEndpoint(ts.URL))
	g.BaseDelay = time.Millisecond
	g.MaxDelay = 4 * time.Millisecond
	return g
}

func testCred() *credentials.Credential {
	return &credentials.Credential{
		UserID:      "u1",
		AccessToken: "token",
		Expiry:      time.Now().Add(time.Hour),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func writeAPIError(w http.ResponseWriter, code int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"reason":%q,"message":%q}]}}`,
		code, message, reason, message)
}

func TestRetryRateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeAPIError(w, http.StatusTooManyRequests, "rateLimitExceeded", "Too many requests")
			return
		}
		writeJSON(t, w, &gmailapi.Profile{EmailAddress: "u1@example.com", HistoryId: 42})
	})

	email, historyID, err := g.Profile(context.Background(), testCred())
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", email)
	assert.Equal(t, uint64(42), historyID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusTooManyRequests, "rateLimitExceeded", "Too many requests")
	})

	_, _, err := g.Profile(context.Background(), testCred())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int64(g.MaxAttempts), calls.Load())
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		reason string
		want   error
	}{
		{"quota exhausted 403", http.StatusForbidden, "userRateLimitExceeded", ErrRateLimited},
		{"forbidden", http.StatusForbidden, "insufficientPermissions", ErrPermissionDenied},
		{"unauthorized", http.StatusUnauthorized, "authError", ErrPermissionDenied},
		{"missing message", http.StatusNotFound, "notFound", ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tc.code, tc.reason, tc.reason)
			})
			g.MaxAttempts = 1

			_, err := g.FetchFull(context.Background(), testCred(), "m1")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchFullNormalizesMessage(t *testing.T) {
	body := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }
	msg := &gmailapi.Message{
		Id:           "m1",
		ThreadId:     "t1",
		Snippet:      "a short preview",
		HistoryId:    77,
		InternalDate: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).UnixMilli(),
		SizeEstimate: 2048,
		LabelIds:     []string{"INBOX", "STARRED", "IMPORTANT"},
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "Quarterly report"},
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "u1@example.com"},
				{Name: "Message-ID", Value: "<abc@mail>"},
			},
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: body("plain body")}},
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: body("<p>html body</p>")}},
				{
					MimeType: "application/pdf",
					Filename: "report.pdf",
					Body:     &gmailapi.MessagePartBody{AttachmentId: "att-1", Size: 9000},
				},
			},
		},
	}

	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/messages/m1")
		writeJSON(t, w, msg)
	})

	item, err := g.FetchFull(context.Background(), testCred(), "m1")
	require.NoError(t, err)

	assert.Equal(t, "u1", item.UserID)
	assert.Equal(t, "m1", item.GmailID)
	assert.Equal(t, "t1", item.ThreadID)
	assert.Equal(t, "Quarterly report", item.Subject)
	assert.Equal(t, "alice@example.com", item.FromEmail)
	assert.Equal(t, "plain body", item.BodyText)
	assert.Equal(t, "<p>html body</p>", item.BodyHTML)
	assert.Equal(t, uint64(77), item.HistoryID)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), item.ReadableDate)

	require.Len(t, item.Attachments, 1)
	assert.Equal(t, "report.pdf", item.Attachments[0].Filename)
	assert.Equal(t, "att-1", item.Attachments[0].AttachmentID)
	assert.EqualValues(t, 9000, item.Attachments[0].Size)

	// UNREAD absent means read; flags come from labels.
	assert.True(t, item.IsRead)
	assert.True(t, item.IsStarred)
	assert.True(t, item.IsImportant)
	assert.False(t, item.IsDeleted)
}

func TestFetchFullDefaultsMissingHeaders(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &gmailapi.Message{
			Id: "m2", ThreadId: "t2", LabelIds: []string{"UNREAD", "TRASH"},
			Payload: &gmailapi.MessagePart{MimeType: "text/plain"},
		})
	})

	item, err := g.FetchFull(context.Background(), testCred(), "m2")
	require.NoError(t, err)
	assert.Equal(t, "(No Subject)", item.Subject)
	assert.Equal(t, "(Unknown Sender)", item.FromEmail)
	assert.False(t, item.IsRead)
	assert.True(t, item.IsDeleted)
}

func TestResolveHistoryDeduplicatesAndAdvancesCursor(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/history")
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		writeJSON(t, w, &gmailapi.ListHistoryResponse{
			History: []*gmailapi.History{
				{
					Id: 101,
					MessagesAdded: []*gmailapi.HistoryMessageAdded{
						{Message: &gmailapi.Message{Id: "m1", ThreadId: "t1"}},
						{Message: &gmailapi.Message{Id: "m2", ThreadId: "t2"}},
					},
				},
				{
					Id: 105,
					MessagesAdded: []*gmailapi.HistoryMessageAdded{
						// Same message reported twice across records.
						{Message: &gmailapi.Message{Id: "m2", ThreadId: "t2"}},
					},
				},
			},
		})
	})

	refs, cursor, err := g.ResolveHistory(context.Background(), testCred(), "100")
	require.NoError(t, err)
	assert.Equal(t, []ItemRef{{ID: "m1", ThreadID: "t1"}, {ID: "m2", ThreadID: "t2"}}, refs)
	assert.Equal(t, "105", cursor)
}

func TestResolveHistoryEmptyRangeKeepsCursor(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &gmailapi.ListHistoryResponse{})
	})

	refs, cursor, err := g.ResolveHistory(context.Background(), testCred(), "200")
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, "200", cursor)
}

func TestResolveHistoryExpiredCursorFallsBack(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/history"):
			writeAPIError(w, http.StatusNotFound, "notFound", "Start history ID is too old")
		case strings.HasSuffix(r.URL.Path, "/profile"):
			writeJSON(t, w, &gmailapi.Profile{EmailAddress: "u1@example.com", HistoryId: 500})
		case strings.HasSuffix(r.URL.Path, "/messages"):
			writeJSON(t, w, &gmailapi.ListMessagesResponse{
				Messages: []*gmailapi.Message{
					{Id: "m9", ThreadId: "t9"},
					{Id: "m8", ThreadId: "t8"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	refs, cursor, err := g.ResolveHistory(context.Background(), testCred(), "100")
	require.NoError(t, err)
	assert.Len(t, refs, 2)
	assert.Equal(t, "500", cursor, "cursor re-anchors at the mailbox's current history id")
}

func TestResolveHistoryUnusableCursorFallsBack(t *testing.T) {
	var historyCalled atomic.Bool
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/history"):
			historyCalled.Store(true)
			writeJSON(t, w, &gmailapi.ListHistoryResponse{})
		case strings.HasSuffix(r.URL.Path, "/profile"):
			writeJSON(t, w, &gmailapi.Profile{EmailAddress: "u1@example.com", HistoryId: 7})
		case strings.HasSuffix(r.URL.Path, "/messages"):
			writeJSON(t, w, &gmailapi.ListMessagesResponse{})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	for _, cursor := range []string{"", "not-a-number", "0"} {
		_, next, err := g.ResolveHistory(context.Background(), testCred(), cursor)
		require.NoError(t, err)
		assert.Equal(t, "7", next)
	}
	assert.False(t, historyCalled.Load(), "unusable cursors skip the history call entirely")
}

func TestRegisterWatch(t *testing.T) {
	expiration := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Millisecond)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/watch"))

		var req gmailapi.WatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"INBOX"}, req.LabelIds)
		assert.Equal(t, "projects/p/topics/mail", req.TopicName)

		writeJSON(t, w, &gmailapi.WatchResponse{
			HistoryId:  300,
			Expiration: expiration.UnixMilli(),
		})
	})

	watch, err := g.RegisterWatch(context.Background(), testCred())
	require.NoError(t, err)
	assert.Equal(t, uint64(300), watch.HistoryID)
	assert.Equal(t, expiration.UnixMilli(), watch.Expiration.UnixMilli())
}

func TestRegisterWatchRequiresTopic(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	g := NewGateway("", logger)

	_, err := g.RegisterWatch(context.Background(), testCred())
	assert.Error(t, err)
}
