package mailstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testItem(userID, gmailID string, historyID uint64) *MailItem {
	return &MailItem{
		UserID:       userID,
		GmailID:      gmailID,
		ThreadID:     "thread-" + gmailID,
		Subject:      "Subject " + gmailID,
		FromEmail:    "sender@example.com",
		ToEmail:      "user@example.com",
		Snippet:      "snippet",
		BodyText:     "body",
		ReadableDate: time.Now().UTC().Truncate(time.Second),
		HistoryID:    historyID,
		SizeEstimate: 1024,
		Labels:       []string{"INBOX", "UNREAD"},
	}
}

func TestUpsertInsertThenUnchanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, id, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)
	assert.NotZero(t, id)

	// Same provider change indicator: converges without a write.
	outcome, id2, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)
	assert.Equal(t, id, id2)
}

func TestUpsertContentRefreshPreservesFlags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, id, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)

	_, changed, err := store.SetFlag(ctx, "u1", id, FlagStarred, true)
	require.NoError(t, err)
	require.True(t, changed)
	_, _, err = store.SetFlag(ctx, "u1", id, FlagRead, true)
	require.NoError(t, err)

	refreshed := testItem("u1", "g1", 11)
	refreshed.Subject = "Edited subject"
	outcome, id2, err := store.Upsert(ctx, refreshed)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, id, id2)

	item, err := store.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "Edited subject", item.Subject)
	assert.True(t, item.IsStarred, "user flag must survive a content refresh")
	assert.True(t, item.IsRead)
}

func TestUpsertDeletionDominant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, id, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)

	deleted := testItem("u1", "g1", 11)
	deleted.IsDeleted = true
	outcome, _, err := store.Upsert(ctx, deleted)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	// A later observation without the deletion does not resurrect the row.
	outcome, _, err = store.Upsert(ctx, testItem("u1", "g1", 12))
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	item, err := store.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, item.IsDeleted)
}

func TestUpsertDeletionAtSameHistoryStillApplies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, id, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)

	deleted := testItem("u1", "g1", 10)
	deleted.IsDeleted = true
	outcome, _, err := store.Upsert(ctx, deleted)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	item, err := store.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, item.IsDeleted)
}

func TestConcurrentUpsertsConvergeToOneRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Upsert(ctx, testItem("u1", "g-race", 10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int
	err := store.DB.QueryRow(`SELECT COUNT(*) FROM emails WHERE user_id = ? AND gmail_id = ?`, "u1", "g-race").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetScopedToUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, id, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)

	_, err = store.Get(ctx, "u2", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetFlagNotFound(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.SetFlag(context.Background(), "u1", 999, FlagRead, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetFlagReportsChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, id, err := store.Upsert(ctx, testItem("u1", "g1", 10))
	require.NoError(t, err)

	item, changed, err := store.SetFlag(ctx, "u1", id, FlagRead, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, item.IsRead)

	_, changed, err = store.SetFlag(ctx, "u1", id, FlagRead, true)
	require.NoError(t, err)
	assert.False(t, changed, "setting the same value again is a no-op")
}

func TestListPaginationAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		item := testItem("u1", "g"+string(rune('a'+i)), uint64(i+1))
		item.ReadableDate = base.Add(time.Duration(i) * time.Minute)
		_, id, err := store.Upsert(ctx, item)
		require.NoError(t, err)
		if i == 0 {
			_, _, err = store.SetFlag(ctx, "u1", id, FlagRead, true)
			require.NoError(t, err)
		}
		if i == 4 {
			_, _, err = store.SetFlag(ctx, "u1", id, FlagDeleted, true)
			require.NoError(t, err)
		}
	}

	items, total, unread, err := store.List(ctx, "u1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 4, total, "soft-deleted rows are excluded")
	assert.Equal(t, 3, unread)

	// Newest first.
	assert.True(t, items[0].ReadableDate.After(items[1].ReadableDate))

	rest, _, _, err := store.List(ctx, "u1", 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestOutboxRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueEvent(ctx, "user.u1.mail.new_email", "new_email", []byte(`{}`), "msg-1"))
	// Duplicate msg ids are dropped so replays never double-publish.
	require.NoError(t, store.EnqueueEvent(ctx, "user.u1.mail.new_email", "new_email", []byte(`{}`), "msg-1"))
	require.NoError(t, store.EnqueueEvent(ctx, "user.u1.mail.new_email", "new_email", []byte(`{}`), "msg-2"))

	messages, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	require.NoError(t, store.MarkPublished(ctx, messages[0].ID))
	require.NoError(t, store.MarkRetry(ctx, messages[1].ID, time.Hour))

	messages, err = store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages, "published and deferred messages are not due")
}

func TestWatchLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w, err := store.GetWatch(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, w)

	require.NoError(t, store.SaveWatch(ctx, Watch{
		UserID:     "u1",
		HistoryID:  100,
		Expiration: time.Now().Add(2 * time.Hour).UTC(),
	}))

	w, err = store.GetWatch(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, uint64(100), w.HistoryID)

	require.NoError(t, store.UpdateWatchCursor(ctx, "u1", 150))
	w, err = store.GetWatch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), w.HistoryID)

	expiring, err := store.ExpiringWatches(ctx, 12*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "u1", expiring[0].UserID)

	expiring, err = store.ExpiringWatches(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expiring)
}
