package notify

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDistributor() *Distributor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewDistributor(logger)
}

func event(subject string) Event {
	return Event{Kind: EventNewEmail, Data: MailSummary{ID: 1, Subject: subject}}
}

func TestPublishDeliversToEverySession(t *testing.T) {
	d := newTestDistributor()

	s1 := d.Subscribe("u1")
	s2 := d.Subscribe("u1")
	defer d.Unsubscribe(s1)
	defer d.Unsubscribe(s2)

	d.Publish("u1", event("hello"))

	for _, s := range []*Session{s1, s2} {
		select {
		case ev := <-s.C:
			assert.Equal(t, "hello", ev.Data.Subject)
		case <-time.After(time.Second):
			t.Fatal("session did not receive event")
		}
	}
}

func TestPublishScopedToUser(t *testing.T) {
	d := newTestDistributor()

	mine := d.Subscribe("u1")
	other := d.Subscribe("u2")
	defer d.Unsubscribe(mine)
	defer d.Unsubscribe(other)

	d.Publish("u1", event("private"))

	require.Len(t, mine.C, 1)
	assert.Empty(t, other.C)
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	d := newTestDistributor()

	stalled := d.Subscribe("u1")
	defer d.Unsubscribe(stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far more events than the session buffer holds; Publish must
		// drop, not block.
		for i := 0; i < sessionBuffer*4; i++ {
			d.Publish("u1", event("flood"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled session")
	}

	assert.Equal(t, sessionBuffer, len(stalled.C))
}

func TestUnsubscribeClosesChannelAndIsolates(t *testing.T) {
	d := newTestDistributor()

	gone := d.Subscribe("u1")
	stays := d.Subscribe("u1")
	defer d.Unsubscribe(stays)

	d.Unsubscribe(gone)
	_, open := <-gone.C
	assert.False(t, open)

	// No replay for late or departed sessions; live ones still receive.
	d.Publish("u1", event("after"))
	require.Len(t, stays.C, 1)

	assert.Equal(t, 1, d.SessionCount("u1"))
}

func TestPublishWithoutSessionsIsNoop(t *testing.T) {
	d := newTestDistributor()
	d.Publish("nobody", event("void"))
	assert.Zero(t, d.SessionCount("nobody"))
}
