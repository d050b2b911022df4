// Package notify fans mirror change events out to live client sessions.
// Delivery is best-effort and at-most-once: a session that is not connected
// at publish time never sees the event, and a stalled session drops events
// rather than blocking the publisher.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	EventNewEmail     = "new_email"
	EventEmailUpdated = "email_updated"
	EventFlagChanged  = "flag_changed"
)

// sessionBuffer bounds how many undelivered events a slow session may hold.
const sessionBuffer = 16

// MailSummary is the minimal projection of an email carried in an event.
type MailSummary struct {
	ID        int64  `json:"id"`
	GmailID   string `json:"gmail_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Subject   string `json:"subject"`
	FromEmail string `json:"from_email"`
	Snippet   string `json:"snippet,omitempty"`
	IsRead    bool   `json:"is_read"`
	IsStarred bool   `json:"is_starred"`
}

// Event describes one mirror mutation.
type Event struct {
	Kind string      `json:"type"`
	Data MailSummary `json:"data"`
}

// Session is one live client connection. Receive events from C; the channel
// is closed on Unsubscribe.
type Session struct {
	ID     string
	UserID string
	C      chan Event
}

// Distributor tracks live sessions per user and delivers events to them.
type Distributor struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	log      *logrus.Logger
}

func NewDistributor(log *logrus.Logger) *Distributor {
	return &Distributor{
		sessions: make(map[string]map[*Session]struct{}),
		log:      log,
	}
}

// Subscribe registers a new live session for a user.
func (d *Distributor) Subscribe(userID string) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		C:      make(chan Event, sessionBuffer),
	}

	d.mu.Lock()
	if _, ok := d.sessions[userID]; !ok {
		d.sessions[userID] = make(map[*Session]struct{})
	}
	d.sessions[userID][s] = struct{}{}
	d.mu.Unlock()

	return s
}

// Unsubscribe removes a session and closes its channel. Safe to call once
// per session.
func (d *Distributor) Unsubscribe(s *Session) {
	d.mu.Lock()
	if set, ok := d.sessions[s.UserID]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(d.sessions, s.UserID)
			}
			close(s.C)
		}
	}
	d.mu.Unlock()
}

// Publish delivers an event to every live session for the user. A session
// whose buffer is full loses the event; Publish never blocks.
func (d *Distributor) Publish(userID string, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for s := range d.sessions[userID] {
		select {
		case s.C <- ev:
		default:
			d.log.WithFields(logrus.Fields{"user_id": userID, "session": s.ID, "kind": ev.Kind}).
				Warn("dropping event for stalled session")
		}
	}
}

// SessionCount reports the number of live sessions for a user.
func (d *Distributor) SessionCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions[userID])
}
