// Package presence tracks per-user connectivity and active-conversation
// state so the delivery pipeline can suppress redundant notifications and
// drain backlogs the moment a user reconnects.
package presence

import (
	"sync"
	"time"

	"notigate/internal/metrics"
	logx "notigate/pkg/logx"
)

// ConnectionKind names the transport a user last connected with.
type ConnectionKind string

const (
	ConnSocket  ConnectionKind = "socket"
	ConnPoll    ConnectionKind = "poll"
	ConnUnknown ConnectionKind = ""
)

// State is one user's connectivity record.
type State struct {
	UserID       string
	Online       bool
	LastSeenAt   time.Time
	LastConnKind ConnectionKind

	// ActiveConversation is the conversation the user is currently viewing,
	// or "" if none. At most one per user.
	ActiveConversation string
}

// Tracker is safe for concurrent use. One lock guards both the user state
// map and the conversation membership index; updates to the forward and
// reverse mappings are atomic with respect to each other.
type Tracker struct {
	mu     sync.RWMutex
	users  map[string]*State
	convos map[string]map[string]struct{} // conversationID -> member set

	log logx.Logger

	// onOnline fires after a user transitions offline→online, outside the
	// tracker lock. The offline queue registers its drain here.
	hookMu   sync.RWMutex
	onOnline func(userID string)

	now func() time.Time
}

func New(log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		users:  map[string]*State{},
		convos: map[string]map[string]struct{}{},
		log:    log,
		now:    time.Now,
	}
}

// SetOnOnline registers the hook invoked on each offline→online transition.
func (t *Tracker) SetOnOnline(fn func(userID string)) {
	t.hookMu.Lock()
	t.onOnline = fn
	t.hookMu.Unlock()
}

// MarkOnline records the user as connected and triggers the on-online hook
// when this is a genuine transition (not a repeated heartbeat).
func (t *Tracker) MarkOnline(userID string, kind ConnectionKind) {
	now := t.now()

	t.mu.Lock()
	st := t.users[userID]
	if st == nil {
		st = &State{UserID: userID}
		t.users[userID] = st
	}
	wasOnline := st.Online
	st.Online = true
	st.LastSeenAt = now
	st.LastConnKind = kind
	t.mu.Unlock()

	if !wasOnline {
		metrics.OnlineUsers.Inc()
		t.log.Debug("user online", logx.String("user", userID), logx.String("conn", string(kind)))
		t.hookMu.RLock()
		hook := t.onOnline
		t.hookMu.RUnlock()
		if hook != nil {
			hook(userID)
		}
	}
}

// MarkOffline records the disconnect. It only updates state; queued
// notifications stay queued until the user returns or they expire.
func (t *Tracker) MarkOffline(userID string) {
	now := t.now()

	t.mu.Lock()
	st := t.users[userID]
	wasOnline := st != nil && st.Online
	if st != nil {
		st.Online = false
		st.LastSeenAt = now
	}
	t.mu.Unlock()

	if wasOnline {
		metrics.OnlineUsers.Dec()
		t.log.Debug("user offline", logx.String("user", userID))
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	st := t.users[userID]
	online := st != nil && st.Online
	t.mu.RUnlock()
	return online
}

// LastSeen returns the user's last activity time, or a zero time for an
// unknown user.
func (t *Tracker) LastSeen(userID string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st := t.users[userID]; st != nil {
		return st.LastSeenAt
	}
	return time.Time{}
}

// SetActiveConversation records that userID is viewing conversationID,
// evicting any previous membership first. A user belongs to at most one
// conversation's active set at any instant.
func (t *Tracker) SetActiveConversation(userID, conversationID string) {
	if conversationID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.users[userID]
	if st == nil {
		st = &State{UserID: userID}
		t.users[userID] = st
	}
	if st.ActiveConversation == conversationID {
		return
	}
	t.evictLocked(userID, st.ActiveConversation)

	st.ActiveConversation = conversationID
	members := t.convos[conversationID]
	if members == nil {
		members = map[string]struct{}{}
		t.convos[conversationID] = members
	}
	members[userID] = struct{}{}
}

// ClearActiveConversation is a no-op unless conversationID matches the
// user's currently recorded conversation.
func (t *Tracker) ClearActiveConversation(userID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.users[userID]
	if st == nil || st.ActiveConversation != conversationID {
		return
	}
	t.evictLocked(userID, conversationID)
	st.ActiveConversation = ""
}

func (t *Tracker) IsActiveInConversation(userID, conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.users[userID]
	return st != nil && st.ActiveConversation != "" && st.ActiveConversation == conversationID
}

// MembersOf returns the users currently viewing conversationID.
func (t *Tracker) MembersOf(conversationID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := t.convos[conversationID]
	out := make([]string, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	return out
}

// RemoveAllForUser clears the user's conversation membership on disconnect.
func (t *Tracker) RemoveAllForUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	if st == nil {
		return
	}
	t.evictLocked(userID, st.ActiveConversation)
	st.ActiveConversation = ""
}

// evictLocked removes userID from conv's member set. Caller holds t.mu.
func (t *Tracker) evictLocked(userID, conv string) {
	if conv == "" {
		return
	}
	if members := t.convos[conv]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.convos, conv)
		}
	}
}

// Counts returns (online, tracked) user counts for the stats surface.
func (t *Tracker) Counts() (online, tracked int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, st := range t.users {
		if st.Online {
			online++
		}
	}
	return online, len(t.users)
}

// PruneIdle removes offline records whose last activity is older than the
// retention window. Called from the hourly maintenance sweep.
func (t *Tracker) PruneIdle(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := t.now().Add(-retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, st := range t.users {
		if st.Online || st.LastSeenAt.After(cutoff) {
			continue
		}
		t.evictLocked(id, st.ActiveConversation)
		delete(t.users, id)
		removed++
	}
	return removed
}
