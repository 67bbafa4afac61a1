// Package queue holds notifications for offline users and retries failed
// deliveries with exponential backoff until they succeed, expire, or run
// out of attempts.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notigate/internal/delivery"
	"notigate/internal/eventbus"
	"notigate/internal/metrics"
	"notigate/internal/presence"
	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

// Priority orders queued notifications and selects their default lifetime.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// DefaultTTL is how long a notification of this priority waits for its
// recipient before it is dropped.
func (p Priority) DefaultTTL() time.Duration {
	switch p {
	case PriorityCritical:
		return 7 * 24 * time.Hour
	case PriorityHigh:
		return 3 * 24 * time.Hour
	case PriorityLow:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Notification is one pending delivery.
type Notification struct {
	ID       string
	UserID   string
	Kind     string
	Title    string
	Body     string
	Data     map[string]string
	Priority Priority

	CreatedAt    time.Time
	AttemptCount int
	MaxAttempts  int
	NextRetryAt  time.Time
	ExpiresAt    time.Time
	LastError    string
}

// ConversationKey is the Data key carrying the conversation a message
// notification belongs to; deliveries are suppressed while the recipient
// is actively viewing that conversation.
const ConversationKey = "conversation_id"

type Config struct {
	MaxAttempts int           // per-notification retry budget, default 5
	BackoffCap  time.Duration // upper bound on retry backoff, default 6h

	// Expiry overrides the per-priority default lifetime.
	Expiry map[Priority]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 6 * time.Hour
	}
	return c
}

func (c Config) ttl(p Priority) time.Duration {
	if d, ok := c.Expiry[p]; ok && d > 0 {
		return d
	}
	return p.DefaultTTL()
}

// backoff returns the wait after n failed attempts: 2^n minutes, capped.
// Both the enqueue and the retry path call it with the post-failure
// AttemptCount, so the schedule is 2m, 4m, 8m, ...
func backoff(n int, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 20 {
		return limit
	}
	d := time.Duration(int64(1)<<uint(n)) * time.Minute
	if d > limit {
		return limit
	}
	return d
}

// userQueue is a max-heap: higher priority first, older first within a
// priority.
type userQueue struct {
	items []*Notification
}

func (q *userQueue) Len() int { return len(q.items) }
func (q *userQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
func (q *userQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *userQueue) Push(x any)    { q.items = append(q.items, x.(*Notification)) }
func (q *userQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

// Sender is the slice of the provider router the queue needs.
type Sender interface {
	SendWithPreferences(ctx context.Context, userID, kind, title, body string, data map[string]string) error
}

// Queue owns the per-user pending heaps. All entry points are safe for
// concurrent use; per-user drains are single-flight.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	users    map[string]*userQueue
	inFlight map[string]struct{}
	depth    int

	sender  Sender
	tracker *presence.Tracker
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	stats statCounters

	now func() time.Time
}

type Option func(*Queue)

func WithStore(st storage.Store) Option {
	return func(q *Queue) { q.store = st }
}

func WithBus(b eventbus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

func New(cfg Config, sender Sender, tracker *presence.Tracker, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg:      cfg.withDefaults(),
		users:    map[string]*userQueue{},
		inFlight: map[string]struct{}{},
		sender:   sender,
		tracker:  tracker,
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Apply swaps retry/expiry settings. Already-queued entries keep the
// expiry stamped at enqueue time.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// Enqueue attempts immediate delivery when the recipient is online and
// falls back to queueing. A notification for a conversation the recipient
// is actively viewing is suppressed outright.
func (q *Queue) Enqueue(ctx context.Context, n Notification) error {
	q.normalize(&n)

	if conv := n.Data[ConversationKey]; conv != "" && q.tracker.IsActiveInConversation(n.UserID, conv) {
		q.stats.suppressed.Add(1)
		q.publish("notify.suppressed", n)
		q.log.Debug("suppressed for active conversation",
			logx.String("user", n.UserID), logx.String("conversation", conv))
		return nil
	}

	if q.tracker.IsOnline(n.UserID) {
		err := q.sender.SendWithPreferences(ctx, n.UserID, n.Kind, n.Title, n.Body, n.Data)
		switch {
		case err == nil:
			q.stats.delivered.Add(1)
			metrics.NotifyDelivered.Inc()
			q.publish("notify.delivered", n)
			return nil
		case errIsDrop(err):
			// Vetoed or permanently undeliverable; queueing cannot help.
			q.publish("notify.dropped", n)
			return nil
		default:
			q.stats.failedSends.Add(1)
			metrics.NotifyFailedSends.Inc()
			n.AttemptCount = 1
			n.LastError = err.Error()
			n.NextRetryAt = q.now().Add(backoff(n.AttemptCount, q.backoffCap()))
		}
	}

	q.push(&n)
	q.stats.queued.Add(1)
	metrics.NotifyQueued.Inc()
	q.publish("notify.queued", n)
	q.persist(ctx, &n)
	return nil
}

// DrainUser delivers everything due for one user. Called on the online
// transition and from the dispatcher tick. Concurrent drains for the same
// user coalesce into one.
func (q *Queue) DrainUser(ctx context.Context, userID string) {
	if !q.acquire(userID) {
		return
	}
	defer q.release(userID)

	items := q.takeAll(userID)
	if len(items) == 0 {
		return
	}

	now := q.now()
	var keep []*Notification
	for i, n := range items {
		if ctx.Err() != nil {
			// Shutdown mid-drain: everything not yet handled stays queued.
			keep = append(keep, items[i:]...)
			break
		}
		switch {
		case now.After(n.ExpiresAt):
			q.drop(ctx, n, "notify.expired", &q.stats.expired, metrics.NotifyExpired)
		case n.NextRetryAt.After(now):
			keep = append(keep, n)
		case !q.tracker.IsOnline(userID):
			keep = append(keep, n)
		default:
			if done := q.attempt(ctx, n); !done {
				keep = append(keep, n)
			}
		}
	}
	q.putBack(userID, keep)
}

// attempt runs one delivery try. Returns true when the notification is
// finished (delivered or dropped) and must not be requeued.
func (q *Queue) attempt(ctx context.Context, n *Notification) bool {
	err := q.sender.SendWithPreferences(ctx, n.UserID, n.Kind, n.Title, n.Body, n.Data)
	if err == nil {
		q.stats.delivered.Add(1)
		metrics.NotifyDelivered.Inc()
		q.publish("notify.delivered", *n)
		q.unpersist(ctx, n.ID)
		return true
	}
	if errIsDrop(err) {
		q.publish("notify.dropped", *n)
		q.unpersist(ctx, n.ID)
		return true
	}

	q.stats.failedSends.Add(1)
	metrics.NotifyFailedSends.Inc()
	n.AttemptCount++
	n.LastError = err.Error()
	if n.AttemptCount >= n.MaxAttempts {
		q.drop(ctx, n, "notify.exhausted", &q.stats.exhausted, metrics.NotifyExhausted)
		return true
	}
	n.NextRetryAt = q.now().Add(backoff(n.AttemptCount, q.backoffCap()))
	q.persist(ctx, n)
	return false
}

// Sweep drops expired entries across all users without attempting
// delivery. Run from the hourly maintenance job.
func (q *Queue) Sweep(ctx context.Context) int {
	now := q.now()

	q.mu.Lock()
	var expired []*Notification
	for uid, uq := range q.users {
		kept := uq.items[:0]
		for _, n := range uq.items {
			if now.After(n.ExpiresAt) {
				expired = append(expired, n)
			} else {
				kept = append(kept, n)
			}
		}
		uq.items = kept
		if len(kept) == 0 {
			delete(q.users, uid)
		} else {
			heap.Init(uq)
		}
	}
	q.depth -= len(expired)
	metrics.QueueDepth.Set(float64(q.depth))
	q.mu.Unlock()

	for _, n := range expired {
		q.stats.expired.Add(1)
		metrics.NotifyExpired.Inc()
		q.publish("notify.expired", *n)
		q.unpersist(ctx, n.ID)
	}
	return len(expired)
}

// UsersWithDue lists users holding at least one entry ready to retry.
func (q *Queue) UsersWithDue() []string {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for uid, uq := range q.users {
		for _, n := range uq.items {
			if !n.NextRetryAt.After(now) {
				out = append(out, uid)
				break
			}
		}
	}
	return out
}

// Depth returns the number of queued notifications.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// PendingFor returns how many entries wait for one user.
func (q *Queue) PendingFor(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if uq := q.users[userID]; uq != nil {
		return len(uq.items)
	}
	return 0
}

// Restore reloads persisted entries at startup. Already-expired records
// are dropped on the spot.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	recs, err := q.store.LoadPending(ctx)
	if err != nil {
		return err
	}
	now := q.now()
	restored := 0
	for _, rec := range recs {
		n := fromRecord(rec)
		if now.After(n.ExpiresAt) {
			q.stats.expired.Add(1)
			metrics.NotifyExpired.Inc()
			q.unpersist(ctx, n.ID)
			continue
		}
		q.push(n)
		restored++
	}
	if restored > 0 {
		q.log.Info("restored pending notifications", logx.Int("count", restored))
	}
	return nil
}

func (q *Queue) normalize(n *Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := q.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	q.mu.Lock()
	cfg := q.cfg
	q.mu.Unlock()
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = cfg.MaxAttempts
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.CreatedAt.Add(cfg.ttl(n.Priority))
	}
}

func (q *Queue) backoffCap() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.BackoffCap
}

func (q *Queue) push(n *Notification) {
	q.mu.Lock()
	uq := q.users[n.UserID]
	if uq == nil {
		uq = &userQueue{}
		q.users[n.UserID] = uq
	}
	heap.Push(uq, n)
	q.depth++
	metrics.QueueDepth.Set(float64(q.depth))
	q.mu.Unlock()
}

// takeAll removes and returns the user's entries in heap order, leaving
// the slot empty for the duration of the drain.
func (q *Queue) takeAll(userID string) []*Notification {
	q.mu.Lock()
	uq := q.users[userID]
	if uq == nil || len(uq.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	delete(q.users, userID)
	q.depth -= len(uq.items)
	metrics.QueueDepth.Set(float64(q.depth))
	q.mu.Unlock()

	out := make([]*Notification, 0, uq.Len())
	for uq.Len() > 0 {
		out = append(out, heap.Pop(uq).(*Notification))
	}
	return out
}

func (q *Queue) putBack(userID string, items []*Notification) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	uq := q.users[userID]
	if uq == nil {
		uq = &userQueue{}
		q.users[userID] = uq
	}
	for _, n := range items {
		heap.Push(uq, n)
	}
	q.depth += len(items)
	metrics.QueueDepth.Set(float64(q.depth))
	q.mu.Unlock()
}

func (q *Queue) acquire(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[userID]; busy {
		return false
	}
	q.inFlight[userID] = struct{}{}
	return true
}

func (q *Queue) release(userID string) {
	q.mu.Lock()
	delete(q.inFlight, userID)
	q.mu.Unlock()
}

func (q *Queue) drop(ctx context.Context, n *Notification, event string, c *atomic.Uint64, m interface{ Inc() }) {
	c.Add(1)
	m.Inc()
	q.publish(event, *n)
	q.log.Debug("notification dropped",
		logx.String("event", event), logx.String("user", n.UserID), logx.String("id", n.ID))
	q.unpersist(ctx, n.ID)
}

func (q *Queue) publish(typ string, n Notification) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"id":       n.ID,
		"user":     n.UserID,
		"kind":     n.Kind,
		"priority": n.Priority.String(),
	}})
}

func (q *Queue) persist(ctx context.Context, n *Notification) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveNotification(ctx, toRecord(n)); err != nil {
		q.log.Warn("persist notification failed", logx.String("id", n.ID), logx.Err(err))
	}
}

func (q *Queue) unpersist(ctx context.Context, id string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteNotification(ctx, id); err != nil {
		q.log.Warn("delete persisted notification failed", logx.String("id", id), logx.Err(err))
	}
}

// errIsDrop reports whether err means the notification can never succeed
// and must not be requeued.
func errIsDrop(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, delivery.ErrVetoed) || delivery.IsPermanent(err)
}

func toRecord(n *Notification) storage.NotificationRecord {
	var dataJSON string
	if len(n.Data) > 0 {
		if b, err := json.Marshal(n.Data); err == nil {
			dataJSON = string(b)
		}
	}
	return storage.NotificationRecord{
		ID:           n.ID,
		UserID:       n.UserID,
		Kind:         n.Kind,
		Title:        n.Title,
		Body:         n.Body,
		DataJSON:     dataJSON,
		Priority:     int(n.Priority),
		CreatedAt:    n.CreatedAt,
		AttemptCount: n.AttemptCount,
		MaxAttempts:  n.MaxAttempts,
		NextRetryAt:  n.NextRetryAt,
		ExpiresAt:    n.ExpiresAt,
		LastError:    n.LastError,
	}
}

func fromRecord(rec storage.NotificationRecord) *Notification {
	n := &Notification{
		ID:           rec.ID,
		UserID:       rec.UserID,
		Kind:         rec.Kind,
		Title:        rec.Title,
		Body:         rec.Body,
		Priority:     Priority(rec.Priority),
		CreatedAt:    rec.CreatedAt,
		AttemptCount: rec.AttemptCount,
		MaxAttempts:  rec.MaxAttempts,
		NextRetryAt:  rec.NextRetryAt,
		ExpiresAt:    rec.ExpiresAt,
		LastError:    rec.LastError,
	}
	if rec.DataJSON != "" {
		_ = json.Unmarshal([]byte(rec.DataJSON), &n.Data)
	}
	return n
}
