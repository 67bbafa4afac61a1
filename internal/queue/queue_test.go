package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notigate/internal/delivery"
	"notigate/internal/presence"
	logx "notigate/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSender records sends and fails on demand.
type fakeSender struct {
	mu       sync.Mutex
	sent     []string // "userID/kind"
	failWith error
}

func (s *fakeSender) SendWithPreferences(_ context.Context, userID, kind, _, _ string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, userID+"/"+kind)
	return s.failWith
}

func (s *fakeSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) sentKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSender) setFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeSender, *presence.Tracker, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	sender := &fakeSender{}
	tracker := presence.New(logx.Nop())
	q := New(cfg, sender, tracker, logx.Nop())
	q.now = clk.now
	return q, sender, tracker, clk
}

func TestEnqueueOfflineQueuesWithoutSending(t *testing.T) {
	t.Parallel()
	q, sender, _, _ := newTestQueue(t, Config{})

	if err := q.Enqueue(context.Background(), Notification{UserID: "u1", Kind: "mention"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sender.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0 for offline recipient", sender.sendCount())
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}
}

func TestEnqueueOnlineDeliversImmediately(t *testing.T) {
	t.Parallel()
	q, sender, tracker, _ := newTestQueue(t, Config{})
	tracker.MarkOnline("u1", presence.ConnSocket)

	if err := q.Enqueue(context.Background(), Notification{UserID: "u1", Kind: "mention"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sender.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", sender.sendCount())
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0 after immediate delivery", q.Depth())
	}
	if st := q.Snapshot(); st.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", st.Delivered)
	}
}

func TestEnqueueImmediateFailureQueuesWithBackoff(t *testing.T) {
	t.Parallel()
	q, sender, tracker, clk := newTestQueue(t, Config{})
	tracker.MarkOnline("u1", presence.ConnSocket)
	sender.setFailure(errors.New("gateway down"))

	if err := q.Enqueue(context.Background(), Notification{UserID: "u1", Kind: "mention"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1 after failed immediate attempt", q.Depth())
	}

	items := q.takeAll("u1")
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	n := items[0]
	if n.AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", n.AttemptCount)
	}
	want := clk.now().Add(2 * time.Minute)
	if !n.NextRetryAt.Equal(want) {
		t.Fatalf("next retry = %v, want %v (backoff(1) after the first failure)", n.NextRetryAt, want)
	}
	q.putBack("u1", items)

	// The next failed attempt continues the same schedule: backoff(2) = 4m.
	clk.advance(2 * time.Minute)
	q.DrainUser(context.Background(), "u1")
	items = q.takeAll("u1")
	if len(items) != 1 {
		t.Fatalf("items after retry = %d, want 1", len(items))
	}
	n = items[0]
	if n.AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", n.AttemptCount)
	}
	want = clk.now().Add(4 * time.Minute)
	if !n.NextRetryAt.Equal(want) {
		t.Fatalf("next retry = %v, want %v (backoff(2) after the second failure)", n.NextRetryAt, want)
	}
}

func TestActiveConversationSuppresses(t *testing.T) {
	t.Parallel()
	q, sender, tracker, _ := newTestQueue(t, Config{})
	tracker.MarkOnline("u1", presence.ConnSocket)
	tracker.SetActiveConversation("u1", "c1")

	err := q.Enqueue(context.Background(), Notification{
		UserID: "u1", Kind: "message",
		Data: map[string]string{ConversationKey: "c1"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sender.sendCount() != 0 {
		t.Fatal("viewer of the conversation must not be notified")
	}
	if q.Depth() != 0 {
		t.Fatal("suppressed notification must not be queued")
	}
	if st := q.Snapshot(); st.Suppressed != 1 {
		t.Fatalf("suppressed = %d, want 1", st.Suppressed)
	}

	// A different conversation still goes through.
	err = q.Enqueue(context.Background(), Notification{
		UserID: "u1", Kind: "message",
		Data: map[string]string{ConversationKey: "c2"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sender.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", sender.sendCount())
	}
}

func TestDrainDeliversPriorityOrder(t *testing.T) {
	t.Parallel()
	q, sender, tracker, _ := newTestQueue(t, Config{})

	ctx := context.Background()
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "low", Priority: PriorityLow})
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "critical", Priority: PriorityCritical})
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "normal", Priority: PriorityNormal})

	tracker.MarkOnline("u1", presence.ConnSocket)
	q.DrainUser(ctx, "u1")

	got := sender.sentKinds()
	want := []string{"u1/critical", "u1/normal", "u1/low"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0 after full drain", q.Depth())
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	limit := 6 * time.Hour
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{8, 256 * time.Minute},
		{9, limit}, // 512m > 6h
		{30, limit},
	}
	for _, tt := range tests {
		if got := backoff(tt.n, limit); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	q, sender, tracker, clk := newTestQueue(t, Config{MaxAttempts: 2})
	sender.setFailure(errors.New("still down"))
	tracker.MarkOnline("u1", presence.ConnSocket)

	ctx := context.Background()
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "mention"})
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}

	// Second (and final) attempt.
	clk.advance(2 * time.Minute)
	q.DrainUser(ctx, "u1")

	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0 after exhaustion", q.Depth())
	}
	st := q.Snapshot()
	if st.Exhausted != 1 {
		t.Fatalf("exhausted = %d, want 1", st.Exhausted)
	}
	if st.Expired != 0 {
		t.Fatalf("expired = %d, want 0 (never double-counted)", st.Expired)
	}
}

func TestExpiredDroppedWithoutAttempt(t *testing.T) {
	t.Parallel()
	q, sender, tracker, clk := newTestQueue(t, Config{})

	ctx := context.Background()
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "digest", Priority: PriorityLow})

	clk.advance(7 * time.Hour) // past the 6h low-priority lifetime
	tracker.MarkOnline("u1", presence.ConnSocket)
	q.DrainUser(ctx, "u1")

	if sender.sendCount() != 0 {
		t.Fatal("expired entry must be dropped without a delivery attempt")
	}
	st := q.Snapshot()
	if st.Expired != 1 || st.Exhausted != 0 {
		t.Fatalf("expired/exhausted = %d/%d, want 1/0", st.Expired, st.Exhausted)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0", q.Depth())
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	t.Parallel()
	q, _, _, clk := newTestQueue(t, Config{})

	ctx := context.Background()
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "a", Priority: PriorityLow})
	_ = q.Enqueue(ctx, Notification{UserID: "u2", Kind: "b", Priority: PriorityCritical})

	clk.advance(7 * time.Hour)
	if dropped := q.Sweep(ctx); dropped != 1 {
		t.Fatalf("dropped = %d, want 1 (only the low-priority entry)", dropped)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}
	if q.PendingFor("u2") != 1 {
		t.Fatal("critical entry must survive the sweep")
	}
}

func TestVetoDropsWithoutRequeue(t *testing.T) {
	t.Parallel()
	q, _, tracker, _ := newTestQueue(t, Config{})

	ctx := context.Background()
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "mention"})

	qsender := q.sender.(*fakeSender)
	qsender.setFailure(delivery.ErrVetoed)
	tracker.MarkOnline("u1", presence.ConnSocket)
	q.DrainUser(ctx, "u1")

	if q.Depth() != 0 {
		t.Fatal("vetoed notification must not be requeued")
	}
	st := q.Snapshot()
	if st.Exhausted != 0 || st.Expired != 0 {
		t.Fatalf("exhausted/expired = %d/%d, want 0/0", st.Exhausted, st.Expired)
	}
}

func TestPermanentFailureDropsWithoutRequeue(t *testing.T) {
	t.Parallel()
	q, sender, tracker, _ := newTestQueue(t, Config{})
	sender.setFailure(delivery.Permanent(errors.New("revoked token")))
	tracker.MarkOnline("u1", presence.ConnSocket)

	_ = q.Enqueue(context.Background(), Notification{UserID: "u1", Kind: "mention"})
	if q.Depth() != 0 {
		t.Fatal("permanently undeliverable notification must not be queued")
	}
}

func TestDrainSingleFlight(t *testing.T) {
	t.Parallel()
	q, sender, tracker, _ := newTestQueue(t, Config{})
	tracker.MarkOnline("u1", presence.ConnSocket)

	ctx := context.Background()
	sender.setFailure(errors.New("down"))
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "mention"})
	sender.setFailure(nil)

	if !q.acquire("u1") {
		t.Fatal("acquire should succeed")
	}
	before := sender.sendCount()
	q.DrainUser(ctx, "u1") // coalesces with the held drain slot
	if sender.sendCount() != before {
		t.Fatal("concurrent drain for the same user must be a no-op")
	}
	q.release("u1")
}

func TestOfflineUserKeepsBacklog(t *testing.T) {
	t.Parallel()
	q, sender, _, _ := newTestQueue(t, Config{})

	ctx := context.Background()
	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "mention"})
	q.DrainUser(ctx, "u1")

	if sender.sendCount() != 0 {
		t.Fatal("offline user must not receive delivery attempts")
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1 (backlog retained)", q.Depth())
	}
}

func TestDispatcherDrainsOnOnlineTransition(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	sender := &fakeSender{}
	tracker := presence.New(logx.Nop())
	q := New(Config{}, sender, tracker, logx.Nop())
	q.now = clk.now

	d := NewDispatcher(DispatcherConfig{}, q, tracker, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(context.Background())

	_ = q.Enqueue(ctx, Notification{UserID: "u1", Kind: "mention"})
	tracker.MarkOnline("u1", presence.ConnSocket)

	deadline := time.Now().Add(2 * time.Second)
	for sender.sendCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1 (drain on reconnect)", sender.sendCount())
	}
}

func TestPriorityLifetimes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p    Priority
		want time.Duration
	}{
		{PriorityCritical, 7 * 24 * time.Hour},
		{PriorityHigh, 3 * 24 * time.Hour},
		{PriorityNormal, 24 * time.Hour},
		{PriorityLow, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := tt.p.DefaultTTL(); got != tt.want {
			t.Fatalf("DefaultTTL(%s) = %v, want %v", tt.p, got, tt.want)
		}
	}
}
