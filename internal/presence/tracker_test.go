package presence

import (
	"sort"
	"sync"
	"testing"
	"time"

	logx "notigate/pkg/logx"
)

func TestOnlineTransitionFiresHookOnce(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())

	var mu sync.Mutex
	fired := 0
	tr.SetOnOnline(func(userID string) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	tr.MarkOnline("u1", ConnSocket)
	tr.MarkOnline("u1", ConnSocket) // heartbeat, not a transition
	tr.MarkOffline("u1")
	tr.MarkOnline("u1", ConnPoll)

	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 2 {
		t.Fatalf("hook fired %d times, want 2 (one per offline->online transition)", got)
	}
	if !tr.IsOnline("u1") {
		t.Fatal("IsOnline = false, want true")
	}
}

func TestMarkOfflineOnlyUpdatesState(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())
	tr.MarkOnline("u1", ConnSocket)
	tr.MarkOffline("u1")

	if tr.IsOnline("u1") {
		t.Fatal("IsOnline = true after MarkOffline")
	}
	if tr.LastSeen("u1").IsZero() {
		t.Fatal("LastSeen should be recorded on disconnect")
	}
}

func TestSingleActiveConversationInvariant(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())

	tr.SetActiveConversation("u1", "c1")
	if !tr.IsActiveInConversation("u1", "c1") {
		t.Fatal("u1 should be active in c1")
	}

	// Switching conversations evicts the previous membership.
	tr.SetActiveConversation("u1", "c2")
	if tr.IsActiveInConversation("u1", "c1") {
		t.Fatal("u1 still active in c1 after switching to c2")
	}
	if !tr.IsActiveInConversation("u1", "c2") {
		t.Fatal("u1 should be active in c2")
	}
	if got := tr.MembersOf("c1"); len(got) != 0 {
		t.Fatalf("c1 members = %v, want empty", got)
	}
}

func TestClearActiveConversationMatchesOnly(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())
	tr.SetActiveConversation("u1", "c1")

	// Mismatched clear is a no-op.
	tr.ClearActiveConversation("u1", "c2")
	if !tr.IsActiveInConversation("u1", "c1") {
		t.Fatal("mismatched clear must not evict")
	}

	tr.ClearActiveConversation("u1", "c1")
	if tr.IsActiveInConversation("u1", "c1") {
		t.Fatal("matching clear should evict")
	}
}

func TestMembersOf(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())
	tr.SetActiveConversation("u1", "c1")
	tr.SetActiveConversation("u2", "c1")
	tr.SetActiveConversation("u3", "c2")

	got := tr.MembersOf("c1")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("MembersOf(c1) = %v, want [u1 u2]", got)
	}
}

func TestRemoveAllForUser(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())
	tr.SetActiveConversation("u1", "c1")
	tr.RemoveAllForUser("u1")

	if tr.IsActiveInConversation("u1", "c1") {
		t.Fatal("u1 still active after RemoveAllForUser")
	}
	if got := tr.MembersOf("c1"); len(got) != 0 {
		t.Fatalf("c1 members = %v, want empty", got)
	}
}

func TestPruneIdleKeepsOnlineAndRecent(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())
	base := time.Unix(1_700_000_000, 0)
	now := base
	var mu sync.Mutex
	tr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	tr.MarkOnline("stale", ConnSocket)
	tr.MarkOffline("stale")
	tr.MarkOnline("online", ConnSocket)

	mu.Lock()
	now = base.Add(25 * time.Hour)
	mu.Unlock()

	tr.MarkOnline("fresh", ConnSocket)
	tr.MarkOffline("fresh")

	removed := tr.PruneIdle(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (only the stale offline record)", removed)
	}
	if !tr.IsOnline("online") {
		t.Fatal("online user must survive pruning")
	}
	if tr.LastSeen("fresh").IsZero() {
		t.Fatal("recently seen user must survive pruning")
	}
}

func TestCounts(t *testing.T) {
	t.Parallel()
	tr := New(logx.Nop())
	tr.MarkOnline("u1", ConnSocket)
	tr.MarkOnline("u2", ConnSocket)
	tr.MarkOffline("u2")

	online, tracked := tr.Counts()
	if online != 1 || tracked != 2 {
		t.Fatalf("Counts = (%d, %d), want (1, 2)", online, tracked)
	}
}
