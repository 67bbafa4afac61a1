package socket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notigate/internal/delivery"
	logx "notigate/pkg/logx"
)

func TestSendToAbsentUserIsUnreachable(t *testing.T) {
	t.Parallel()
	p := NewProvider(NewHub(), logx.Nop())

	err := p.Send(context.Background(), "ghost", "t", "b", nil)
	if !errors.Is(err, delivery.ErrRecipientUnreachable) {
		t.Fatalf("err = %v, want ErrRecipientUnreachable", err)
	}
}

func TestSendToClosedConnIsUnreachable(t *testing.T) {
	t.Parallel()
	h := NewHub()
	p := NewProvider(h, logx.Nop())

	c := newConn("u1", nil)
	h.Set("u1", c)
	c.Close()
	c.Close() // idempotent

	err := p.Send(context.Background(), "u1", "t", "b", nil)
	if !errors.Is(err, delivery.ErrRecipientUnreachable) {
		t.Fatalf("err = %v, want ErrRecipientUnreachable", err)
	}
}

func TestBackpressureIsPerRecipient(t *testing.T) {
	t.Parallel()
	h := NewHub()
	p := NewProvider(h, logx.Nop())
	ctx := context.Background()

	h.Set("u1", newConn("u1", nil))
	for i := 0; i < outboundQueue; i++ {
		if err := p.Send(ctx, "u1", "t", "b", nil); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}

	err := p.Send(ctx, "u1", "t", "b", nil)
	if !errors.Is(err, delivery.ErrRecipientUnreachable) {
		t.Fatalf("full queue: err = %v, want ErrRecipientUnreachable", err)
	}
	if !p.IsAvailable(ctx) {
		t.Fatal("one slow client must not mark the gateway down")
	}
}

// A user disconnecting while a send is in flight used to close the
// outbound channel under a concurrent sender and crash the process.
func TestSendRacingTeardownDoesNotPanic(t *testing.T) {
	t.Parallel()
	h := NewHub()
	p := NewProvider(h, logx.Nop())
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = p.Send(ctx, "u1", "t", "b", nil)
				}
			}
		}()
	}

	// Churn connect/teardown the way the read loop does on disconnect.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		c := newConn("u1", nil)
		if prev := h.Set("u1", c); prev != nil {
			prev.Close()
		}
		if h.Del("u1", c) {
			c.Close()
		}
	}
	close(stop)
	wg.Wait()
}
