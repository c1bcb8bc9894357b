package startupcache

import (
	"testing"
	"time"
)

func TestRequestMissThenWaitersReceiveOwnerValue(t *testing.T) {
	c := New()

	first := c.Request("conn-a", "models")
	if first.Status != StatusMiss {
		t.Fatalf("expected first requester to become owner (miss), got %+v", first)
	}

	done := make(chan Reply, 1)
	go func() {
		done <- c.Request("conn-b", "models")
	}()

	// give the waiter goroutine time to enqueue before the owner publishes
	time.Sleep(10 * time.Millisecond)

	if ok := c.Update("conn-a", "models", "catalog-v1"); !ok {
		t.Fatal("expected Update from the recorded owner to succeed")
	}

	waiterReply := <-done
	if waiterReply.Status != StatusHit || waiterReply.Value != "catalog-v1" {
		t.Fatalf("expected waiter to receive the owner's published value, got %+v", waiterReply)
	}

	third := c.Request("conn-c", "models")
	if third.Status != StatusHit || third.Value != "catalog-v1" {
		t.Fatalf("expected a later requester to hit the published value directly, got %+v", third)
	}
}

func TestUpdateFailedPromotesNextWaiter(t *testing.T) {
	c := New()
	c.Request("conn-a", "models")

	done := make(chan Reply, 1)
	go func() {
		done <- c.Request("conn-b", "models")
	}()
	time.Sleep(10 * time.Millisecond)

	if ok := c.UpdateFailed("conn-a", "models"); !ok {
		t.Fatal("expected UpdateFailed from the recorded owner to succeed")
	}

	promoted := <-done
	if promoted.Status != StatusMiss {
		t.Fatalf("expected the promoted waiter to receive a miss so it can retry, got %+v", promoted)
	}
}

func TestUpdateRejectsNonOwner(t *testing.T) {
	c := New()
	c.Request("conn-a", "models")

	if ok := c.Update("conn-b", "models", "bogus"); ok {
		t.Fatal("expected Update from a non-owner connection to be rejected")
	}
}

func TestDropPromotesWaiterWhenOwnerDisconnects(t *testing.T) {
	c := New()
	c.Request("conn-a", "models")

	done := make(chan Reply, 1)
	go func() {
		done <- c.Request("conn-b", "models")
	}()
	time.Sleep(10 * time.Millisecond)

	c.Drop("conn-a")

	promoted := <-done
	if promoted.Status != StatusMiss {
		t.Fatalf("expected the promoted waiter to receive a miss after owner disconnect, got %+v", promoted)
	}
}

func TestDropRemovesQueuedWaiterWithoutPromoting(t *testing.T) {
	c := New()
	c.Request("conn-a", "models")

	done := make(chan Reply, 1)
	go func() {
		done <- c.Request("conn-b", "models")
	}()
	time.Sleep(10 * time.Millisecond)

	c.Drop("conn-b")

	if ok := c.Update("conn-a", "models", "catalog-v1"); !ok {
		t.Fatal("expected owner update to still succeed after an unrelated waiter dropped")
	}

	select {
	case r := <-done:
		t.Fatalf("dropped waiter should never receive a reply, got %+v", r)
	default:
	}
}

func TestHasReportsPublishedKeysOnly(t *testing.T) {
	c := New()
	if c.Has("models") {
		t.Fatal("expected Has to be false before any publish")
	}
	c.Request("conn-a", "models")
	if c.Has("models") {
		t.Fatal("expected Has to stay false while the key is only owned, not published")
	}
	c.Update("conn-a", "models", "v1")
	if !c.Has("models") {
		t.Fatal("expected Has to be true once published")
	}
}
