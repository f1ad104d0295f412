package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *DispatchQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, []string{"startup", "lab", "supporter", "free"}, 30*time.Second)
}

func TestDispatchAndLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Dispatch(ctx, "j1", "free"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != "j1" {
		t.Fatalf("expected j1, got %q", got)
	}

	// Nothing left.
	got, err = q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease empty: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty lease, got %q", got)
	}
}

func TestLeaseDrainsTiersInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Dispatch(ctx, "j-free", "free"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := q.Dispatch(ctx, "j-startup", "startup"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := q.Dispatch(ctx, "j-lab", "lab"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		id, err := q.LeaseNext(ctx)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		order = append(order, id)
	}
	want := []string{"j-startup", "j-lab", "j-free"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("lease order %v, want %v", order, want)
		}
	}
}

func TestUnknownTierDefaultsToFree(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Dispatch(ctx, "j1", ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	id, err := q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if id != "j1" {
		t.Fatalf("expected j1 from free list, got %q", id)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Dispatch(ctx, "j1", "lab"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := q.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}

	// Lease not yet expired.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no expired leases, got %v", ids)
	}

	// Well past the visibility deadline: the job goes back on its tier list.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "j1" {
		t.Fatalf("expected [j1], got %v", ids)
	}

	id, err := q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if id != "j1" {
		t.Fatalf("expected requeued j1, got %q", id)
	}
}

func TestAckClearsLeaseAndStopFlag(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Dispatch(ctx, "j1", "free"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := q.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.RequestStop(ctx, "j1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	stopped, err := q.StopRequested(ctx, "j1")
	if err != nil {
		t.Fatalf("stop requested: %v", err)
	}
	if stopped {
		t.Fatalf("expected stop flag cleared after ack")
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked job should not be requeued, got %v", ids)
	}
}

func TestRequestStopPullsWaitingJobOffReadyList(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Dispatch(ctx, "j1", "supporter"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := q.RequestStop(ctx, "j1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stopped, err := q.StopRequested(ctx, "j1")
	if err != nil {
		t.Fatalf("stop requested: %v", err)
	}
	if !stopped {
		t.Fatalf("expected stop flag set")
	}

	id, err := q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if id != "" {
		t.Fatalf("stopped job must not be leased, got %q", id)
	}
}

func TestRemoveAndDepth(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, id := range []string{"j1", "j2"} {
		if err := q.Dispatch(ctx, id, "free"); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}

	if err := q.Remove(ctx, "j1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	depth, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1 after remove, got %d", depth)
	}

	id, err := q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if id != "j2" {
		t.Fatalf("expected j2, got %q", id)
	}
}
