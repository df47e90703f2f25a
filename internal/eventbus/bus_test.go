package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New(16, time.Minute, 8)
	sub := bus.Subscribe("run-1", 0)
	defer bus.Unsubscribe("run-1", sub)

	ev, err := bus.Publish(context.Background(), "run-1", &domain.RunEvent{
		Kind: domain.EventRunStatus,
		TS:   time.Now(),
		Payload: domain.RunStatusPayload{Status: "running"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev.Seq != 1 {
		t.Fatalf("expected first event to get seq 1, got %d", ev.Seq)
	}

	select {
	case got := <-sub.Events:
		if got.Seq != 1 {
			t.Fatalf("subscriber got seq %d, want 1", got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysAfterSeq(t *testing.T) {
	bus := New(16, time.Minute, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, "run-1", &domain.RunEvent{
			Kind: domain.EventMessageDelta,
			TS:   time.Now(),
		}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub := bus.Subscribe("run-1", 1)
	defer bus.Unsubscribe("run-1", sub)

	var seqs []int64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events:
			seqs = append(seqs, ev.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay")
		}
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("expected replay of seq [2 3], got %v", seqs)
	}
}

func TestPublishAfterCloseGraceIsRejected(t *testing.T) {
	bus := New(16, 0, 8)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "run-1", &domain.RunEvent{Kind: domain.EventRunClosed, TS: time.Now()}); err != nil {
		t.Fatalf("publish close: %v", err)
	}

	// zero grace prunes synchronously inside Publish, so the stream is
	// already gone here.
	time.Sleep(10 * time.Millisecond)

	if _, err := bus.Publish(ctx, "run-1", &domain.RunEvent{Kind: domain.EventRunStatus, TS: time.Now()}); err != nil {
		t.Fatalf("expected publish to a pruned run to open a fresh stream, got error: %v", err)
	}
}
