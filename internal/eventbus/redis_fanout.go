package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentctl/runctl/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisFanout publishes and subscribes run events over Redis pub/sub so
// multiple runctld processes can share one run's event stream — needed once
// the orchestrator is horizontally scaled (spec.md Design Notes, Open
// Question on cross-process delivery).
type RedisFanout struct {
	client        *redis.Client
	channelPrefix string
}

// NewRedisFanout builds a fanout backend against addr. Pass an empty addr
// from the caller to skip wiring this in and stay in-process only.
func NewRedisFanout(addr, channelPrefix string) *RedisFanout {
	return &RedisFanout{
		client:        redis.NewClient(&redis.Options{Addr: addr}),
		channelPrefix: channelPrefix,
	}
}

type wireEvent struct {
	RunID   string          `json:"runId"`
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (f *RedisFanout) channel(runID string) string {
	return f.channelPrefix + runID
}

// Publish marshals ev and publishes it to runID's Redis channel.
func (f *RedisFanout) Publish(ctx context.Context, runID string, ev *domain.RunEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	body, err := json.Marshal(wireEvent{
		RunID:   ev.RunID,
		Seq:     ev.Seq,
		Kind:    string(ev.Kind),
		TS:      ev.TS.Unix(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal wire event: %w", err)
	}
	return f.client.Publish(ctx, f.channel(runID), body).Err()
}

// Subscribe starts a goroutine delivering every message received on runID's
// Redis channel to deliver, until ctx is canceled.
func (f *RedisFanout) Subscribe(ctx context.Context, runID string, deliver func(*domain.RunEvent)) {
	sub := f.client.Subscribe(ctx, f.channel(runID))
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var we wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
					slog.Warn("eventbus redis fanout: malformed message", "run_id", runID, "error", err)
					continue
				}
				var payload any
				if len(we.Payload) > 0 {
					if err := json.Unmarshal(we.Payload, &payload); err != nil {
						slog.Warn("eventbus redis fanout: malformed payload", "run_id", runID, "error", err)
						continue
					}
				}
				deliver(&domain.RunEvent{
					RunID:   we.RunID,
					Seq:     we.Seq,
					Kind:    domain.EventKind(we.Kind),
					TS:      timeFromUnix(we.TS),
					Payload: payload,
				})
			}
		}
	}()
}

// Close releases the underlying Redis client.
func (f *RedisFanout) Close() error {
	return f.client.Close()
}
