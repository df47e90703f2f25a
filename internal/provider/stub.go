package provider

import (
	"context"
	"iter"
	"sync"

	"github.com/agentctl/runctl/internal/domain"
)

// StubAdapter is an in-process Adapter used in tests and local development
// when no real provider runtime is reachable. Scripted chunks are dispatched
// verbatim for every run; ReplyHumanLoop and Cancel just record their calls.
type StubAdapter struct {
	mu       sync.Mutex
	name     domain.Provider
	caps     Capabilities
	Script   []Chunk
	Replies  []ReplyCall
	Canceled []string
}

// ReplyCall records one ReplyHumanLoop invocation.
type ReplyCall struct {
	RunID      string
	QuestionID string
	Answer     string
}

// NewStubAdapter builds a StubAdapter that replays script for every dispatched run.
func NewStubAdapter(name domain.Provider, caps Capabilities, script []Chunk) *StubAdapter {
	return &StubAdapter{name: name, caps: caps, Script: script}
}

func (a *StubAdapter) Provider() domain.Provider  { return a.name }
func (a *StubAdapter) Capabilities() Capabilities { return a.caps }

// Dispatch yields the scripted chunks in order, stopping early if ctx is
// canceled.
func (a *StubAdapter) Dispatch(ctx context.Context, _ *domain.RunQueueItem) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for _, c := range a.Script {
			if ctx.Err() != nil {
				yield(Chunk{}, ctx.Err())
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (a *StubAdapter) ReplyHumanLoop(_ context.Context, runID, questionID, answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Replies = append(a.Replies, ReplyCall{RunID: runID, QuestionID: questionID, Answer: answer})
	return nil
}

func (a *StubAdapter) Cancel(_ context.Context, runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Canceled = append(a.Canceled, runID)
	return nil
}

func (a *StubAdapter) Close() error { return nil }
