// Package provider defines the ProviderAdapter port the run orchestrator
// dispatches runs through (spec.md 4.C), plus a gRPC-backed adapter for the
// out-of-process agent runtime and an in-process stub for tests.
package provider

import (
	"context"
	"iter"

	"github.com/agentctl/runctl/internal/domain"
)

// ChunkKind discriminates the variants of a Chunk the adapter streams back.
type ChunkKind string

const (
	ChunkMessageDelta ChunkKind = "message.delta"
	ChunkTodoUpdate   ChunkKind = "todo.update"
	ChunkHumanLoop    ChunkKind = "human_loop.request"
	ChunkWarning      ChunkKind = "warning"
	ChunkUsage        ChunkKind = "usage"
	ChunkDone         ChunkKind = "done"
)

// Chunk is one unit of streamed output from a provider adapter.
type Chunk struct {
	Kind         ChunkKind
	Text         string
	TodoID       string
	TodoStatus   string
	TodoContent  string
	Prompt       string
	QuestionID   string
	Metadata     map[string]any
	Message      string
	InputTokens  int64
	OutputTokens int64
}

// Capabilities describes what an adapter supports, negotiated once per
// provider at startup (spec.md Design Notes, provider capability negotiation).
type Capabilities struct {
	SupportsHumanLoop bool
	SupportsTodos     bool
	SupportsCancel    bool
}

// Adapter is the port every provider backend implements. Dispatch streams a
// run's output as Chunks using iter.Seq2, following the gRPC client's
// existing streaming idiom.
type Adapter interface {
	Provider() domain.Provider
	Capabilities() Capabilities
	Dispatch(ctx context.Context, item *domain.RunQueueItem) iter.Seq2[Chunk, error]
	// ReplyHumanLoop delivers a human-supplied answer back to an in-flight
	// run waiting on questionID.
	ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) error
	// Cancel requests the provider stop processing runID as soon as possible.
	Cancel(ctx context.Context, runID string) error
	Close() error
}

// Registry resolves a domain.Provider to its Adapter.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry builds a Registry from a set of adapters, keyed by their own
// Provider() identity.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter registered for p, or nil if none is.
func (r *Registry) Get(p domain.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Close closes every registered adapter, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
