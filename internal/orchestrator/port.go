// Package orchestrator implements the run orchestrator (spec.md 4.C): the
// start path that enqueues and claims a run (callers subscribe to its event
// stream separately), the
// goroutine that consumes a provider adapter's chunk stream and republishes
// it as ordered events, and stop/cancel and human-loop reply handling.
package orchestrator

import "context"

// ReplyResult is the outcome of attempting to resume a paused run with a
// human-supplied answer.
type ReplyResult struct {
	Accepted bool
	Reason   string
}

// Port is the minimal surface the callback ingestor depends on, breaking
// the orchestrator↔callback cyclic reference named in spec.md's Design
// Notes: the callback ingestor needs to call back into the orchestrator to
// resume a paused run, but the orchestrator needs to write through the
// callback repository, so neither package may import the other's concrete
// type.
type Port interface {
	ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) (ReplyResult, error)
}
