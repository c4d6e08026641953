package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/deadletter"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/observability"
)

// BatchError ties a failure to its position in the batch.
type BatchError struct {
	Index   int
	EventID string
	Err     error
}

// BatchResult summarizes ProcessBatch. DUPLICATE counts as successful.
type BatchResult struct {
	Successful int
	Failed     int
	Errors     []BatchError

	// Results holds one entry per input envelope, in input order.
	Results []Result
}

// ProcessBatch processes every envelope, continuing past failures.
// Envelopes run concurrently up to WithBatchConcurrency; results keep input
// order regardless.
func (p *Pipeline) ProcessBatch(ctx context.Context, envs []envelope.Envelope) BatchResult {
	results := make([]Result, len(envs))

	if p.concurrency <= 1 {
		for i, env := range envs {
			results[i] = p.Process(ctx, env)
		}
	} else {
		sem := make(chan struct{}, p.concurrency)
		var wg sync.WaitGroup
		for i, env := range envs {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, env envelope.Envelope) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = p.Process(ctx, env)
			}(i, env)
		}
		wg.Wait()
	}

	batch := BatchResult{Results: results}
	for i, r := range results {
		if r.Outcome.Succeeded() {
			batch.Successful++
			continue
		}
		batch.Failed++
		batch.Errors = append(batch.Errors, BatchError{Index: i, EventID: r.EventID, Err: r.Err()})
	}
	return batch
}

// Acknowledger is implemented by sinks that can drop a record once it has
// been replayed, such as *deadletter.MemorySink.
type Acknowledger interface {
	Acknowledge(ctx context.Context, eventID string) error
}

// Replay reprocesses the original envelope of a dead-letter record, typically
// after an operator deployed a missing schema or fixed a handler. The attempt
// budget starts over. When the replay succeeds and the configured sink is an
// Acknowledger, the record is acknowledged.
func (p *Pipeline) Replay(ctx context.Context, rec deadletter.Record) Result {
	p.attempts.clear(rec.Event.EventID)

	res := p.Process(ctx, rec.Event)
	if !res.Outcome.Succeeded() {
		return res
	}
	if ack, ok := p.sink.(Acknowledger); ok {
		if err := ack.Acknowledge(ctx, rec.Event.EventID); err != nil {
			observability.LogDeadLetterFailed(p.logger, rec.Event.EventID, fmt.Errorf("acknowledge replay: %w", err))
		}
	}
	return res
}
