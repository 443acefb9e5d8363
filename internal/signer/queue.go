// Package signer serializes platform-wallet submissions. Every transaction
// from the shared platform wallet goes through one worker goroutine so nonce
// allocation can never race, while per-agent wallets submit directly.
package signer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/ports"
)

var ErrQueueClosed = errors.New("signer queue closed")

// DefaultQueueDepth bounds how many submissions can wait on the platform
// wallet before callers block.
const DefaultQueueDepth = 64

type job struct {
	ctx  context.Context
	op   ports.Operation
	resp chan result
}

type result struct {
	ref ports.TxRef
	err error
}

// Queue wraps a Signer with a single-worker submission queue.
type Queue struct {
	inner  ports.Signer
	logger *slog.Logger

	jobs chan job
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
}

// Compile-time interface check
var _ ports.Signer = (*Queue)(nil)

// NewQueue starts the worker goroutine. Call Close to drain and stop it.
func NewQueue(inner ports.Signer, logger *slog.Logger) *Queue {
	q := &Queue{
		inner:  inner,
		logger: logger,
		jobs:   make(chan job, DefaultQueueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Address returns the underlying wallet address.
func (q *Queue) Address() string { return q.inner.Address() }

// Submit enqueues the operation and waits for the worker to run it.
func (q *Queue) Submit(ctx context.Context, op ports.Operation) (ports.TxRef, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.inFlight.Add(1)
	q.mu.Unlock()
	defer q.inFlight.Done()

	j := job{ctx: ctx, op: op, resp: make(chan result, 1)}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.stop:
		return "", ErrQueueClosed
	}

	select {
	case r := <-j.resp:
		return r.ref, r.err
	case <-ctx.Done():
		// The worker may still execute the job; the result is dropped.
		return "", ctx.Err()
	}
}

// AwaitConfirmation delegates to the underlying signer; confirmation polling
// does not contend on the nonce and needs no serialization.
func (q *Queue) AwaitConfirmation(ctx context.Context, ref ports.TxRef) (*ports.Receipt, error) {
	return q.inner.AwaitConfirmation(ctx, ref)
}

// Close stops accepting submissions and waits for in-flight jobs to finish.
// The jobs channel is closed only after every submitter that passed the
// closed check has returned, so a racing Submit can never send on it closed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	q.inFlight.Wait()
	close(q.jobs)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		if err := j.ctx.Err(); err != nil {
			j.resp <- result{err: err}
			continue
		}
		start := time.Now()
		ref, err := q.inner.Submit(j.ctx, j.op)
		if err != nil {
			q.logger.Warn("platform submission failed",
				"kind", j.op.Kind, "to", j.op.To, "err", err,
				"elapsed", time.Since(start))
		}
		j.resp <- result{ref: ref, err: err}
	}
}
