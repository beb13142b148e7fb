// Package worker runs the proof of work for newly created blocks off the
// event loop goroutine.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
)

// EventHandler defines a function that is called when events
// occur while mining.
type EventHandler func(v string, args ...any)

// Job describes a block to be mined on top of PrevBlock.
type Job struct {
	PrevBlock database.Block
	Payload   string
	Transfers []database.Transfer
}

// Result is reported once for every job handed to Mine.
type Result struct {
	Job      Job
	Block    database.Block
	Duration time.Duration
	Err      error
}

// Worker manages the mining goroutines for the node.
type Worker struct {
	difficulty string
	evHandler  EventHandler
	wg         sync.WaitGroup
	shut       chan struct{}
}

// New constructs a worker that mines blocks against the difficulty prefix.
func New(difficulty string, evHandler EventHandler) *Worker {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	if difficulty == "" {
		difficulty = database.DefaultDifficulty
	}

	return &Worker{
		difficulty: difficulty,
		evHandler:  ev,
		shut:       make(chan struct{}),
	}
}

// Mine starts a mining operation for the job and returns a channel that
// receives exactly one result. Cancelling the context or shutting down the
// worker stops the operation and reports the cancellation as the result.
func (w *Worker) Mine(ctx context.Context, job Job) <-chan Result {
	result := make(chan Result, 1)

	if w.isShutdown() {
		result <- Result{Job: job, Err: context.Canceled}
		close(result)
		return result
	}

	ctx, cancel := context.WithCancel(ctx)

	// Can't return from Shutdown until these G's are complete.
	w.wg.Add(2)

	// This G exists to cancel the mining operation on shutdown.
	go func() {
		defer w.wg.Done()

		select {
		case <-w.shut:
			w.evHandler("worker: Mine: MINING: CANCEL: shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()

	// This G is performing the mining.
	go func() {
		defer func() {
			cancel()
			close(result)
			w.wg.Done()
		}()

		w.evHandler("worker: Mine: MINING: started: blk[%d]", job.PrevBlock.ID+1)

		t := time.Now()
		block, err := database.POW(ctx, database.POWArgs{
			PrevBlock:  job.PrevBlock,
			Payload:    job.Payload,
			Transfers:  job.Transfers,
			Difficulty: w.difficulty,
			EvHandler:  w.evHandler,
		})
		duration := time.Since(t)

		w.evHandler("worker: Mine: MINING: mining duration[%v]", duration)

		if err != nil && ctx.Err() != nil {
			w.evHandler("worker: Mine: MINING: CANCEL: complete")
		}

		result <- Result{
			Job:      job,
			Block:    block,
			Duration: duration,
			Err:      err,
		}
	}()

	return result
}

// Shutdown cancels any mining in progress and waits for the goroutines
// performing work to terminate.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	if w.isShutdown() {
		return
	}

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
