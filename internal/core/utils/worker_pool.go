package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with up to maxWorkers goroutines and closes completed
// once every item is processed. The queue must be buffered, fully loaded, and
// closed before calling. Items still queued when ctx is cancelled complete
// with the context error.
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					next, ok := <-queue
					if !ok {
						return
					}

					if ctx.Err() != nil {
						completed <- CompletedTask[Out]{Error: ctx.Err()}
						continue
					}

					res, err := worker(ctx, next)
					if err != nil {
						completed <- CompletedTask[Out]{Error: err}
					} else {
						completed <- CompletedTask[Out]{Result: res, Error: nil}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
