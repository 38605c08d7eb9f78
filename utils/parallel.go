package utils

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions over at most ParallelFactor workers.
// The first failure cancels the shared context; workers already running
// finish their current function. All errors are combined.
func RunInParallel(ctx context.Context, fs []SimpleFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	var bigError error
	var bigErrorMutex sync.Mutex
	storeError := func(err error) {
		bigErrorMutex.Lock()
		defer bigErrorMutex.Unlock()
		bigError = multierr.Combine(bigError, err)
	}

	jobs := make(chan SimpleFunc)
	workers := ParallelFactor
	if workers > len(fs) {
		workers = len(fs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				func() {
					defer func() {
						if thePanic := recover(); thePanic != nil {
							storeError(fmt.Errorf("got panic running something in parallel: %v", thePanic))
							cancel()
						}
					}()
					if err := f(ctx); err != nil {
						storeError(err)
						cancel()
					}
				}()
			}
		}()
	}

	for _, f := range fs {
		if ctx.Err() != nil {
			break
		}
		jobs <- f
	}
	close(jobs)
	wg.Wait()
	return bigError
}
