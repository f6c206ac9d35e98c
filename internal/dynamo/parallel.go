package dynamo

import "sync"

// DefaultWorkers bounds ParallelForWorkers when the caller has no
// preference.
const DefaultWorkers = 4

// ParallelForWorkers splits [0, n) into at most workers chunks of at least
// minChunk and runs fn on each concurrently. workers <= 1 runs fn inline on
// the calling goroutine.
func ParallelForWorkers(n, workers, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}
	if n <= minChunk || workers <= 1 {
		fn(0, n)
		return
	}

	if n/minChunk < workers {
		workers = n / minChunk
	}
	if workers < 1 {
		workers = 1
	}

	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		if start >= n {
			break
		}
		end := min(start+chunkSize, n)

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}

	wg.Wait()
}
