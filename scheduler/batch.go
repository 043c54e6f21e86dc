package scheduler

import (
	"context"
	"sync"
)

// BatchItem is one labeled unit of work in a batch. Priority is optional and
// defaults to the service default (0).
type BatchItem struct {
	ID       string
	Fn       CallFunc
	Priority int
}

// BatchResult is the outcome of one batch item. Exactly one of Value and Err
// is meaningful.
type BatchResult struct {
	Value any
	Err   error
}

// ExecuteBatch submits every item through Execute and collects per-item
// outcomes keyed by ID. A failure in one item never aborts its siblings or
// the batch itself; callers inspect each entry's Err.
func (s *Scheduler) ExecuteBatch(ctx context.Context, service string, items []BatchItem) map[string]BatchResult {
	results := make(map[string]BatchResult, len(items))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, item := range items {
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Execute(ctx, service, item.ID, item.Fn, item.Priority)
			mu.Lock()
			results[item.ID] = BatchResult{Value: v, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
