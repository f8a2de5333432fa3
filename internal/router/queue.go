package router

import (
	"context"
	"sync"
)

// queueSet runs tasks grouped into lanes. Tasks of one lane run one after
// another in submission order; lanes run independently. A lane's goroutine
// exits when its backlog empties.
type queueSet struct {
	mu    sync.Mutex
	lanes map[string][]func()
	wg    sync.WaitGroup
}

func newQueueSet() *queueSet {
	return &queueSet{lanes: map[string][]func(){}}
}

func (q *queueSet) enqueue(lane string, task func()) {
	q.mu.Lock()
	backlog, running := q.lanes[lane]
	q.lanes[lane] = append(backlog, task)
	if !running {
		q.wg.Add(1)
		go q.run(lane)
	}
	q.mu.Unlock()
}

func (q *queueSet) run(lane string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.lanes[lane]
		if len(backlog) == 0 {
			delete(q.lanes, lane)
			q.mu.Unlock()
			return
		}
		task := backlog[0]
		q.lanes[lane] = backlog[1:]
		q.mu.Unlock()
		task()
	}
}

// drain waits until every lane is empty or the context expires.
func (q *queueSet) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
