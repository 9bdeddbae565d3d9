package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

const memoryBuffer = 1024

// MemoryQueue delivers messages through in-process channels. Used by tests,
// the simulator and single-process deployments.
type MemoryQueue struct {
	mu       sync.Mutex
	channels map[string]chan []byte
	cancels  map[string]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
	logger   *logging.Logger
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(logger *logging.Logger) *MemoryQueue {
	return &MemoryQueue{
		channels: make(map[string]chan []byte),
		cancels:  make(map[string]context.CancelFunc),
		logger:   logger,
	}
}

func (q *MemoryQueue) channel(subject string) (chan []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	ch, ok := q.channels[subject]
	if !ok {
		ch = make(chan []byte, memoryBuffer)
		q.channels[subject] = ch
	}
	return ch, nil
}

// Publish queues a copy of data. It blocks while the subject's buffer is
// full and gives up when ctx is done.
func (q *MemoryQueue) Publish(ctx context.Context, subject string, data []byte) error {
	ch, err := q.channel(subject)
	if err != nil {
		return err
	}

	msg := append([]byte(nil), data...)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", subject, ctx.Err())
	}
}

// Subscribe starts a consumer goroutine for subject. A failing handler
// gets the message once more before it is dropped.
func (q *MemoryQueue) Subscribe(subject string, handler Handler) error {
	ch, err := q.channel(subject)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.cancels[subject]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, subject)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancels[subject] = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-ch:
				if err := handler(data); err != nil {
					q.logger.Warn("Handler failed, retrying once", "subject", subject, "error", err)
					if err := handler(data); err != nil {
						q.logger.Error("Dropping message", "subject", subject, "error", err)
					}
				}
			}
		}
	}()
	return nil
}

// Unsubscribe stops the consumer of subject. Queued messages stay for the
// next subscriber.
func (q *MemoryQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, ok := q.cancels[subject]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}
	cancel()
	delete(q.cancels, subject)
	return nil
}

// Close stops all consumers and waits for them to exit
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for subject, cancel := range q.cancels {
		cancel()
		delete(q.cancels, subject)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Pending returns the number of undelivered messages of subject
func (q *MemoryQueue) Pending(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.channels[subject])
}
