package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// OriginKind distinguishes where a change batch came from.
type OriginKind string

const (
	// OriginInit marks the startup replay of every present log row.
	OriginInit OriginKind = "init"
	// OriginRemote marks already-resolved rows received from another replica.
	OriginRemote OriginKind = "remote"
	// OriginLocal marks changes issued by a local session.
	OriginLocal OriginKind = "local"
)

// Origin is attached to every notification so observers can recognize their own changes.
type Origin struct {
	Kind      OriginKind `json:"kind"`
	SessionID string     `json:"session_id,omitempty"`
}

// InitOrigin returns the startup replay origin.
func InitOrigin() Origin {
	return Origin{Kind: OriginInit}
}

// RemoteOrigin returns the origin for replicated rows.
func RemoteOrigin() Origin {
	return Origin{Kind: OriginRemote}
}

// LocalOrigin returns the origin for a local session.
func LocalOrigin(sessionID string) Origin {
	return Origin{Kind: OriginLocal, SessionID: sessionID}
}

func (origin Origin) String() string {
	if origin.Kind == OriginLocal {
		return fmt.Sprintf("%s(%s)", origin.Kind, origin.SessionID)
	}
	return string(origin.Kind)
}

// ChangeBatch is one unit of reconciliation work. It is never persisted.
type ChangeBatch struct {
	RowIDs []int64
	Origin Origin
}

var (
	// ErrQueueClosed indicates that the consumer end is gone.
	ErrQueueClosed = errors.New("oplog: queue closed")
	// ErrQueueFull indicates that the submitter gave up waiting for capacity.
	ErrQueueFull = errors.New("oplog: queue full")
)

// DefaultQueueCapacity bounds the intake queue when no capacity is configured.
const DefaultQueueCapacity = 64

// Queue is the bounded FIFO intake between write commands and the reconciler.
// Any number of producers may Submit; exactly one consumer calls Receive.
type Queue struct {
	batches   chan ChangeBatch
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue builds a queue holding at most capacity pending batches.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		batches: make(chan ChangeBatch, capacity),
		closed:  make(chan struct{}),
	}
}

// Submit enqueues a batch, suspending while the queue is full. It fails with
// ErrQueueClosed once the queue is closed and with ErrQueueFull when ctx ends first.
func (q *Queue) Submit(ctx context.Context, batch ChangeBatch) error {
	if len(batch.RowIDs) == 0 {
		return nil
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	owned := ChangeBatch{
		RowIDs: append([]int64(nil), batch.RowIDs...),
		Origin: batch.Origin,
	}
	select {
	case q.batches <- owned:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
}

// Receive blocks until the next batch is available. Batches already queued when the
// queue closes are still delivered before ErrQueueClosed.
func (q *Queue) Receive(ctx context.Context) (ChangeBatch, error) {
	select {
	case batch := <-q.batches:
		return batch, nil
	case <-ctx.Done():
		return ChangeBatch{}, ctx.Err()
	case <-q.closed:
		select {
		case batch := <-q.batches:
			return batch, nil
		default:
			return ChangeBatch{}, ErrQueueClosed
		}
	}
}

// Len reports the number of queued batches.
func (q *Queue) Len() int {
	return len(q.batches)
}

// Close stops accepting batches. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}
