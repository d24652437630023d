// Package stream feeds the order transition fact log to external consumers.
//
// Every fact carries a globally monotonic sequence number assigned by the
// store, which makes the log a restartable feed: a consumer tracks the last
// sequence it handled and resumes from there after a crash. Reader is the
// pull side; Publisher (Kafka) and Archiver (analytics) are the built-in
// checkpointed consumers.
package stream

import (
	"context"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

const defaultBatchSize = 256

// Reader pulls transition facts in sequence order, in batches. Not safe for
// concurrent use; each consumer owns its Reader.
type Reader struct {
	store storage.TransitionStore
	after int64
	batch int
}

// NewReader returns a Reader positioned just after afterSeq. A batchSize of
// zero or less selects the default.
func NewReader(store storage.TransitionStore, afterSeq int64, batchSize int) *Reader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Reader{store: store, after: afterSeq, batch: batchSize}
}

// Next returns the next batch of facts and advances past them. An empty
// batch means the reader has caught up with the log tail.
func (r *Reader) Next(ctx context.Context) ([]*domain.Transition, error) {
	facts, err := r.store.ListAfter(ctx, r.after, r.batch)
	if err != nil {
		return nil, err
	}
	if len(facts) > 0 {
		r.after = facts[len(facts)-1].Seq
	}
	return facts, nil
}

// Position returns the sequence number of the last fact handed out.
func (r *Reader) Position() int64 {
	return r.after
}

// Seek repositions the reader so the next batch starts after seq. Consumers
// rewind after a failed hand-off so no fact is skipped.
func (r *Reader) Seek(seq int64) {
	r.after = seq
}
