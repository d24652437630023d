package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage"
)

const defaultPollInterval = 2 * time.Second

// sinkFunc hands one batch of facts to a downstream system.
type sinkFunc func(ctx context.Context, facts []*domain.Transition) error

type feedOptions struct {
	transitions storage.TransitionStore
	checkpoints storage.StreamCheckpointStore
	consumer    string
	poll        time.Duration
	batch       int
	log         logging.Logger
	sink        sinkFunc
}

// runFeed polls the fact log and pushes new batches into sink until ctx is
// canceled. The checkpoint advances only after sink accepts a batch, so the
// downstream system sees every fact at least once; a failed batch is retried
// on the next cycle.
func runFeed(ctx context.Context, opts feedOptions) error {
	after, err := opts.checkpoints.GetLastPublished(ctx, opts.consumer)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load stream checkpoint %s: %w", opts.consumer, err)
		}
		after = 0
	}
	reader := NewReader(opts.transitions, after, opts.batch)
	opts.log.Info("stream consumer started", map[string]any{
		"consumer": opts.consumer,
		"after":    after,
	})

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()

	for {
		if err := drainFeed(ctx, reader, opts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			opts.log.Error("stream batch failed", map[string]any{
				"consumer": opts.consumer,
				"error":    err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainFeed pushes batches until the reader catches up with the log tail.
func drainFeed(ctx context.Context, reader *Reader, opts feedOptions) error {
	for {
		start := reader.Position()
		facts, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if len(facts) == 0 {
			return nil
		}
		if err := opts.sink(ctx, facts); err != nil {
			// The batch stays unacknowledged; rewind and retry next cycle.
			reader.Seek(start)
			return err
		}
		if err := opts.checkpoints.SetLastPublished(ctx, opts.consumer, reader.Position()); err != nil {
			// The batch is already downstream. A stale checkpoint only
			// costs a replay after restart.
			opts.log.Warn("persist stream checkpoint", map[string]any{
				"consumer": opts.consumer,
				"seq":      reader.Position(),
				"error":    err.Error(),
			})
		}
	}
}
