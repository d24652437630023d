package stream

import (
	"context"
	"time"

	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage"
)

const defaultArchiverName = "archive"

// ArchiverOptions configures an Archiver. Zero values select defaults.
type ArchiverOptions struct {
	Transitions storage.TransitionStore
	Archive     storage.TransitionArchiveStore
	Checkpoints storage.StreamCheckpointStore

	// Consumer names the checkpoint row. Defaults to "archive".
	Consumer string

	PollInterval time.Duration
	BatchSize    int
	Logger       logging.Logger
}

// Archiver mirrors the transition fact log into the analytics archive.
// Same at-least-once contract as Publisher; the archive tolerates replayed
// sequence ranges.
type Archiver struct {
	transitions storage.TransitionStore
	archive     storage.TransitionArchiveStore
	checkpoints storage.StreamCheckpointStore
	consumer    string
	poll        time.Duration
	batch       int
	log         logging.Logger
}

// NewArchiver creates an Archiver from the given options.
func NewArchiver(opts ArchiverOptions) *Archiver {
	consumer := opts.Consumer
	if consumer == "" {
		consumer = defaultArchiverName
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}

	return &Archiver{
		transitions: opts.Transitions,
		archive:     opts.Archive,
		checkpoints: opts.Checkpoints,
		consumer:    consumer,
		poll:        opts.PollInterval,
		batch:       opts.BatchSize,
		log:         opts.Logger,
	}
}

// Run archives new facts until ctx is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	return runFeed(ctx, feedOptions{
		transitions: a.transitions,
		checkpoints: a.checkpoints,
		consumer:    a.consumer,
		poll:        a.poll,
		batch:       a.batch,
		log:         a.log,
		sink:        a.archive.ArchiveTransitions,
	})
}
