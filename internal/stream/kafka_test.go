package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage/memory"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failNext bool
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext {
		w.failNext = false
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func (w *fakeWriter) message(i int) kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.msgs[i]
}

func (w *fakeWriter) wasClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func newTestPublisher(transitions *memory.TransitionStore, checkpoints *memory.StreamCheckpointStore, writer messageWriter) *Publisher {
	return &Publisher{
		transitions: transitions,
		checkpoints: checkpoints,
		writer:      writer,
		consumer:    defaultPublisherName,
		poll:        5 * time.Millisecond,
		batch:       16,
		log:         logging.Noop{},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func checkpointAt(checkpoints *memory.StreamCheckpointStore, consumer string, seq int64) func() bool {
	return func() bool {
		got, err := checkpoints.GetLastPublished(context.Background(), consumer)
		return err == nil && got == seq
	}
}

func TestPublisher_PublishesFactsKeyedByOrder(t *testing.T) {
	transitions := memory.NewTransitionStore()
	checkpoints := memory.NewStreamCheckpointStore()
	writer := &fakeWriter{}
	appendFact(t, transitions, "ord-1", 1)
	appendFact(t, transitions, "ord-2", 1)

	p := newTestPublisher(transitions, checkpoints, writer)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return writer.count() == 2 })

	msg := writer.message(0)
	if string(msg.Key) != "ord-1" {
		t.Errorf("message key = %q, want ord-1", msg.Key)
	}
	var rec record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Seq != 1 || rec.OrderID != "ord-1" || rec.OrderSeq != 1 {
		t.Errorf("record identity = %d/%s/%d, want 1/ord-1/1", rec.Seq, rec.OrderID, rec.OrderSeq)
	}
	if rec.FromState != "PENDING" || rec.ToState != "PARTIALLY_PAID" {
		t.Errorf("record states = %s -> %s", rec.FromState, rec.ToState)
	}
	if rec.Reason != domain.TransitionReasonFundsDetected {
		t.Errorf("record reason = %q", rec.Reason)
	}
	if rec.ReceivedAmount != "0.5" {
		t.Errorf("record received_amount = %q, want 0.5", rec.ReceivedAmount)
	}
	if rec.OccurredAt != "2025-06-01T12:00:00Z" {
		t.Errorf("record occurred_at = %q", rec.OccurredAt)
	}
	if string(writer.message(1).Key) != "ord-2" {
		t.Errorf("second key = %q, want ord-2", writer.message(1).Key)
	}

	waitFor(t, checkpointAt(checkpoints, defaultPublisherName, 2))

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if !writer.wasClosed() {
		t.Error("writer not closed on shutdown")
	}
}

func TestPublisher_ResumesFromCheckpoint(t *testing.T) {
	transitions := memory.NewTransitionStore()
	checkpoints := memory.NewStreamCheckpointStore()
	writer := &fakeWriter{}
	for i := 1; i <= 3; i++ {
		appendFact(t, transitions, "ord-1", int64(i))
	}
	if err := checkpoints.SetLastPublished(context.Background(), defaultPublisherName, 2); err != nil {
		t.Fatalf("SetLastPublished: %v", err)
	}

	p := newTestPublisher(transitions, checkpoints, writer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return writer.count() == 1 })
	var rec record
	if err := json.Unmarshal(writer.message(0).Value, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Seq != 3 {
		t.Errorf("resumed at seq %d, want 3", rec.Seq)
	}

	cancel()
	<-done
}

func TestPublisher_RetriesFailedBatch(t *testing.T) {
	transitions := memory.NewTransitionStore()
	checkpoints := memory.NewStreamCheckpointStore()
	writer := &fakeWriter{failNext: true}
	appendFact(t, transitions, "ord-1", 1)
	appendFact(t, transitions, "ord-1", 2)

	p := newTestPublisher(transitions, checkpoints, writer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The first write fails; the same batch must arrive on the next cycle
	// with no fact skipped.
	waitFor(t, func() bool { return writer.count() == 2 })
	var rec record
	if err := json.Unmarshal(writer.message(0).Value, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Seq != 1 {
		t.Errorf("first published seq = %d, want 1", rec.Seq)
	}
	waitFor(t, checkpointAt(checkpoints, defaultPublisherName, 2))

	cancel()
	<-done
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(PublisherOptions{
		Transitions: memory.NewTransitionStore(),
		Checkpoints: memory.NewStreamCheckpointStore(),
	})
	if err == nil {
		t.Fatal("expected an error without brokers")
	}
}

type fakeArchive struct {
	mu    sync.Mutex
	facts []*domain.Transition
}

func (a *fakeArchive) ArchiveTransitions(_ context.Context, facts []*domain.Transition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.facts = append(a.facts, facts...)
	return nil
}

func (a *fakeArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.facts)
}

func TestArchiver_MirrorsLog(t *testing.T) {
	transitions := memory.NewTransitionStore()
	checkpoints := memory.NewStreamCheckpointStore()
	archive := &fakeArchive{}
	for i := 1; i <= 3; i++ {
		appendFact(t, transitions, "ord-1", int64(i))
	}

	a := NewArchiver(ArchiverOptions{
		Transitions:  transitions,
		Archive:      archive,
		Checkpoints:  checkpoints,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return archive.count() == 3 })
	waitFor(t, checkpointAt(checkpoints, defaultArchiverName, 3))

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}
