package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage"
)

const (
	defaultTopic         = "chainpay.order-transitions"
	defaultPublisherName = "kafka-publisher"
)

// messageWriter is the slice of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherOptions configures a Publisher. Brokers is required; zero values
// elsewhere select defaults.
type PublisherOptions struct {
	Transitions storage.TransitionStore
	Checkpoints storage.StreamCheckpointStore

	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string
	// Topic receives the transition records. Defaults to
	// "chainpay.order-transitions".
	Topic string
	// Consumer names the checkpoint row. Defaults to "kafka-publisher".
	Consumer string

	PollInterval time.Duration
	BatchSize    int
	Logger       logging.Logger
}

// Publisher mirrors the transition fact log onto a Kafka topic. Records are
// keyed by order ID so one order's facts land on one partition in sequence
// order. Delivery is at-least-once: the checkpoint advances only after the
// broker acknowledges the batch.
type Publisher struct {
	transitions storage.TransitionStore
	checkpoints storage.StreamCheckpointStore
	writer      messageWriter
	consumer    string
	poll        time.Duration
	batch       int
	log         logging.Logger
}

// NewPublisher creates a Publisher from the given options.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	topic := opts.Topic
	if topic == "" {
		topic = defaultTopic
	}
	consumer := opts.Consumer
	if consumer == "" {
		consumer = defaultPublisherName
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}

	return &Publisher{
		transitions: opts.Transitions,
		checkpoints: opts.Checkpoints,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		consumer: consumer,
		poll:     opts.PollInterval,
		batch:    opts.BatchSize,
		log:      opts.Logger,
	}, nil
}

// Run publishes new facts until ctx is canceled. It owns the writer and
// closes it on exit.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.writer.Close()

	return runFeed(ctx, feedOptions{
		transitions: p.transitions,
		checkpoints: p.checkpoints,
		consumer:    p.consumer,
		poll:        p.poll,
		batch:       p.batch,
		log:         p.log,
		sink:        p.publish,
	})
}

func (p *Publisher) publish(ctx context.Context, facts []*domain.Transition) error {
	msgs := make([]kafka.Message, len(facts))
	for i, fact := range facts {
		value, err := json.Marshal(transitionRecord(fact))
		if err != nil {
			return fmt.Errorf("marshal fact %d: %w", fact.Seq, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(fact.OrderID),
			Value: value,
			Time:  fact.OccurredAt,
		}
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// record is the wire form of one transition fact.
type record struct {
	Seq            int64  `json:"seq"`
	OrderID        string `json:"order_id"`
	OrderSeq       int64  `json:"order_seq"`
	MerchantID     string `json:"merchant_id"`
	Currency       string `json:"currency"`
	FromState      string `json:"from_state,omitempty"`
	ToState        string `json:"to_state"`
	Reason         string `json:"reason"`
	NetworkTxID    string `json:"network_tx_id,omitempty"`
	ReceivedAmount string `json:"received_amount"`
	OccurredAt     string `json:"occurred_at"`
}

func transitionRecord(t *domain.Transition) record {
	return record{
		Seq:            t.Seq,
		OrderID:        t.OrderID,
		OrderSeq:       t.OrderSeq,
		MerchantID:     t.MerchantID,
		Currency:       string(t.Currency),
		FromState:      string(t.FromState),
		ToState:        string(t.ToState),
		Reason:         t.Reason,
		NetworkTxID:    t.NetworkTxID,
		ReceivedAmount: t.ReceivedAmount.String(),
		OccurredAt:     t.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
