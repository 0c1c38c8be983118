package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptnegotiation/libs/amqpx"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptnegotiation/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Sink delivers one outbox record to a broker.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Send(ctx context.Context, r Record) error {
	return s.writer.WriteMessages(ctx, kafkaMessage(ctx, r))
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// kafkaMessage keys by aggregate id so events of one request stay ordered.
func kafkaMessage(ctx context.Context, r Record) kafka.Message {
	msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
	msg := kafka.Message{
		Topic:   r.EventType,
		Key:     []byte(r.AggregateID),
		Value:   r.Payload,
		Headers: kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType}.Headers(),
	}
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return msg
}

type AMQPSink struct {
	pub *amqpx.Publisher
}

func NewAMQPSink(pub *amqpx.Publisher) *AMQPSink {
	return &AMQPSink{pub: pub}
}

func (s *AMQPSink) Send(ctx context.Context, r Record) error {
	return s.pub.Publish(ctx, r.EventType, r.EventID, amqpHeaders(r), r.Payload)
}

func (s *AMQPSink) Close() error {
	return s.pub.Close()
}

func amqpHeaders(r Record) map[string]string {
	headers := map[string]string{
		kafkax.HeaderEventID:   r.EventID,
		kafkax.HeaderEventType: r.EventType,
	}
	if r.Traceparent != "" {
		headers["traceparent"] = r.Traceparent
	}
	if r.Tracestate != "" {
		headers["tracestate"] = r.Tracestate
	}
	return headers
}

// Publisher relays unpublished outbox rows to a Sink. Rows are marked
// published only after every send in the batch succeeded, so a failure
// retries the batch on the next poll.
type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	sink      Sink
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(pool *db.Pool, repo *Repository, sink Sink, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		sink:      sink,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if p.sink == nil {
		p.logger.Warn("outbox publisher disabled (no broker configured)")
		return
	}
	defer func() { _ = p.sink.Close() }()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	return p.pool.InTx(ctx, func(tx pgx.Tx) error {
		records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(records))
		for _, r := range records {
			if err := p.sink.Send(ctx, r); err != nil {
				return err
			}
			ids = append(ids, r.ID)
		}
		return p.repo.MarkPublished(ctx, tx, ids)
	})
}
