package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/rcourtman/substation-twin/internal/assets"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Envelope is the wire format of one measurement message. When AssetID is
// empty the message key is used instead.
type Envelope struct {
	AssetID     string             `json:"assetId"`
	Measurement assets.Measurement `json:"measurement"`
}

// KafkaConfig configures the Kafka source and publisher.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration // how long one poll waits for messages
	MaxBatch    int           // messages consumed per poll at most
}

func (c *KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return internalerrors.Invalid("kafka", "at least one broker is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return internalerrors.Invalid("kafka", "topic must not be empty")
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
	return nil
}

// messageReader is the part of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// commitTimeout bounds the offset commit made after the poll context ended.
var commitTimeout = 5 * time.Second

// KafkaSource consumes measurement envelopes from a topic.
type KafkaSource struct {
	cfg         KafkaConfig
	reader      messageReader
	pollTimeout atomic.Int64
}

// NewKafkaSource creates a consumer group reader on cfg.Topic.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, internalerrors.Invalid("kafka", "consumer group must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("group", cfg.GroupID).
		Msg("Kafka telemetry source initialized")
	return &KafkaSource{cfg: cfg, reader: reader}, nil
}

func (k *KafkaSource) Name() string { return "kafka" }

// SetPollTimeout changes how long later polls wait for messages. Non-positive
// values are ignored.
func (k *KafkaSource) SetPollTimeout(d time.Duration) {
	if d > 0 {
		k.pollTimeout.Store(int64(d))
	}
}

func (k *KafkaSource) timeout() time.Duration {
	if d := k.pollTimeout.Load(); d > 0 {
		return time.Duration(d)
	}
	return k.cfg.PollTimeout
}

// Poll reads until MaxBatch messages arrived or the poll timeout elapsed.
// Later messages for the same asset replace earlier ones. Undecodable
// messages are logged, committed and skipped. Every fetched message is
// committed, including those of a partial batch returned with an error.
func (k *KafkaSource) Poll(ctx context.Context) (map[string]assets.Measurement, error) {
	pollCtx, cancel := context.WithTimeout(ctx, k.timeout())
	defer cancel()

	batch := make(map[string]assets.Measurement)
	var consumed []kafka.Message
	var fetchErr error
	for len(consumed) < k.cfg.MaxBatch {
		msg, err := k.reader.FetchMessage(pollCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				fetchErr = ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
			default:
				fetchErr = fmt.Errorf("fetch telemetry message: %w", err)
			}
			break
		}
		consumed = append(consumed, msg)

		id, m, err := decode(msg)
		if err != nil {
			log.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("Skipping malformed telemetry message")
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = msg.Time
		}
		batch[id] = m
	}

	if err := k.commit(ctx, consumed); err != nil {
		return batch, errors.Join(fetchErr, err)
	}
	return batch, fetchErr
}

// commit acknowledges msgs even when ctx is already cancelled, so a partial
// batch that the caller applies is not redelivered.
func (k *KafkaSource) commit(ctx context.Context, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := k.reader.CommitMessages(commitCtx, msgs...); err != nil {
		return fmt.Errorf("commit telemetry offsets: %w", err)
	}
	return nil
}

func decode(msg kafka.Message) (string, assets.Measurement, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return "", assets.Measurement{}, fmt.Errorf("decode envelope: %w", err)
	}
	id := env.AssetID
	if id == "" {
		id = string(msg.Key)
	}
	if id == "" {
		return "", assets.Measurement{}, errors.New("message carries no asset id")
	}
	return id, env.Measurement, nil
}

func (k *KafkaSource) Close() error {
	if k == nil || k.reader == nil {
		return nil
	}
	return k.reader.Close()
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes measurement envelopes keyed by asset ID, so every asset
// stays on one partition.
type Publisher struct {
	writer messageWriter
}

// NewPublisher creates a writer on cfg.Topic.
func NewPublisher(cfg KafkaConfig) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Publish writes one message per measurement.
func (p *Publisher) Publish(ctx context.Context, batch map[string]assets.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for id, m := range batch {
		value, err := json.Marshal(Envelope{AssetID: id, Measurement: m})
		if err != nil {
			return fmt.Errorf("encode measurement for %s: %w", id, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(id), Value: value, Time: m.Timestamp})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d measurements: %w", len(msgs), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
