// Package stream consumes provider event envelopes from Kafka and feeds them
// into the staging log.
//
// Providers that push rather than pull deliver webhook traffic through a
// Kafka topic; the Source decodes each message into an ingest request,
// stages it, and commits the offset only after the record is durably staged,
// giving at-least-once delivery into the dedup layer (which makes redelivery
// harmless).
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/fleetsync-io/fleetsync/internal/config"
	"github.com/fleetsync-io/fleetsync/internal/staging"
)

// Sentinel errors for stream consumption.
var (
	// ErrStoreNil indicates the Source was built without a staging store.
	ErrStoreNil = errors.New("staging store cannot be nil")

	// ErrReaderNil indicates the Source was built without a reader.
	ErrReaderNil = errors.New("reader cannot be nil")

	// ErrEnvelopeInvalid indicates a message that cannot become an ingest
	// request. Such messages are poison pills: logged, committed, skipped.
	ErrEnvelopeInvalid = errors.New("invalid event envelope")
)

type (
	// Reader is the slice of kafka.Reader the Source depends on, so tests
	// can drive the consume loop without a broker.
	Reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Envelope is the wire format providers publish to the events topic.
	Envelope struct {
		ExecutionID     string          `json:"executionId"`
		ConfigurationID int64           `json:"configurationId"`
		ProviderSlug    string          `json:"providerSlug"`
		FeatureKey      string          `json:"featureKey"`
		ExternalID      string          `json:"externalId"`
		Payload         staging.Payload `json:"payload"`
	}

	// Source pumps envelopes from a Kafka topic into the staging store.
	Source struct {
		reader  Reader
		store   staging.Store
		limiter *rate.Limiter
		logger  *slog.Logger
	}

	// SourceOption configures a Source.
	SourceOption func(*Source)
)

// Reader is satisfied by the real client (compile-time assertion).
var _ Reader = (*kafka.Reader)(nil)

// WithRateLimiter throttles ingestion to protect the database during
// redelivery storms. Nil disables throttling.
func WithRateLimiter(limiter *rate.Limiter) SourceOption {
	return func(s *Source) {
		s.limiter = limiter
	}
}

// WithLogger overrides the default JSON logger.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewReader builds a kafka.Reader with the consumer-group settings the
// service uses. Brokers and topic come from the caller's configuration.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // explicit commits only
		StartOffset:    kafka.FirstOffset,
	})
}

// NewSource creates a stream source over the given reader and staging store.
func NewSource(reader Reader, store staging.Store, opts ...SourceOption) (*Source, error) {
	if reader == nil {
		return nil, ErrReaderNil
	}

	if store == nil {
		return nil, ErrStoreNil
	}

	s := &Source{
		reader: reader,
		store:  store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run consumes until the context is canceled. Offsets commit only after the
// event is staged, so a crash between stage and commit redelivers; dedup
// turns the redelivery into a duplicate no-op.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("stream source starting")

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("stream source stopping", slog.String("reason", err.Error()))

				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := s.handle(ctx, msg); err != nil {
			// Storage errors are retriable: do not commit, let the group
			// redeliver. Everything else was handled inside handle.
			return err
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// Close releases the underlying reader.
func (s *Source) Close() error {
	return s.reader.Close()
}

// handle stages one message. Poison pills (undecodable or invalid envelopes)
// are logged and swallowed so the partition keeps moving; only storage
// failures propagate.
func (s *Source) handle(ctx context.Context, msg kafka.Message) error {
	req, err := decodeEnvelope(msg.Value)
	if err != nil {
		s.logger.Warn("skipping undecodable event envelope",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return nil
	}

	result, err := s.store.Ingest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to stage event at offset %d: %w", msg.Offset, err)
	}

	s.logger.Debug("event staged from stream",
		slog.String("record_id", result.Record.ID),
		slog.String("outcome", string(result.Outcome)),
		slog.Int64("offset", msg.Offset),
	)

	return nil
}

// decodeEnvelope parses and validates one message body.
func decodeEnvelope(body []byte) (*staging.IngestRequest, error) {
	var envelope Envelope

	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, err)
	}

	req := &staging.IngestRequest{
		ExecutionID:     envelope.ExecutionID,
		ConfigurationID: envelope.ConfigurationID,
		ProviderSlug:    envelope.ProviderSlug,
		FeatureKey:      envelope.FeatureKey,
		ExternalID:      envelope.ExternalID,
		Payload:         envelope.Payload,
	}

	if req.ExecutionID == "" {
		// Push-delivered events arrive outside any sync execution; stamp a
		// synthetic execution id derived from the delivery day so they stay
		// groupable.
		req.ExecutionID = "stream-" + time.Now().UTC().Format("2006-01-02")
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, err)
	}

	return req, nil
}
