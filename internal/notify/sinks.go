package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// LogSink writes every event as one structured log line.
type LogSink struct {
	Level zerolog.Level
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Handle(_ context.Context, evt farmagent.Event) error {
	e := log.WithLevel(s.Level).
		Str("event", string(evt.Type)).
		Time("at", evt.At)
	if evt.DeviceID != "" {
		e = e.Str("serial", evt.DeviceID)
	}
	if evt.TaskID != "" {
		e = e.Str("task_id", evt.TaskID)
	}
	if evt.Status != "" {
		e = e.Str("status", evt.Status)
	}
	if evt.Error != "" {
		e = e.Str("error", evt.Error)
	}
	if len(evt.Payload) > 0 {
		e = e.Interface("payload", evt.Payload)
	}
	e.Msg("farm event")
	return nil
}

func (LogSink) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaSink forwards events as JSON messages keyed by device id (task id when
// no device is involved) so one device's events stay ordered in a partition.
type KafkaSink struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// NewKafkaSink builds a sink backed by a kafka-go writer.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: no brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newKafkaSink(writer, cfg.Topic, cfg.WriteTimeout), nil
}

func newKafkaSink(writer messageWriter, topic string, timeout time.Duration) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic, timeout: timeout}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Handle(ctx context.Context, evt farmagent.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	key := evt.DeviceID
	if key == "" {
		key = evt.TaskID
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "host", Value: []byte(evt.Host)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write event %s to kafka", evt.Type)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
