package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/IBM/sarama"
)

// Provider delivers one text to one phone number.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

type ProviderConfig struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
	KafkaBrokers []string
	KafkaTopic   string
}

// NewProvider picks the outbound channel. Without a usable configuration it
// falls back to logging the text, the way an unconfigured SMS account is skipped.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Kind {
	case "", "log", "stub":
		return logProvider{logger: logger}, nil
	case "noop":
		return noopProvider{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			logger.Warn("webhook provider selected without NOTIFY_WEBHOOK_URL; logging messages instead")
			return logProvider{logger: logger}, nil
		}
		return webhookProvider{
			url:    cfg.WebhookURL,
			token:  cfg.WebhookToken,
			client: &http.Client{Timeout: 5 * time.Second},
		}, nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			logger.Warn("kafka provider selected without KAFKA_BROKERS; logging messages instead")
			return logProvider{logger: logger}, nil
		}
		return NewKafkaProvider(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		return nil, fmt.Errorf("unknown notification provider %q", cfg.Kind)
	}
}

type logProvider struct {
	logger *slog.Logger
}

func (p logProvider) Send(ctx context.Context, msg Message) error {
	p.logger.InfoContext(ctx, "sms not configured; skipping send",
		slog.String("kind", msg.Kind),
		slog.Int64("ticket_number", msg.TicketNumber),
		slog.String("to", msg.Recipient),
		slog.String("body", msg.Body),
	)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) error {
	return nil
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func (p webhookProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: %s", resp.Status)
	}
	return nil
}

// KafkaProvider publishes texts to a topic read by the SMS gateway. Messages
// are keyed by phone number so one family's texts stay in order.
type KafkaProvider struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaProvider(brokers []string, topic string) (*KafkaProvider, error) {
	if topic == "" {
		topic = "photoline-sms"
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 10 * time.Second
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaProvider(producer, topic), nil
}

func newKafkaProvider(producer sarama.SyncProducer, topic string) *KafkaProvider {
	return &KafkaProvider{producer: producer, topic: topic}
}

func (p *KafkaProvider) Send(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(msg.Recipient),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(msg.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish sms: %w", err)
	}
	return nil
}

func (p *KafkaProvider) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// Close releases providers that hold connections.
func Close(p Provider) error {
	if closer, ok := p.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
