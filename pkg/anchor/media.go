package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"fides/pkg/httpx"
	"fides/pkg/models"
)

// KafkaMedium publishes anchors to a message bus topic keyed by anchor id.
type KafkaMedium struct {
	writer kafkaWriter
	name   string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Name    string
}

func NewKafkaMedium(cfg KafkaConfig) (*KafkaMedium, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Topic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaMedium{writer: w, name: name}, nil
}

func (m *KafkaMedium) Category() string { return "message_bus" }
func (m *KafkaMedium) Name() string     { return m.name }

func (m *KafkaMedium) Publish(ctx context.Context, a models.Anchor) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	err = m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.AnchorID),
		Value: payload,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("kafka:%s:%s", m.name, a.AnchorID), nil
}

func (m *KafkaMedium) Close() error {
	if m == nil || m.writer == nil {
		return nil
	}
	return m.writer.Close()
}

// WebhookMedium posts anchors to an external HTTP endpoint, for gazette and
// transparency-portal style targets. The response body, when non-empty, is
// used as the external reference.
type WebhookMedium struct {
	category string
	name     string
	endpoint string
	client   *http.Client
}

func NewWebhookMedium(category, name, endpoint string, client *http.Client) *WebhookMedium {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookMedium{category: category, name: name, endpoint: endpoint, client: client}
}

func (m *WebhookMedium) Category() string { return m.category }
func (m *WebhookMedium) Name() string     { return m.name }

func (m *WebhookMedium) Publish(ctx context.Context, a models.Anchor) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	status, body, err := httpx.RequestJSON(ctx, m.client, http.MethodPost, m.endpoint, payload, nil, 2, 250*time.Millisecond)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("webhook %s returned %d", m.name, status)
	}
	var ack struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(body, &ack); err == nil && ack.Reference != "" {
		return ack.Reference, nil
	}
	return fmt.Sprintf("%s:%s", m.name, a.AnchorID), nil
}
