package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/acme/whatsapp-broadcast/internal/config"
)

const kafkaDialTimeout = 10 * time.Second

// TopicSpec describes a topic the services expect to exist.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// Kafka builds readers and writers that share one broker list and client id.
type Kafka struct {
	cfg    config.KafkaConfig
	dialer *kafka.Dialer
}

// NewKafka validates the broker list.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return &Kafka{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: kafkaDialTimeout, ClientID: cfg.ClientID, DualStack: true},
	}, nil
}

// NewWriter returns a synchronous, hash-keyed writer that waits for every
// in-sync replica.
func (k *Kafka) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport: &kafka.Transport{
			ClientID:    k.cfg.ClientID,
			DialTimeout: kafkaDialTimeout,
		},
	}
}

// NewReader returns a consumer-group reader starting from the oldest offset
// when the group has none committed.
func (k *Kafka) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		Dialer:         k.dialer,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: k.cfg.CommitInterval,
		MinBytes:       1,
		MaxBytes:       10e6,
	})
}

// EnsureTopics creates the missing topics through the cluster controller.
// Existing topics are left untouched even if their layout differs.
func (k *Kafka) EnsureTopics(ctx context.Context, specs ...TopicSpec) error {
	conn, err := k.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	existing := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = struct{}{}
	}

	missing := missingTopics(specs, existing)
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	ctrl, err := k.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	return nil
}

// dial connects to the first broker that answers.
func (k *Kafka) dial(ctx context.Context) (*kafka.Conn, error) {
	var errs error
	for _, broker := range k.cfg.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return nil, fmt.Errorf("kafka: dial: %w", errs)
}

func missingTopics(specs []TopicSpec, existing map[string]struct{}) []kafka.TopicConfig {
	var out []kafka.TopicConfig
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		if _, ok := existing[spec.Name]; ok {
			continue
		}
		if _, ok := seen[spec.Name]; ok {
			continue
		}
		seen[spec.Name] = struct{}{}

		partitions, replicas := spec.Partitions, spec.ReplicationFactor
		if partitions <= 0 {
			partitions = 1
		}
		if replicas <= 0 {
			replicas = 1
		}
		out = append(out, kafka.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replicas,
		})
	}
	return out
}

// Writer is the subset of kafka.Writer the publishers use.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
