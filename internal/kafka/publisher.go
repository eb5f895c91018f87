// Package kafka publishes telemetry to a single Kafka topic. Kafka topic
// names cannot carry the slash separated hierarchy, so the full topic path
// becomes the message key.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTopic = "inverter-monitor"
	writeTimeout = 5 * time.Second
)

type Configuration struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
	// RequireAll waits for every in-sync replica instead of the leader only.
	RequireAll bool `yaml:"requireAll" toml:"requireAll"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer      messageWriter
	topicPrefix string
}

func NewPublisher(cfg *Configuration, topicPrefix string) (*Publisher, error) {
	if !cfg.Enabled {
		log.Info("Kafka publisher disabled via configuration")
		return &Publisher{}, nil
	}

	if len(cfg.Brokers) == 0 {
		log.Warn("Kafka enabled but no brokers provided, publisher disabled")
		return &Publisher{}, nil
	}

	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}
	if strings.Contains(topic, "/") {
		return nil, fmt.Errorf("invalid kafka topic %q", topic)
	}

	acks := kafka.RequireOne
	if cfg.RequireAll {
		acks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchTimeout: 50 * time.Millisecond,
	}

	log.Infof("publishing to kafka topic %s on %s", topic, strings.Join(cfg.Brokers, ","))

	return &Publisher{writer: writer, topicPrefix: topicPrefix}, nil
}

func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.writer == nil {
		return
	}

	key := fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: []byte(payload),
		Time:  time.Now(),
	})
	if err != nil {
		log.Errorf("failed to publish %s to kafka: %s", key, err)
		return
	}
	log.Debugf("published %s to kafka", key)
}

func (p *Publisher) Close() {
	if p.writer == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		log.Warnf("failed to close kafka writer: %v", err)
	}
}
