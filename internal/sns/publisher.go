// Package sns forwards alerts to an SNS topic, typically fanned out to
// e-mail or SMS subscriptions.
package sns

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	log "github.com/sirupsen/logrus"
)

const (
	requestTimeout = 5 * time.Second
	// maxSubjectLen is the SNS limit for e-mail subjects.
	maxSubjectLen = 100
)

type Configuration struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Region      string `yaml:"region" toml:"region"`
	TopicArn    string `yaml:"topicArn" toml:"topicArn"`
	TopicPrefix string `yaml:"topicPrefix" toml:"topicPrefix"`
}

// api is the part of the SNS client the publisher uses.
type api interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Publisher struct {
	client      api
	topicArn    string
	topicPrefix string
}

// NewPublisher verifies the topic and returns the alert notifier. The
// configured topic prefix overrides the global one.
func NewPublisher(cfg *Configuration, topicPrefix string) (*Publisher, error) {
	if !cfg.Enabled {
		log.Info("SNS notifier disabled via configuration")
		return &Publisher{}, nil
	}

	if cfg.TopicArn == "" || cfg.Region == "" {
		log.Warn("SNS enabled but topic ARN or region missing, notifier disabled")
		return &Publisher{}, nil
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
		TopicArn: aws.String(cfg.TopicArn),
	}); err != nil {
		return nil, fmt.Errorf("failed to verify SNS topic: %w", err)
	}

	log.Infof("sending alerts to SNS topic %s in %s", cfg.TopicArn, cfg.Region)

	return newPublisher(client, *cfg, topicPrefix), nil
}

func newPublisher(client api, cfg Configuration, topicPrefix string) *Publisher {
	if cfg.TopicPrefix != "" {
		topicPrefix = cfg.TopicPrefix
	}
	return &Publisher{client: client, topicArn: cfg.TopicArn, topicPrefix: topicPrefix}
}

func subject(topic string) string {
	s := "Alert " + topic
	if len(s) > maxSubjectLen {
		s = s[:maxSubjectLen]
	}
	return s
}

func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.client == nil {
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	_, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Subject:  aws.String(subject(topic)),
		Message:  aws.String(payload),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"topic": {DataType: aws.String("String"), StringValue: aws.String(topic)},
		},
	})
	if err != nil {
		log.Errorf("failed to send alert %s to SNS: %s", topic, err)
		return
	}
	log.Infof("sent alert %s to SNS", topic)
}

// Close is a no-op; the SDK owns its connection pool.
func (p *Publisher) Close() {}
