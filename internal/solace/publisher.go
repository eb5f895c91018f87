package solace

import (
	"fmt"
	"time"

	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/resource"

	log "github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

type Configuration struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Host        string `yaml:"host" toml:"host"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	VpnName     string `yaml:"vpnName" toml:"vpnName"`
	TopicPrefix string `yaml:"topicPrefix" toml:"topicPrefix"`
}

// sender delivers one message to a topic.
type sender interface {
	send(topic, payload string) error
	close()
}

type directSender struct {
	service   solace.MessagingService
	publisher solace.DirectMessagePublisher
}

func (d *directSender) send(topic, payload string) error {
	message, err := d.service.MessageBuilder().BuildWithStringPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}
	return d.publisher.Publish(message, resource.TopicOf(topic))
}

func (d *directSender) close() {
	if err := d.publisher.Terminate(250 * time.Millisecond); err != nil {
		log.Warnf("failed to terminate solace publisher: %v", err)
	}
	if err := d.service.Disconnect(); err != nil {
		log.Warnf("failed to disconnect solace service: %v", err)
	}
}

type Publisher struct {
	sender      sender
	topicPrefix string
	timeout     time.Duration
}

func NewPublisher(cfg *Configuration, topicPrefix string) (*Publisher, error) {
	if !cfg.Enabled {
		log.Info("Solace publisher disabled via configuration")
		return &Publisher{}, nil
	}

	if cfg.Host == "" || cfg.VpnName == "" {
		log.Warn("Solace enabled but host or VPN name missing, publisher disabled")
		return &Publisher{}, nil
	}

	service, err := messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(cfg.ServicePropertyMap()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build messaging service: %w", err)
	}

	if err := service.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Solace broker: %w", err)
	}

	direct, err := service.CreateDirectMessagePublisherBuilder().Build()
	if err == nil {
		err = direct.Start()
	}
	if err != nil {
		if derr := service.Disconnect(); derr != nil {
			log.Warnf("failed to disconnect messaging service during cleanup: %v", derr)
		}
		return nil, fmt.Errorf("failed to start direct message publisher: %w", err)
	}

	log.Infof("connected to Solace broker %s (VPN %s)", cfg.Host, cfg.VpnName)

	return newPublisher(&directSender{service: service, publisher: direct}, *cfg, topicPrefix), nil
}

func newPublisher(s sender, cfg Configuration, topicPrefix string) *Publisher {
	if topicPrefix == "" {
		topicPrefix = cfg.TopicPrefix
	}
	if topicPrefix == "" {
		topicPrefix = "inverter"
	}
	return &Publisher{sender: s, topicPrefix: topicPrefix, timeout: publishTimeout}
}

// Publish is fire and forget; a send that outlives the timeout is abandoned.
func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.sender == nil {
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix)
	log.Debugf("publishing to %s", topic)

	done := make(chan error, 1)
	go func() {
		done <- p.sender.send(topic, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Errorf("failed to publish to %s: %s", topic, err)
		}
	case <-time.After(p.timeout):
		log.Errorf("timeout waiting for publish to %s", topic)
	}
}

func (p *Publisher) Close() {
	if p.sender != nil {
		p.sender.close()
	}
}

// ServicePropertyMap builds the connection properties of the messaging service.
func (c *Configuration) ServicePropertyMap() config.ServicePropertyMap {
	return config.ServicePropertyMap{
		config.TransportLayerPropertyHost:                c.Host,
		config.ServicePropertyVPNName:                    c.VpnName,
		config.AuthenticationPropertySchemeBasicUserName: c.Username,
		config.AuthenticationPropertySchemeBasicPassword: c.Password,
	}
}
